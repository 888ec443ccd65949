// Package logging routes structured replication events to pluggable sinks.
package logging

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

var severityNames = [...]string{"debug", "info", "warn", "error"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity maps a config string onto a Severity, defaulting to info.
func ParseSeverity(value string) Severity {
	for i, name := range severityNames {
		if name == value {
			return Severity(i)
		}
	}
	return SeverityInfo
}

type EntityKind string

const (
	EntityKindObject EntityKind = "object"
	EntityKindPeer   EntityKind = "peer"
	EntityKindServer EntityKind = "server"
	EntityKindClient EntityKind = "client"
)

// EntityRef names the object, peer or process an event is about.
type EntityRef struct {
	ID   string     `json:"id,omitempty"`
	Kind EntityKind `json:"kind"`
}

func (r EntityRef) String() string {
	switch {
	case r.ID == "":
		return string(r.Kind)
	case r.Kind == "":
		return r.ID
	default:
		return string(r.Kind) + ":" + r.ID
	}
}

// ObjectRef references a replicated object by id.
func ObjectRef(id uint32) EntityRef {
	return EntityRef{ID: strconv.FormatUint(uint64(id), 10), Kind: EntityKindObject}
}

// PeerRef references a connection by peer id.
func PeerRef(id uint32) EntityRef {
	return EntityRef{ID: strconv.FormatUint(uint64(id), 10), Kind: EntityKindPeer}
}

const CategoryReplication = "replication"

type Event struct {
	Type     EventType      `json:"type"`
	Frame    uint32         `json:"frame"`
	Time     time.Time      `json:"time"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Actor    EntityRef      `json:"actor"`
	Targets  []EntityRef    `json:"targets,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Clone returns a copy whose slices and maps are not shared with e.
func (e Event) Clone() Event {
	e.Targets = slices.Clone(e.Targets)
	e.Extra = maps.Clone(e.Extra)
	return e
}

// withFields fills Extra from fields without overriding keys the event
// already carries.
func (e Event) withFields(fields map[string]any) Event {
	if len(fields) == 0 {
		return e
	}
	extra := make(map[string]any, len(e.Extra)+len(fields))
	maps.Copy(extra, fields)
	maps.Copy(extra, e.Extra)
	e.Extra = extra
	return e
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to Publisher. A nil PublisherFunc discards
// events.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f != nil {
		f(ctx, event)
	}
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(nil)
