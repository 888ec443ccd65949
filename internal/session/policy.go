package session

import (
	"fmt"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/trace"
)

// ResyncReason names one object that desynchronised.
type ResyncReason struct {
	ObjectID replica.ObjectID
	Record   string
}

// ResyncSignal summarises why a resync is requested.
type ResyncSignal struct {
	Desyncs uint64
	Applied uint64
	Reasons []ResyncReason
}

// ResyncPolicy decides when a client asks the server for a full resync.
// Desyncs are weighed against the number of records applied; once a request
// is sent no further request is made until the reset arrives or the cooldown
// elapses.
type ResyncPolicy struct {
	applied  uint64
	desyncs  uint64
	pending  bool
	reasons  []ResyncReason
	awaiting bool
	lastSent trace.Frame
	cooldown trace.Frame
}

const desyncThresholdPerTenThousand = 1
const resyncReasonLimit = 8

// NewResyncPolicy constructs a policy that repeats an unanswered request
// after cooldown frames.
func NewResyncPolicy(cooldown trace.Frame) *ResyncPolicy {
	return &ResyncPolicy{reasons: make([]ResyncReason, 0, resyncReasonLimit), cooldown: cooldown}
}

// NoteApplied counts a successfully applied record.
func (p *ResyncPolicy) NoteApplied() {
	if p == nil {
		return
	}
	if p.applied == ^uint64(0) {
		p.applied /= 2
		p.desyncs /= 2
	}
	p.applied++
}

// NoteDesync counts a record that could not be applied.
func (p *ResyncPolicy) NoteDesync(id replica.ObjectID, record string) {
	if p == nil {
		return
	}
	p.desyncs++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{ObjectID: id, Record: record})
	}
	p.evaluate()
}

func (p *ResyncPolicy) evaluate() {
	if p.pending || p.desyncs == 0 {
		return
	}
	total := max(p.applied, 1)
	if p.desyncs*10000 >= total*desyncThresholdPerTenThousand {
		p.pending = true
	}
}

// NoteReset records that the server reset this client.
func (p *ResyncPolicy) NoteReset() {
	if p == nil {
		return
	}
	p.awaiting = false
	p.pending = false
	p.applied, p.desyncs = 0, 0
	p.reasons = p.reasons[:0]
}

// Consume reports whether a resync request should be sent at frame.
func (p *ResyncPolicy) Consume(frame trace.Frame) (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	if p.awaiting && frame < p.lastSent+p.cooldown {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Desyncs: p.desyncs,
		Applied: p.applied,
		Reasons: append([]ResyncReason(nil), p.reasons...),
	}
	p.awaiting = true
	p.lastSent = frame
	return signal, true
}

// Awaiting reports whether a request is outstanding.
func (p *ResyncPolicy) Awaiting() bool {
	return p != nil && p.awaiting
}

func (s ResyncSignal) Summary() string {
	if s.Desyncs == 0 {
		return ""
	}
	return fmt.Sprintf("desyncs=%d applied=%d reasons=%v", s.Desyncs, s.Applied, s.Reasons)
}
