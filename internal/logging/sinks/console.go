package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/amerkoleci/rbfx/internal/logging"
)

// Console writes one human readable line per event:
//
//	15:04:05.000 WARN  replication.desync frame=12 object:7 payload={...} peer=4
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

func (s *Console) Write(event logging.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s frame=%d %s",
		event.Time.Format("15:04:05.000"), strings.ToUpper(event.Severity.String()), event.Type, event.Frame, event.Actor)
	for i, target := range event.Targets {
		if i == 0 {
			b.WriteString(" ->")
		}
		b.WriteByte(' ')
		b.WriteString(target.String())
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			b.WriteString(" payload=")
			b.Write(data)
		} else {
			fmt.Fprintf(&b, " payload=%v", event.Payload)
		}
	}
	keys := make([]string, 0, len(event.Extra))
	for k := range event.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, event.Extra[k])
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *Console) Close(context.Context) error {
	return nil
}
