// Package sinks holds the event destinations a logging.Router writes to.
package sinks

import (
	"fmt"
	"io"
	"os"

	"github.com/amerkoleci/rbfx/internal/logging"
)

// DefaultMemoryLimit bounds the memory sink built from config.
const DefaultMemoryLimit = 1024

// Build constructs the sinks enabled in cfg in order. The returned memory
// sink is nil unless "memory" is enabled.
func Build(cfg logging.Config, console io.Writer) ([]logging.NamedSink, *MemorySink, error) {
	named := make([]logging.NamedSink, 0, len(cfg.Sinks))
	var memory *MemorySink
	for _, name := range cfg.Sinks {
		var sink logging.Sink
		switch name {
		case logging.SinkConsole:
			sink = NewConsole(console)
		case logging.SinkJSON:
			var w io.Writer = os.Stdout
			if cfg.JSONPath != "" {
				file, err := os.OpenFile(cfg.JSONPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, nil, fmt.Errorf("open json log: %w", err)
				}
				w = file
			}
			sink = NewJSON(w, cfg.FlushInterval)
		case logging.SinkMemory:
			memory = NewMemorySink(DefaultMemoryLimit)
			sink = memory
		default:
			return nil, nil, fmt.Errorf("unknown log sink %q", name)
		}
		named = append(named, logging.NamedSink{Name: name, Sink: sink})
	}
	return named, memory, nil
}
