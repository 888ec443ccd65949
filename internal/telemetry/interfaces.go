// Package telemetry holds the operational logging and metrics seams shared by
// the replication packages.
package telemetry

import "log"

// Logger receives plain operational lines. Structured replication events go
// through logging.Publisher instead.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc is a Logger backed by a function; the nil LoggerFunc is silent.
type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f != nil {
		f(format, args...)
	}
}

// WrapLogger returns l as a Logger, or a silent Logger when l is nil.
func WrapLogger(l *log.Logger) Logger {
	if l == nil {
		return LoggerFunc(nil)
	}
	return LoggerFunc(l.Printf)
}

// Metrics is the counter and gauge sink for replication components. Keys are
// flat strings such as "server_tick_overruns_total".
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Add(string, uint64)   {}
func (NopMetrics) Store(string, uint64) {}
