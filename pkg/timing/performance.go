// Package timing provides lightweight operation-duration instrumentation
// for the trading cycle: how long a cycle, a city's evaluation, or a
// market quote took, with a warning logged when it runs long enough to
// threaten the cycle budget.
package timing

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer measures one operation's duration and logs it on Stop.
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for the named operation.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{start: time.Now(), name: name, log: log}
}

// Stop logs the elapsed duration and returns it. A duration over 10s
// logs at warn level; anything shorter logs at debug level.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	event := t.log.Debug()
	if duration > 10*time.Second {
		event = t.log.Warn()
	}
	event.Str("operation", t.name).Dur("duration", duration).Msg("operation timing")

	return duration
}

// OperationTimer is a defer-friendly variant of Timer for one-line use:
//
//	defer timing.OperationTimer("process_city", log)()
func OperationTimer(operation string, log zerolog.Logger) func() {
	start := time.Now()
	return func() {
		duration := time.Since(start)
		event := log.Debug()
		if duration > 10*time.Second {
			event = log.Warn()
		}
		event.Str("operation", operation).Dur("duration", duration).Msg("operation timing")
	}
}
