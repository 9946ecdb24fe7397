package engine

import (
	"log/slog"
	"time"
)

// Telemetry receives lifecycle events. Calls are fire-and-forget and may
// arrive from concurrent branches, so implementations must be safe for
// concurrent use and should not block.
type Telemetry interface {
	TrackEvent(name string, data map[string]any)
}

// TelemetryFunc adapts a function to Telemetry.
type TelemetryFunc func(name string, data map[string]any)

// TrackEvent calls f.
func (f TelemetryFunc) TrackEvent(name string, data map[string]any) {
	f(name, data)
}

// NoopTelemetry discards every event.
type NoopTelemetry struct{}

// TrackEvent does nothing.
func (NoopTelemetry) TrackEvent(string, map[string]any) {}

// MultiTelemetry fans every event out to each non-nil sink in order.
func MultiTelemetry(sinks ...Telemetry) Telemetry {
	var out multiTelemetry
	for _, t := range sinks {
		if t != nil {
			out = append(out, t)
		}
	}
	switch len(out) {
	case 0:
		return NoopTelemetry{}
	case 1:
		return out[0]
	}
	return out
}

type multiTelemetry []Telemetry

func (m multiTelemetry) TrackEvent(name string, data map[string]any) {
	for _, t := range m {
		t.TrackEvent(name, data)
	}
}

// safeTelemetry shields the run from a panicking sink.
type safeTelemetry struct {
	inner  Telemetry
	logger *slog.Logger
}

func newSafeTelemetry(t Telemetry, logger *slog.Logger) Telemetry {
	if t == nil {
		return NoopTelemetry{}
	}
	return &safeTelemetry{inner: t, logger: logger}
}

func (s *safeTelemetry) TrackEvent(name string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("telemetry sink panicked", slog.String("event", name), slog.Any("panic", r))
		}
	}()
	s.inner.TrackEvent(name, data)
}

func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
