// Package observability carries the engine's event stream. Subsystems
// report what they are doing as typed events; observers decide what
// to do with them (log, broadcast, count). Severity follows the
// OpenTelemetry SeverityNumber scale so events forward to OTel
// collectors without translation.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives events from subsystems for logging, tracing, or metrics.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// Event is one observation. Fields map to OTel LogRecord fields:
// Type→EventName, Level→SeverityNumber, Timestamp→Timestamp,
// Source→InstrumentationScope, Data→Attributes.
type Event struct {
	Type      EventType
	Level     Level
	Timestamp time.Time
	Source    string
	Data      map[string]any
}

// EventType identifies the kind of event. Each subsystem defines its own
// constants using this type (e.g., "loop.step.start", "agent.run.exit").
type EventType string

// Level is an OTel SeverityNumber. The named constants sit at the
// bottom of their four-number severity range.
type Level int

const (
	LevelVerbose Level = 5  // OTel DEBUG (5-8), maps to slog.LevelDebug
	LevelInfo    Level = 9  // OTel INFO (9-12), maps to slog.LevelInfo
	LevelWarning Level = 13 // OTel WARN (13-16), maps to slog.LevelWarn
	LevelError   Level = 17 // OTel ERROR (17-20), maps to slog.LevelError
)

// severityText names the OTel ranges, indexed by (number-1)/4.
var severityText = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// String returns the OTel severity text for the level.
func (l Level) String() string {
	if l < 1 {
		return severityText[0]
	}
	if idx := (int(l) - 1) / 4; idx < len(severityText) {
		return severityText[idx]
	}
	return severityText[len(severityText)-1]
}

// SlogLevel converts the level for slog emission.
func (l Level) SlogLevel() slog.Level {
	switch {
	case l <= 8:
		return slog.LevelDebug
	case l <= 12:
		return slog.LevelInfo
	case l <= 16:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
