package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agentloop/engine/observability"
)

// observerFunc adapts a function to the Observer interface.
type observerFunc func(observability.Event)

func (f observerFunc) OnEvent(_ context.Context, event observability.Event) { f(event) }

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level observability.Level
		want  string
	}{
		{0, "TRACE"},
		{1, "TRACE"},
		{4, "TRACE"},
		{observability.LevelVerbose, "DEBUG"},
		{8, "DEBUG"},
		{observability.LevelInfo, "INFO"},
		{12, "INFO"},
		{observability.LevelWarning, "WARN"},
		{observability.LevelError, "ERROR"},
		{21, "FATAL"},
		{24, "FATAL"},
		{99, "FATAL"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level observability.Level
		want  slog.Level
	}{
		{observability.LevelVerbose, slog.LevelDebug},
		{observability.LevelInfo, slog.LevelInfo},
		{observability.LevelWarning, slog.LevelWarn},
		{observability.LevelError, slog.LevelError},
	}

	for _, tt := range tests {
		if got := tt.level.SlogLevel(); got != tt.want {
			t.Errorf("Level(%d).SlogLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLevel_OTelAlignment(t *testing.T) {
	pins := []struct {
		name  string
		level observability.Level
		want  observability.Level
	}{
		{"LevelVerbose", observability.LevelVerbose, 5},
		{"LevelInfo", observability.LevelInfo, 9},
		{"LevelWarning", observability.LevelWarning, 13},
		{"LevelError", observability.LevelError, 17},
	}

	for _, pin := range pins {
		if pin.level != pin.want {
			t.Errorf("%s = %d, want %d (OpenTelemetry SeverityNumber)", pin.name, pin.level, pin.want)
		}
	}
}

func TestNoOpObserver_DiscardsEvents(t *testing.T) {
	observability.NoOpObserver{}.OnEvent(context.Background(), observability.Event{
		Type:      "run.done",
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "engine",
		Data:      map[string]any{"chat": "c1"},
	})
}

func TestMultiObserver_FanOutInOrder(t *testing.T) {
	var order []string
	multi := observability.NewMultiObserver(
		observerFunc(func(observability.Event) { order = append(order, "first") }),
		observerFunc(func(observability.Event) { order = append(order, "second") }),
	)

	multi.OnEvent(context.Background(), observability.Event{Type: "loop.step.start"})
	multi.OnEvent(context.Background(), observability.Event{Type: "loop.step.done"})

	want := []string{"first", "second", "first", "second"}
	if len(order) != len(want) {
		t.Fatalf("deliveries = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", order, want)
		}
	}
}

func TestMultiObserver_FiltersNilTargets(t *testing.T) {
	var got int
	multi := observability.NewMultiObserver(
		nil,
		observerFunc(func(observability.Event) { got++ }),
		nil,
	)

	if len(multi) != 1 {
		t.Fatalf("len(multi) = %d, want 1 after nil filtering", len(multi))
	}

	multi.OnEvent(context.Background(), observability.Event{Type: "agent.run.start"})
	if got != 1 {
		t.Errorf("received %d events, want 1", got)
	}
}

func TestSlogObserver_HandlerGating(t *testing.T) {
	tests := []struct {
		name    string
		level   observability.Level
		handler slog.Level
		logged  bool
	}{
		{"verbose passes debug handler", observability.LevelVerbose, slog.LevelDebug, true},
		{"verbose blocked by info handler", observability.LevelVerbose, slog.LevelInfo, false},
		{"info passes info handler", observability.LevelInfo, slog.LevelInfo, true},
		{"info blocked by warn handler", observability.LevelInfo, slog.LevelWarn, false},
		{"warning passes warn handler", observability.LevelWarning, slog.LevelWarn, true},
		{"error passes error handler", observability.LevelError, slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.handler}))

			observability.NewSlogObserver(logger).OnEvent(context.Background(), observability.Event{
				Type:   "dispatch.queued",
				Level:  tt.level,
				Source: "dispatch",
			})

			if logged := buf.Len() > 0; logged != tt.logged {
				t.Errorf("logged = %v, want %v (output: %q)", logged, tt.logged, buf.String())
			}
		})
	}
}

func TestSlogObserver_RendersTypeSourceAndData(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	observability.NewSlogObserver(logger).OnEvent(context.Background(), observability.Event{
		Type:      "loop.step.start",
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "loop.solo",
		Data: map[string]any{
			"step": 3,
			"chat": "c42",
			"mode": "solo",
		},
	})

	output := buf.String()
	if !strings.Contains(output, "loop.step.start") {
		t.Errorf("expected event type as message, got: %s", output)
	}
	if !strings.Contains(output, "source=loop.solo") {
		t.Errorf("expected source attribute, got: %s", output)
	}

	chat := strings.Index(output, "chat=c42")
	mode := strings.Index(output, "mode=solo")
	step := strings.Index(output, "step=3")
	if chat < 0 || mode < 0 || step < 0 {
		t.Fatalf("expected all data attributes, got: %s", output)
	}
	if !(chat < mode && mode < step) {
		t.Errorf("expected data attributes in key order, got: %s", output)
	}
}

func TestSlogObserver_OmitsEmptySource(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	observability.NewSlogObserver(logger).OnEvent(context.Background(), observability.Event{
		Type:  "engine.start",
		Level: observability.LevelInfo,
	})

	if strings.Contains(buf.String(), "source=") {
		t.Errorf("expected no source attribute for empty source, got: %s", buf.String())
	}
}

func TestRegistry_GetObserver(t *testing.T) {
	for _, name := range []string{"noop", "slog"} {
		obs, err := observability.GetObserver(name)
		if err != nil {
			t.Errorf("GetObserver(%q) error: %v", name, err)
		}
		if obs == nil {
			t.Errorf("GetObserver(%q) returned nil observer", name)
		}
	}

	if _, err := observability.GetObserver("nonexistent"); err == nil {
		t.Error("GetObserver(\"nonexistent\") succeeded, want error")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	var got []observability.EventType
	observability.RegisterObserver("capture-test", observerFunc(func(event observability.Event) {
		got = append(got, event.Type)
	}))

	obs, err := observability.GetObserver("capture-test")
	if err != nil {
		t.Fatalf("GetObserver failed: %v", err)
	}

	obs.OnEvent(context.Background(), observability.Event{
		Type:  "queue.drain",
		Level: observability.LevelInfo,
	})

	if len(got) != 1 || got[0] != "queue.drain" {
		t.Errorf("captured events = %v, want [queue.drain]", got)
	}
}
