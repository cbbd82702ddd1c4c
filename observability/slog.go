package observability

import (
	"context"
	"log/slog"
	"sort"
)

// SlogObserver renders events through a slog.Logger: the event type is
// the message, the level maps through SlogLevel, and payload keys
// become attributes in stable order.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates a SlogObserver that emits to the given logger.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{logger: logger}
}

func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	attrs := make([]slog.Attr, 0, len(event.Data)+1)
	if event.Source != "" {
		attrs = append(attrs, slog.String("source", event.Source))
	}
	for _, key := range sortedKeys(event.Data) {
		attrs = append(attrs, slog.Any(key, event.Data[key]))
	}

	o.logger.LogAttrs(ctx, event.Level.SlogLevel(), string(event.Type), attrs...)
}

func sortedKeys(data map[string]any) []string {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
