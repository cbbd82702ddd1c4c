package observability

import "context"

// NoOpObserver ignores every event. It backs the "noop" registry
// entry for deployments that want no telemetry at all.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(context.Context, Event) {}
