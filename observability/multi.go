package observability

import "context"

// MultiObserver forwards each event to every member in order. The
// engine uses one emission point to feed its configured observer, the
// broadcast ring, and internal trackers.
type MultiObserver []Observer

// NewMultiObserver builds a MultiObserver from the non-nil targets.
func NewMultiObserver(targets ...Observer) MultiObserver {
	m := make(MultiObserver, 0, len(targets))
	for _, target := range targets {
		if target != nil {
			m = append(m, target)
		}
	}
	return m
}

func (m MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, target := range m {
		target.OnEvent(ctx, event)
	}
}
