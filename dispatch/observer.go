package dispatch

import "github.com/agentloop/engine/observability"

// Event types emitted by the coordinator.
const (
	// EventSlotOccupied fires when a trigger takes a session's slot.
	EventSlotOccupied observability.EventType = "dispatch.slot.occupied"

	// EventSlotFreed fires when a slot goes idle with an empty queue.
	EventSlotFreed observability.EventType = "dispatch.slot.freed"

	// EventQueued fires when a trigger parks behind a running one.
	EventQueued observability.EventType = "dispatch.queued"

	// EventDrained fires when a queued trigger re-occupies the slot.
	EventDrained observability.EventType = "dispatch.drained"

	// EventRejected fires when the memory gate refuses a start.
	EventRejected observability.EventType = "dispatch.rejected"

	// EventCancelled fires when a running invocation is cancelled.
	EventCancelled observability.EventType = "dispatch.cancelled"
)
