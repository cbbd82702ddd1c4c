package loop

import "github.com/agentloop/engine/observability"

// Loop event types. Phase-level events come from the graph engine;
// step, decision, and session-care events come from the loop bodies
// and the shared invocation path.
const (
	// EventStart fires when a loop begins executing its phase graph.
	EventStart observability.EventType = "loop.start"

	// EventComplete fires when the graph reaches an exit point.
	EventComplete observability.EventType = "loop.complete"

	// EventPhaseStart fires before each phase node executes.
	EventPhaseStart observability.EventType = "loop.phase.start"

	// EventPhaseComplete fires after each phase node returns.
	EventPhaseComplete observability.EventType = "loop.phase.complete"

	// EventPhaseRevisit fires when a phase is entered again. Loop
	// graphs are cyclic, so revisits are informational.
	EventPhaseRevisit observability.EventType = "loop.phase.revisit"

	// EventStepStart fires at the top of each work step.
	EventStepStart observability.EventType = "loop.step.start"

	// EventDecision fires after each reviewer reply is parsed.
	EventDecision observability.EventType = "loop.decision"

	// EventStale fires when the stale-progress detector trips.
	EventStale observability.EventType = "loop.stale"

	// EventQuotaWait fires when a loop pauses for a rate-limit reset.
	EventQuotaWait observability.EventType = "loop.quota.wait"

	// EventCompaction fires when a session is proactively compacted.
	EventCompaction observability.EventType = "loop.compaction"

	// EventAnswer fires when mid-loop questions are answered without
	// a human.
	EventAnswer observability.EventType = "loop.answer"
)
