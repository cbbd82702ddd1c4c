package agent

import "github.com/agentloop/engine/observability"

// Agent event types emitted around subprocess invocations.
const (
	EventRunStart    observability.EventType = "agent.run.start"
	EventRunComplete observability.EventType = "agent.run.complete"
	EventRunKilled   observability.EventType = "agent.run.killed"
	EventQuotaHit    observability.EventType = "agent.quota.hit"
)
