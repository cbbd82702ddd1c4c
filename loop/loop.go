// Package loop implements the autonomous phase machines that drive
// coding-agent sessions to completion without a human in the loop: a
// single-reviewer loop (one primary agent steered by a reviewing
// agent), a three-role plan/execute/audit loop, and a two-stage
// cross-review loop where two agents alternately fix and check each
// other's work.
//
// All three machines run on the same typed graph engine (Graph) and
// share one session-aware invocation path (Caller) that handles
// proactive compaction, context bridging, activity recording, and
// resumption handles. Reviewer replies are parsed at exactly one
// boundary (ParseDecision); the loops switch on the structured
// Decision instead of re-testing string prefixes.
//
// Example:
//
//	caller := loop.NewCaller(runners, store)
//	solo := loop.NewSolo(caller, loop.DefaultConfig(), agent.KindClaude, agent.KindCodex)
//	outcome, err := solo.Run(ctx, target, "add rate limiting to the API", nil)
package loop

import (
	"context"
	"time"
)

// Phase names one stage of a running loop.
type Phase string

// Single-reviewer loop phases. PhaseDone is a verification target
// only, never an occupied phase.
const (
	PhaseImplementing Phase = "implementing"
	PhaseReviewing    Phase = "reviewing"
	PhaseTesting      Phase = "testing"
	PhaseDone         Phase = "done"
)

// Three-role loop phases.
const (
	PhaseArchitecting Phase = "architecting"
	PhaseExecuting    Phase = "executing"
	PhaseAuditing     Phase = "auditing"
)

// Cross-review loop phases. The primary fixes while the secondary
// checks, then the roles swap.
const (
	PhasePrimaryReview   Phase = "primary_review"
	PhaseCrossCheck      Phase = "cross_check"
	PhaseSecondaryReview Phase = "secondary_review"
	PhaseFinalCheck      Phase = "final_check"
)

// workPhase reports whether p is a phase the single-reviewer loop can
// occupy. Transition directives naming anything else are ignored.
func workPhase(p Phase) bool {
	switch p {
	case PhaseImplementing, PhaseReviewing, PhaseTesting:
		return true
	}
	return false
}

// Mode identifies a loop flavor in status output and snapshots.
type Mode string

const (
	// ModeSolo is the single-reviewer loop.
	ModeSolo Mode = "solo"

	// ModeTrio is the three-role plan/execute/audit loop.
	ModeTrio Mode = "trio"

	// ModeCross is the two-stage cross-review loop.
	ModeCross Mode = "crossreview"
)

// Target identifies the chat session a loop drives and the directory
// it works in.
type Target struct {
	Chat    string
	Session string
	Dir     string
}

// Outcome summarizes a finished loop run.
type Outcome struct {
	// Completed is set when the loop ended with reviewer sign-off
	// rather than a bound, cancellation, or failure.
	Completed bool

	// Steps counts work steps actually executed.
	Steps int

	// Phase is the phase the loop was in when it stopped.
	Phase Phase

	// Summary is the reviewer's completion summary, when one was
	// given.
	Summary string

	// Reason explains a non-completed stop in operator terms.
	Reason string
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// stopRequested is a nil-tolerant cancellation poll.
func stopRequested(cancelled func() bool) bool {
	return cancelled != nil && cancelled()
}

// pause sleeps for the human-pacing interval unless the context ends
// first.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
