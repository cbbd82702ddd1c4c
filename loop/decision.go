package loop

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DecisionKind tags one parsed reviewer reply.
type DecisionKind int

const (
	// DecisionContinue carries the next instruction for the primary.
	DecisionContinue DecisionKind = iota

	// DecisionVerify asks the primary to verify before a transition.
	DecisionVerify

	// DecisionPhase requests a phase transition.
	DecisionPhase

	// DecisionDone ends the loop with a completion summary.
	DecisionDone

	// DecisionQuota pauses the loop for a rate-limit reset.
	DecisionQuota

	// DecisionFailed marks an unusable reviewer reply.
	DecisionFailed
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionContinue:
		return "continue"
	case DecisionVerify:
		return "verify"
	case DecisionPhase:
		return "phase"
	case DecisionDone:
		return "done"
	case DecisionQuota:
		return "quota"
	case DecisionFailed:
		return "failed"
	}
	return "unknown"
}

// Decision is one reviewer reply in structured form.
type Decision struct {
	Kind    DecisionKind
	Prompt  string        // next instruction for the primary
	Target  Phase         // verify or transition target
	Summary string        // completion summary for DecisionDone
	Wait    time.Duration // quota backoff
	Detail  string        // quota detail or failure reason
}

// Key returns the short identity used by the stale-progress detector:
// directive plus target for structured decisions, a fixed tag for bare
// instructions.
func (d Decision) Key() string {
	switch d.Kind {
	case DecisionVerify:
		return "VERIFY:" + string(d.Target)
	case DecisionPhase:
		return "PHASE:" + string(d.Target)
	case DecisionQuota:
		return clip("QUOTA "+d.Detail, 30)
	case DecisionFailed:
		return clip("FAILED "+d.Detail, 30)
	default:
		return "continue"
	}
}

// Default prompts for directives that arrive without a body.
const (
	defaultVerifyPrompt = "Please verify that all work is complete and report any issues."

	// defaultQuotaMinutes is used when a QUOTA directive carries no
	// parseable wait.
	defaultQuotaMinutes = 60

	quotaDetailLimit = 200
)

// ParseDecision converts a raw reviewer reply into a Decision. This is
// the only place reviewer text is interpreted.
//
// Directive prefixes are checked in order: DONE, QUOTA:, PHASE:,
// VERIFY:. A directive body follows on the next line; directives
// without a body get a sensible default prompt, and a PHASE:/VERIFY:
// with an empty target falls through to a bare instruction. Any other
// reply is the literal next instruction for the primary.
func ParseDecision(text string) Decision {
	text = strings.TrimSpace(text)
	if text == "" {
		return Decision{Kind: DecisionFailed, Detail: "empty reply"}
	}

	if strings.HasPrefix(text, "DONE") {
		return Decision{
			Kind:    DecisionDone,
			Summary: strings.TrimSpace(text[len("DONE"):]),
		}
	}

	if wait, detail, ok := quotaReply(text); ok {
		return Decision{Kind: DecisionQuota, Wait: wait, Detail: detail}
	}

	if rest, ok := strings.CutPrefix(text, "PHASE:"); ok {
		first, prompt, _ := strings.Cut(rest, "\n")
		target := Phase(strings.TrimSpace(first))
		if target != "" {
			prompt = strings.TrimSpace(prompt)
			if prompt == "" {
				prompt = fmt.Sprintf("Continue with the %s phase.", target)
			}
			return Decision{Kind: DecisionPhase, Target: target, Prompt: prompt}
		}
	}

	if rest, ok := strings.CutPrefix(text, "VERIFY:"); ok {
		first, prompt, _ := strings.Cut(rest, "\n")
		target := Phase(strings.TrimSpace(first))
		if target != "" {
			prompt = strings.TrimSpace(prompt)
			if prompt == "" {
				prompt = defaultVerifyPrompt
			}
			return Decision{Kind: DecisionVerify, Target: target, Prompt: prompt}
		}
	}

	return Decision{Kind: DecisionContinue, Prompt: text}
}

// quotaReply parses a QUOTA:<minutes> directive off the front of a raw
// reply. The wait floors at one minute and defaults to an hour when
// the minutes do not parse.
func quotaReply(text string) (time.Duration, string, bool) {
	rest, ok := strings.CutPrefix(text, "QUOTA:")
	if !ok {
		return 0, "", false
	}
	first, detail, _ := strings.Cut(rest, "\n")
	minutes, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		minutes = defaultQuotaMinutes
	} else if minutes < 1 {
		minutes = 1
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = "no details"
	}
	return time.Duration(minutes) * time.Minute, clip(detail, quotaDetailLimit), true
}
