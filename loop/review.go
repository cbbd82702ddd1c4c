package loop

import (
	"strings"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/quota"
)

// reviewerDecision turns a reviewer consultation outcome into a
// Decision. Reviewer trouble maps to decisions too: fatal CLI errors
// become a timed wait, a timeout becomes a phase-appropriate fallback
// prompt so the loop keeps moving, and hard failures surface as
// DecisionFailed so the caller can track a failure streak.
func reviewerDecision(name string, res *agent.Result, err error, phase Phase) Decision {
	if err != nil {
		detail := clip(name+" error: "+err.Error(), quotaDetailLimit)
		if quota.Detect(err.Error()) {
			return Decision{Kind: DecisionQuota, Wait: defaultQuotaMinutes * time.Minute, Detail: detail}
		}
		return Decision{Kind: DecisionFailed, Detail: detail}
	}

	if res.TimedOut {
		fallback := reviewFallbacks[phase]
		if fallback == "" {
			fallback = reviewFallbacks[PhaseImplementing]
		}
		return Decision{Kind: DecisionContinue, Prompt: fallback, Detail: name + " timed out"}
	}

	// Fatal CLI errors land on stderr with an ERROR: prefix. Treat
	// them as a timed wait: quota resets are the common cause, and
	// the parsed reset time is the earliest a retry can succeed.
	if line := lastErrorLine(res.Stderr); line != "" {
		wait, _ := quota.ParseResetWait(line, time.Now())
		if wait < time.Minute {
			wait = time.Minute
		}
		return Decision{Kind: DecisionQuota, Wait: wait, Detail: clip(name+" error: "+line, quotaDetailLimit)}
	}

	if res.Failed() {
		return Decision{Kind: DecisionFailed, Detail: name + ": " + res.Failure}
	}
	if strings.TrimSpace(res.Text) == "" {
		return Decision{Kind: DecisionFailed, Detail: name + " produced no output"}
	}
	return ParseDecision(res.Text)
}

func lastErrorLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); strings.HasPrefix(line, "ERROR:") {
			return line
		}
	}
	return ""
}

// crossVerdict is one secondary reply in the cross-review loop, in
// structured form. Exactly one of clean, wait, or feedback is the
// operative field; detail carries the failure or quota explanation.
type crossVerdict struct {
	feedback string        // findings for the other agent, or a fix report
	clean    bool          // the reply is a sign-off
	wait     time.Duration // rate-limit backoff, zero when none
	detail   string
}

// failed reports an unusable reply: no sign-off, no wait, no feedback.
func (v crossVerdict) failed() bool {
	return !v.clean && v.wait == 0 && v.feedback == ""
}

// checkVerdict interprets the secondary's verdict on the primary's
// review round. CLEAN at the start of the reply is a sign-off; any
// other reply is a fix prompt to send back to the primary.
func checkVerdict(name string, res *agent.Result, err error) crossVerdict {
	if v, bad := crossTrouble(name, res, err); bad {
		return v
	}
	text := strings.TrimSpace(res.Text)
	if strings.HasPrefix(text, "CLEAN") {
		return crossVerdict{clean: true}
	}
	if wait, detail, ok := quotaReply(text); ok {
		return crossVerdict{wait: wait, detail: detail}
	}
	return crossVerdict{feedback: text}
}

// fixVerdict interprets the secondary's own review-and-fix round.
// ALL_CLEAN anywhere in the reply is a sign-off; any other reply is
// its report of what it found and changed.
func fixVerdict(name string, res *agent.Result, err error) crossVerdict {
	if v, bad := crossTrouble(name, res, err); bad {
		return v
	}
	text := strings.TrimSpace(res.Text)
	if strings.Contains(strings.ToUpper(text), "ALL_CLEAN") {
		return crossVerdict{feedback: text, clean: true}
	}
	if wait, detail, ok := quotaReply(text); ok {
		return crossVerdict{wait: wait, detail: detail}
	}
	return crossVerdict{feedback: text}
}

// crossTrouble maps transport-level failures shared by both verdict
// ladders; the second return is true when the reply never carried
// usable text. Same shape as reviewerDecision, except a timeout is a
// plain failure here: the cross-review loop retries in place instead
// of substituting a fallback prompt.
func crossTrouble(name string, res *agent.Result, err error) (crossVerdict, bool) {
	if err != nil {
		detail := clip(name+" error: "+err.Error(), quotaDetailLimit)
		if quota.Detect(err.Error()) {
			return crossVerdict{wait: defaultQuotaMinutes * time.Minute, detail: detail}, true
		}
		return crossVerdict{detail: detail}, true
	}
	if res.TimedOut {
		return crossVerdict{detail: name + " timed out"}, true
	}
	if line := lastErrorLine(res.Stderr); line != "" {
		wait, _ := quota.ParseResetWait(line, time.Now())
		if wait < time.Minute {
			wait = time.Minute
		}
		return crossVerdict{wait: wait, detail: clip(name+" error: "+line, quotaDetailLimit)}, true
	}
	if res.Failed() {
		return crossVerdict{detail: name + ": " + res.Failure}, true
	}
	if strings.TrimSpace(res.Text) == "" {
		return crossVerdict{detail: name + " produced no output"}, true
	}
	return crossVerdict{}, false
}
