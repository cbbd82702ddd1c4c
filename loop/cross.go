package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/quota"
	"github.com/agentloop/engine/session"
)

// Node names of the cross-review graph. They double as routing
// targets in crossState.next.
const (
	nodeReview   = "review"   // stage one: primary reviews and fixes
	nodeCheck    = "check"    // stage one: secondary cross-checks
	nodeFix      = "fix"      // stage two: secondary reviews and fixes
	nodeCritique = "critique" // stage two: primary cross-checks
	nodeFinish   = "finish"
	nodeHalt     = "halt"
)

// History caps for cross-review transcript entries and notices.
const (
	crossEntryLimit    = 2000
	crossFeedbackLimit = 3000
	crossNoticeLimit   = 3500
)

// crossState is the graph state of the cross-review loop.
type crossState struct {
	iter1 int // stage-one bounces (primary fixes, secondary checks)
	iter2 int // stage-two bounces (secondary fixes, primary checks)
	step  int // phase visits across both stages

	output     string // primary's latest reply, quoted to the secondary
	history    string // stage-one transcript window
	allHistory string // full transcript digest across both stages

	secondaryOK bool // secondary signed off on the primary's fixes
	primaryOK   bool // primary signed off on the secondary's fixes
	fixFails    int  // consecutive secondary failures in stage two

	phase   Phase
	started time.Time
	next    string // node to visit after the current one

	stop     string
	notified bool
	outcome  Outcome
}

// Cross is the two-stage cross-review loop. Stage one: the primary
// reviews and fixes its own session's work while the secondary checks
// each round, bouncing findings back until the secondary signs off.
// Stage two swaps the roles: the secondary reviews and fixes directly
// while the primary critiques each round. There is no task input; the
// session's own history is the subject.
type Cross struct {
	caller    *Caller
	cfg       Config
	primary   agent.Kind
	secondary agent.Kind
	names     names
}

// NewCross creates the cross-review loop over a session the primary
// has been working in. A nil cfg uses the defaults.
func NewCross(caller *Caller, cfg *Config, primary, secondary agent.Kind) *Cross {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Cross{
		caller:    caller,
		cfg:       *cfg,
		primary:   primary,
		secondary: secondary,
		names:     newNames(primary, secondary),
	}
}

// Run drives both stages until each side signs off on the other's
// work, a bound trips, or cancellation lands. The session survives in
// every case.
func (c *Cross) Run(ctx context.Context, t Target, cancelled func() bool) (out *Outcome, err error) {
	st := crossState{phase: PhasePrimaryReview, started: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cross-review loop panic: %v", r)
		}
		c.caller.clearLoop(t)
		if err != nil && !st.notified {
			c.caller.say(t.Chat, fmt.Sprintf("Deep review error at step %d: %s. Session preserved.", st.step, clip(err.Error(), 300)))
		}
	}()

	g, err := c.build(t, cancelled)
	if err != nil {
		return nil, err
	}

	pn, sn := displayName(c.primary), displayName(c.secondary)
	c.caller.say(t.Chat, fmt.Sprintf(
		"Deep review started.\nPhases 1+2: %s fixes while %s reviews, until %s signs off.\nPhases 3+4: %s fixes while %s reviews, until %s signs off.\nCancel at any time to stop.",
		pn, sn, sn, sn, pn, pn))

	st, err = g.Run(ctx, st)
	if err != nil {
		return nil, err
	}
	if !st.notified {
		c.caller.say(t.Chat, fmt.Sprintf("Deep review stopped at step %d. Session preserved.", st.step))
	}
	st.outcome.Phase = st.phase
	return &st.outcome, nil
}

func (c *Cross) build(t Target, cancelled func() bool) (*Graph[crossState], error) {
	g := NewGraph[crossState]("crossreview", c.cfg.StepLimit*8+16, c.caller.observer)

	var err error
	add := func(name string, node Node[crossState]) {
		if err == nil {
			err = g.AddNode(name, node)
		}
	}
	edge := func(from, to string, p Predicate[crossState]) {
		if err == nil {
			err = g.AddEdge(from, to, p)
		}
	}
	halted := func(st crossState) bool { return st.stop == stopHalt }
	goTo := func(name string) Predicate[crossState] {
		return func(st crossState) bool { return st.next == name }
	}
	terminal := func(ctx context.Context, st crossState) (crossState, error) { return st, nil }

	add(nodeReview, c.reviewNode(t, cancelled))
	add(nodeCheck, c.checkNode(t, cancelled))
	add(nodeFix, c.fixNode(t, cancelled))
	add(nodeCritique, c.critiqueNode(t, cancelled))
	add(nodeFinish, c.finishNode(t))
	add(nodeHalt, terminal)

	edge(nodeReview, nodeHalt, halted)
	edge(nodeReview, nodeCheck, nil)
	edge(nodeCheck, nodeHalt, halted)
	edge(nodeCheck, nodeFix, goTo(nodeFix))
	edge(nodeCheck, nodeReview, nil)
	edge(nodeFix, nodeHalt, halted)
	edge(nodeFix, nodeFix, goTo(nodeFix))
	edge(nodeFix, nodeCritique, nil)
	edge(nodeCritique, nodeHalt, halted)
	edge(nodeCritique, nodeFinish, goTo(nodeFinish))
	edge(nodeCritique, nodeFix, nil)

	if err == nil {
		err = g.SetEntry(nodeReview)
	}
	if err == nil {
		err = g.SetExit(nodeFinish)
	}
	if err == nil {
		err = g.SetExit(nodeHalt)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// tick advances the global step counter and records the phase visit.
func (c *Cross) tick(ctx context.Context, t Target, st crossState, phase Phase) crossState {
	st.phase = phase
	st.step++
	c.caller.markLoop(t, session.LoopInfo{
		Chat:    t.Chat,
		Session: t.Session,
		Task:    "deep review",
		Step:    st.step,
		Phase:   string(phase),
		Mode:    string(ModeCross),
		Started: st.started,
	})
	c.caller.observer.OnEvent(ctx, observability.Event{
		Type:      EventStepStart,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "loop.cross",
		Data: map[string]any{
			"chat":    t.Chat,
			"session": t.Session,
			"step":    st.step,
			"phase":   string(phase),
		},
	})
	return st
}

// reviewNode is phase 1: the primary reviews its own session's work,
// or fixes the secondary's latest findings on later iterations.
func (c *Cross) reviewNode(t Target, cancelled func() bool) Node[crossState] {
	return func(ctx context.Context, st crossState) (crossState, error) {
		if stopRequested(cancelled) {
			return c.halt(t, st, fmt.Sprintf("Deep review cancelled at step %d.", st.step)), nil
		}
		st.iter1++
		st = c.tick(ctx, t, st, PhasePrimaryReview)
		pn, sn := displayName(c.primary), displayName(c.secondary)

		var prompt string
		if st.iter1 == 1 {
			c.caller.say(t.Chat, fmt.Sprintf("Step %d (phase 1): %s reviewing and fixing.", st.step, pn))
			sess, _ := c.caller.store.Get(t.Chat, t.Session)
			prompt = deepReviewPrompt(sess.Summary, sess.LastPrompt)
		} else {
			c.caller.say(t.Chat, fmt.Sprintf("Step %d (phase 1, iteration %d): %s fixing %s's findings.", st.step, st.iter1, pn, sn))
			prompt = fixFindingsPrompt(c.names, c.checkFeedback(st.history))
		}

		recordAs := fmt.Sprintf("[%s step %d] %s", ModeCross, st.step, clip(prompt, 80))
		res, err := c.caller.Invoke(ctx, t, c.primary, prompt, recordAs, cancelled)
		if err != nil {
			return st, err
		}
		text := c.caller.ResolveQuestions(ctx, t, c.primary, res, cancelled)
		if strings.TrimSpace(text) == "" {
			text = "No output"
		}
		st.output = text
		st.history += fmt.Sprintf("\n\n%s review+fix (iteration %d):\n%s", pn, st.iter1, clip(text, crossEntryLimit))
		st.allHistory += fmt.Sprintf("\n\n=== %s review+fix (iteration %d) ===\n%s", pn, st.iter1, clip(text, crossEntryLimit))

		pause(ctx, c.cfg.StepPause)
		st.next = nodeCheck
		return st, nil
	}
}

// checkNode is phase 2: the secondary judges the primary's latest
// round. Findings bounce back to phase 1; CLEAN or repeated failure
// moves the loop to stage two.
func (c *Cross) checkNode(t Target, cancelled func() bool) Node[crossState] {
	return func(ctx context.Context, st crossState) (crossState, error) {
		if stopRequested(cancelled) {
			return c.halt(t, st, fmt.Sprintf("Deep review cancelled at step %d.", st.step)), nil
		}
		st = c.tick(ctx, t, st, PhaseCrossCheck)
		pn, sn := displayName(c.primary), displayName(c.secondary)
		c.caller.say(t.Chat, fmt.Sprintf("Step %d (phase 2, iteration %d): %s cross-reviewing.", st.step, st.iter1, sn))

		// Retries stay inside this phase so a flaky secondary does not
		// re-run the primary. Quota waits do not count as retries.
		var v crossVerdict
		for retry := 0; retry < failStreakLimit; {
			res, err := c.caller.Consult(ctx, t, c.secondary, crossCheckPrompt(c.names, st.output, st.history), ConsultOptions{Timeout: c.cfg.CrossTimeout})
			v = checkVerdict(sn, res, err)
			if v.wait > 0 {
				if !c.quotaPause(ctx, t, st.step, v, cancelled) {
					return c.halt(t, st, "Deep review cancelled during rate-limit wait."), nil
				}
				continue
			}
			if !v.failed() {
				break
			}
			retry++
			c.caller.say(t.Chat, fmt.Sprintf("%s failed (%s). Retry %d/%d.", sn, clip(v.detail, 100), retry, failStreakLimit))
			pause(ctx, c.cfg.RetryPause)
		}

		switch {
		case v.clean:
			c.caller.say(t.Chat, fmt.Sprintf("%s is satisfied with %s's work after %d iterations.", sn, pn, st.iter1))
			st.secondaryOK = true
			st.next = nodeFix

		case v.failed():
			c.caller.say(t.Chat, fmt.Sprintf("%s failed %d times. Moving to %s's turn.", sn, failStreakLimit, sn))
			st.next = nodeFix

		default:
			entry := fmt.Sprintf("\n\n=== %s cross-review (iteration %d) ===\n%s", sn, st.iter1, clip(v.feedback, crossFeedbackLimit))
			st.history += entry
			st.allHistory += entry
			c.caller.say(t.Chat, fmt.Sprintf("%s feedback for %s:\n\n%s", sn, pn, clip(v.feedback, crossNoticeLimit)))
			c.caller.say(t.Chat, fmt.Sprintf("Sending %s back to fix.", pn))
			pause(ctx, c.cfg.StepPause)
			if st.iter1 >= c.cfg.StepLimit {
				c.caller.say(t.Chat, fmt.Sprintf("Hit the phase 1+2 iteration limit (%d). Moving to %s's turn.", c.cfg.StepLimit, sn))
				st.next = nodeFix
			} else {
				st.next = nodeReview
			}
		}
		return st, nil
	}
}

// fixNode is phase 3: the secondary reviews the session's work and
// fixes what it finds directly, guided by the primary's critique on
// later iterations.
func (c *Cross) fixNode(t Target, cancelled func() bool) Node[crossState] {
	return func(ctx context.Context, st crossState) (crossState, error) {
		if stopRequested(cancelled) {
			return c.halt(t, st, fmt.Sprintf("Deep review cancelled at step %d.", st.step)), nil
		}
		st.iter2++
		st = c.tick(ctx, t, st, PhaseSecondaryReview)
		pn, sn := displayName(c.primary), displayName(c.secondary)

		critique := ""
		if st.iter2 > 1 {
			critique = c.critiqueFeedback(st.allHistory)
		}
		if st.iter2 == 1 {
			c.caller.say(t.Chat, fmt.Sprintf("Step %d (phase 3): %s reviewing and fixing.", st.step, sn))
		} else {
			c.caller.say(t.Chat, fmt.Sprintf("Step %d (phase 3, iteration %d): %s fixing %s's findings.", st.step, st.iter2, sn, pn))
		}

		res, err := c.caller.Consult(ctx, t, c.secondary, secondaryFixPrompt(c.names, st.step, st.allHistory, critique), ConsultOptions{Timeout: c.cfg.CrossTimeout})
		v := fixVerdict(sn, res, err)

		if v.wait > 0 {
			if !c.quotaPause(ctx, t, st.step, v, cancelled) {
				return c.halt(t, st, "Deep review cancelled during rate-limit wait."), nil
			}
			// The iteration did not happen; revisit under the same
			// iteration number.
			st.iter2--
			st.next = nodeFix
			return st, nil
		}

		if v.failed() {
			st.fixFails++
			c.caller.say(t.Chat, fmt.Sprintf("%s failed (%s). Retry %d/%d.", sn, clip(v.detail, 100), st.fixFails, failStreakLimit))
			if st.fixFails < failStreakLimit {
				pause(ctx, c.cfg.RetryPause)
				st.iter2--
				st.next = nodeFix
				return st, nil
			}
			// Let the primary critique what exists rather than stall.
			c.caller.say(t.Chat, fmt.Sprintf("%s failed %d times. Moving to %s cross-review.", sn, failStreakLimit, pn))
		} else {
			st.fixFails = 0
			if v.clean {
				c.caller.say(t.Chat, fmt.Sprintf("%s found no issues (iteration %d).", sn, st.iter2))
			} else {
				st.allHistory += fmt.Sprintf("\n\n=== %s review+fix (iteration %d) ===\n%s", sn, st.iter2, clip(v.feedback, crossEntryLimit))
				c.caller.say(t.Chat, fmt.Sprintf("%s review and fixes:\n\n%s", sn, clip(v.feedback, crossNoticeLimit)))
			}
		}

		pause(ctx, c.cfg.StepPause)
		st.next = nodeCritique
		return st, nil
	}
}

// critiqueNode is phase 4: the primary cross-reviews the secondary's
// fixes. ALL_CLEAN ends the loop; anything else bounces back to
// phase 3.
func (c *Cross) critiqueNode(t Target, cancelled func() bool) Node[crossState] {
	return func(ctx context.Context, st crossState) (crossState, error) {
		if stopRequested(cancelled) {
			return c.halt(t, st, fmt.Sprintf("Deep review cancelled at step %d.", st.step)), nil
		}
		st = c.tick(ctx, t, st, PhaseFinalCheck)
		pn, sn := displayName(c.primary), displayName(c.secondary)
		c.caller.say(t.Chat, fmt.Sprintf("Step %d (phase 4, iteration %d): %s cross-reviewing %s's work.", st.step, st.iter2, pn, sn))

		prompt := finalCritiquePrompt(c.names, st.allHistory)
		recordAs := fmt.Sprintf("[%s step %d] %s", ModeCross, st.step, clip(prompt, 80))
		res, err := c.caller.Invoke(ctx, t, c.primary, prompt, recordAs, cancelled)
		if err != nil {
			return st, err
		}
		text := c.caller.ResolveQuestions(ctx, t, c.primary, res, cancelled)
		if strings.TrimSpace(text) == "" {
			text = "No output"
		}
		st.allHistory += fmt.Sprintf("\n\n=== %s cross-review of %s (iteration %d) ===\n%s", pn, sn, st.iter2, clip(text, crossEntryLimit))

		if strings.Contains(strings.ToUpper(text), "ALL_CLEAN") {
			c.caller.say(t.Chat, fmt.Sprintf("%s is satisfied with %s's work after %d iterations.", pn, sn, st.iter2))
			st.primaryOK = true
			st.next = nodeFinish
			return st, nil
		}

		c.caller.say(t.Chat, fmt.Sprintf("%s feedback for %s:\n\n%s", pn, sn, clip(text, crossNoticeLimit)))
		c.caller.say(t.Chat, fmt.Sprintf("Sending %s back to fix.", sn))
		pause(ctx, c.cfg.StepPause)
		if st.iter2 >= c.cfg.StepLimit {
			c.caller.say(t.Chat, fmt.Sprintf("Hit the phase 3+4 iteration limit (%d). Ending review.", c.cfg.StepLimit))
			st.next = nodeFinish
			return st, nil
		}
		st.next = nodeFix
		return st, nil
	}
}

// finishNode closes the loop with a completion notice. Dual sign-off
// is the only fully completed outcome; exhausted bounces still end
// here, just without the agreement line.
func (c *Cross) finishNode(t Target) Node[crossState] {
	return func(ctx context.Context, st crossState) (crossState, error) {
		pn, sn := displayName(c.primary), displayName(c.secondary)
		if st.secondaryOK && st.primaryOK {
			c.caller.say(t.Chat, fmt.Sprintf("Deep review complete in %d steps. %s and %s both agree the code is clean.\nSession preserved; you can keep chatting in it.", st.step, pn, sn))
			st.outcome = Outcome{Completed: true, Steps: st.step, Phase: st.phase}
		} else {
			c.caller.say(t.Chat, fmt.Sprintf("Deep review finished in %d steps.\nSession preserved; you can keep chatting in it.", st.step))
			st.outcome = Outcome{Steps: st.step, Phase: st.phase, Reason: "finished without dual sign-off"}
		}
		st.notified = true
		st.stop = stopFinish
		return st, nil
	}
}

// quotaPause announces a secondary rate limit and waits it out.
// Returns false when cancellation interrupted the wait.
func (c *Cross) quotaPause(ctx context.Context, t Target, step int, v crossVerdict, cancelled func() bool) bool {
	resume := time.Now().Add(v.wait).Format("15:04")
	c.caller.say(t.Chat, fmt.Sprintf("Rate limited at step %d: %s\nWaiting about %s (resume around %s). Cancel to abort.", step, clip(v.detail, 200), v.wait.Round(time.Minute), resume))
	c.caller.observer.OnEvent(ctx, observability.Event{
		Type:      EventQuotaWait,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    "loop.cross",
		Data: map[string]any{
			"chat":    t.Chat,
			"session": t.Session,
			"step":    step,
			"wait":    v.wait.String(),
		},
	})
	if !quota.WaitSlice(ctx, v.wait, c.cfg.QuotaSlice, cancelled) {
		return false
	}
	c.caller.say(t.Chat, "Resuming after rate-limit wait.")
	return true
}

func (c *Cross) halt(t Target, st crossState, notice string) crossState {
	c.caller.say(t.Chat, notice)
	st.notified = true
	st.stop = stopHalt
	st.outcome = Outcome{Steps: st.step, Phase: st.phase, Reason: "cancelled"}
	return st
}

// checkFeedback pulls the secondary's latest findings out of the
// stage-one transcript for the fix prompt.
func (c *Cross) checkFeedback(history string) string {
	marker := fmt.Sprintf("=== %s cross-review", displayName(c.secondary))
	if i := strings.LastIndex(history, marker); i >= 0 {
		return clip(history[i+len(marker):], crossFeedbackLimit)
	}
	return tailOf(history, 2000)
}

// critiqueFeedback pulls the primary's latest critique out of the full
// transcript. Empty when the primary has not critiqued yet.
func (c *Cross) critiqueFeedback(all string) string {
	marker := fmt.Sprintf("=== %s cross-review of %s", displayName(c.primary), displayName(c.secondary))
	if i := strings.LastIndex(all, marker); i >= 0 {
		return clip(all[i+len(marker):], crossFeedbackLimit)
	}
	return ""
}
