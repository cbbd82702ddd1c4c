package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/quota"
	"github.com/agentloop/engine/session"
)

// Bounds of the single-reviewer loop.
const (
	// ringCap is how many recent reviewer decisions the stale
	// detector remembers.
	ringCap = 6

	// staleThreshold identical decisions in a row trigger the
	// stale-progress warning.
	staleThreshold = 3

	// verifyForceAfter consecutive verification requests for the same
	// target force the transition.
	verifyForceAfter = 3

	// failStreakLimit consecutive reviewer failures abort the loop.
	failStreakLimit = 3
)

// Routing flags checked by edge predicates.
const (
	stopFinish = "finish"
	stopHalt   = "halt"
)

// soloState is the graph state of the single-reviewer loop.
type soloState struct {
	task    string
	prompt  string // next instruction for the primary
	output  string // primary's latest output
	history string // rolling "Step N: ..." digest
	plan    string // plan artifact content, capped
	step    int
	phase   Phase
	pending Phase // verification target awaiting the reviewer's judgment
	started time.Time

	verifyTarget   Phase
	verifyAttempts int
	failStreak     int
	ring           []string // recent decision keys for stale detection

	stop     string // stopFinish or stopHalt once the loop is over
	notified bool   // a final notice has been sent
	outcome  Outcome
}

// Solo is the single-reviewer loop: the primary agent works while the
// reviewer judges each step's output and decides the next instruction,
// driving the work through implementing, reviewing, and testing. The
// reviewer never touches the code; it only steers.
type Solo struct {
	caller   *Caller
	cfg      Config
	primary  agent.Kind
	reviewer agent.Kind
	names    names
}

// NewSolo creates the single-reviewer loop. primary does the work,
// reviewer steers it. A nil cfg uses the defaults.
func NewSolo(caller *Caller, cfg *Config, primary, reviewer agent.Kind) *Solo {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Solo{
		caller:   caller,
		cfg:      *cfg,
		primary:  primary,
		reviewer: reviewer,
		names:    newNames(primary, reviewer),
	}
}

// Run drives the loop until the reviewer signs off, a bound trips, or
// cancellation lands. The session survives in every case; only the
// loop stops.
func (s *Solo) Run(ctx context.Context, t Target, task string, cancelled func() bool) (out *Outcome, err error) {
	st := soloState{task: task, phase: PhaseImplementing, started: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("solo loop panic: %v", r)
		}
		s.caller.clearLoop(t)
		if err != nil && !st.notified {
			s.caller.say(t.Chat, fmt.Sprintf("Autonomous run error at step %d: %s. Session preserved.", st.step, clip(err.Error(), 300)))
		}
	}()

	g, err := s.build(t, cancelled)
	if err != nil {
		return nil, err
	}

	s.caller.say(t.Chat, fmt.Sprintf("Autonomous run started. Task: %s\nCancel at any time to stop.", clip(task, 200)))

	st, err = g.Run(ctx, st)
	if err != nil {
		return nil, err
	}
	if !st.notified {
		s.caller.say(t.Chat, fmt.Sprintf("Autonomous run stopped at step %d (phase: %s). Session preserved.", st.step, st.phase))
	}
	st.outcome.Phase = st.phase
	return &st.outcome, nil
}

func (s *Solo) build(t Target, cancelled func() bool) (*Graph[soloState], error) {
	g := NewGraph[soloState]("solo", s.cfg.StepLimit*4+8, s.caller.observer)

	var err error
	add := func(name string, node Node[soloState]) {
		if err == nil {
			err = g.AddNode(name, node)
		}
	}
	edge := func(from, to string, p Predicate[soloState]) {
		if err == nil {
			err = g.AddEdge(from, to, p)
		}
	}
	halted := func(st soloState) bool { return st.stop == stopHalt }
	finished := func(st soloState) bool { return st.stop == stopFinish }
	terminal := func(ctx context.Context, st soloState) (soloState, error) { return st, nil }

	add("bootstrap", s.bootstrapNode(t, cancelled))
	add("step", s.stepNode(t, cancelled))
	add("review", s.reviewNode(t, cancelled))
	add("finish", terminal)
	add("halt", terminal)

	edge("bootstrap", "halt", halted)
	edge("bootstrap", "step", nil)
	edge("step", "halt", halted)
	edge("step", "review", nil)
	edge("review", "finish", finished)
	edge("review", "halt", halted)
	edge("review", "step", nil)

	if err == nil {
		err = g.SetEntry("bootstrap")
	}
	if err == nil {
		err = g.SetExit("finish")
	}
	if err == nil {
		err = g.SetExit("halt")
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// bootstrapNode has the primary consolidate or create the plan
// artifact, then arms the first work instruction.
func (s *Solo) bootstrapNode(t Target, cancelled func() bool) Node[soloState] {
	return func(ctx context.Context, st soloState) (soloState, error) {
		if stopRequested(cancelled) {
			return s.halt(t, st, "Autonomous run cancelled before the first step.", "cancelled"), nil
		}
		if _, err := s.caller.Invoke(ctx, t, s.primary, planSetupPrompt(s.cfg.PlanFile), "", cancelled); err != nil {
			return st, err
		}
		// The reply is not checked; the plan file on disk is what
		// counts.
		st.plan = s.readPlan(t.Dir)
		st.prompt = firstStepPrompt(st.task, s.cfg.PlanFile)
		return st, nil
	}
}

// stepNode runs one primary work step and folds its output into the
// rolling history.
func (s *Solo) stepNode(t Target, cancelled func() bool) Node[soloState] {
	return func(ctx context.Context, st soloState) (soloState, error) {
		if stopRequested(cancelled) {
			return s.halt(t, st, fmt.Sprintf("Autonomous run cancelled at step %d.", st.step), "cancelled"), nil
		}
		if st.step >= s.cfg.StepLimit {
			return s.halt(t, st, fmt.Sprintf("Autonomous run stopped after %d steps (phase: %s). Session preserved.", st.step, st.phase), "step limit reached"), nil
		}

		st.step++
		s.caller.markLoop(t, session.LoopInfo{
			Chat:    t.Chat,
			Session: t.Session,
			Task:    clip(st.task, 200),
			Step:    st.step,
			Phase:   string(st.phase),
			Mode:    string(ModeSolo),
			Started: st.started,
		})
		s.caller.observer.OnEvent(ctx, observability.Event{
			Type:      EventStepStart,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "loop.solo",
			Data: map[string]any{
				"chat":    t.Chat,
				"session": t.Session,
				"step":    st.step,
				"phase":   string(st.phase),
			},
		})
		s.caller.say(t.Chat, fmt.Sprintf("Step %d (%s): sending to %s.", st.step, st.phase, displayName(s.primary)))

		recordAs := fmt.Sprintf("[%s step %d] %s", ModeSolo, st.step, clip(st.prompt, 80))
		res, err := s.caller.Invoke(ctx, t, s.primary, st.prompt, recordAs, cancelled)
		if err != nil {
			return st, err
		}

		text := s.caller.ResolveQuestions(ctx, t, s.primary, res, cancelled)
		if strings.TrimSpace(text) == "" {
			text = "No output"
		}
		st.output = text
		if plan := s.readPlan(t.Dir); plan != "" {
			st.plan = plan
		}
		st.history += fmt.Sprintf("\n\nStep %d: %s", st.step, clip(text, 1500))

		pause(ctx, s.cfg.ReviewPause)
		return st, nil
	}
}

// reviewNode consults the reviewer over the latest output and applies
// its decision.
func (s *Solo) reviewNode(t Target, cancelled func() bool) Node[soloState] {
	return func(ctx context.Context, st soloState) (soloState, error) {
		if stopRequested(cancelled) {
			return s.halt(t, st, fmt.Sprintf("Autonomous run cancelled at step %d.", st.step), "cancelled"), nil
		}

		stale := ""
		if len(st.ring) >= staleThreshold {
			last := st.ring[len(st.ring)-staleThreshold:]
			if last[0] == last[1] && last[1] == last[2] {
				stale = staleWarning(staleThreshold, last[0], displayName(s.primary))
				s.caller.observer.OnEvent(ctx, observability.Event{
					Type:      EventStale,
					Level:     observability.LevelWarning,
					Timestamp: time.Now(),
					Source:    "loop.solo",
					Data: map[string]any{
						"chat":    t.Chat,
						"session": t.Session,
						"step":    st.step,
						"pattern": last[0],
					},
				})
			}
		}

		what := "output"
		if st.pending != "" {
			what = "verification"
		}
		s.caller.say(t.Chat, fmt.Sprintf("Step %d (%s): %s reviewing %s.", st.step, st.phase, displayName(s.reviewer), what))

		d := s.consult(ctx, t, reviewRequest{
			task:    st.task,
			output:  st.output,
			step:    st.step,
			history: st.history,
			phase:   st.phase,
			pending: st.pending,
			stale:   stale,
			plan:    st.plan,
		})
		pending := st.pending
		st.pending = ""

		st.ring = append(st.ring, d.Key())
		if len(st.ring) > ringCap {
			st.ring = st.ring[1:]
		}

		st = s.apply(ctx, t, st, d, pending, true, cancelled)
		if st.stop == "" {
			s.caller.say(t.Chat, "Next: "+clip(st.prompt, 150))
			pause(ctx, s.cfg.StepPause)
		}
		return st, nil
	}
}

func (s *Solo) consult(ctx context.Context, t Target, req reviewRequest) Decision {
	prompt := buildReviewPrompt(s.names, req)
	res, err := s.caller.Consult(ctx, t, s.reviewer, prompt, ConsultOptions{Timeout: s.cfg.ReviewTimeout})
	return reviewerDecision(displayName(s.reviewer), res, err, req.phase)
}

// apply folds one reviewer decision into the loop state. pending is
// the verification target that was outstanding when the reviewer was
// consulted; allowWait guards the single quota re-consult.
func (s *Solo) apply(ctx context.Context, t Target, st soloState, d Decision, pending Phase, allowWait bool, cancelled func() bool) soloState {
	s.caller.observer.OnEvent(ctx, observability.Event{
		Type:      EventDecision,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "loop.solo",
		Data: map[string]any{
			"chat":     t.Chat,
			"session":  t.Session,
			"step":     st.step,
			"phase":    string(st.phase),
			"decision": d.Kind.String(),
			"key":      d.Key(),
		},
	})

	switch d.Kind {
	case DecisionDone:
		st.failStreak = 0
		if pending == PhaseDone {
			return s.finish(t, st, d.Summary, "")
		}
		// Completion is only accepted off a verification round. A
		// premature DONE becomes a request for that round.
		return s.applyVerify(t, st, Decision{Kind: DecisionVerify, Target: PhaseDone, Prompt: defaultVerifyPrompt})

	case DecisionVerify:
		st.failStreak = 0
		return s.applyVerify(t, st, d)

	case DecisionPhase:
		st.failStreak = 0
		if pending == d.Target && workPhase(d.Target) {
			st = s.transition(t, st, d.Target, "")
		}
		// An unheralded transition is not honored, but its prompt
		// still drives the next step.
		st.prompt = d.Prompt
		return st

	case DecisionQuota:
		if !allowWait {
			// A second quota verdict without a work step in between
			// counts as a reviewer failure rather than another wait.
			return s.reviewerTrouble(t, st, d.Detail)
		}
		return s.applyQuota(ctx, t, st, d, cancelled)

	case DecisionFailed:
		return s.reviewerTrouble(t, st, d.Detail)
	}

	// DecisionContinue
	st.failStreak = 0
	st.prompt = d.Prompt
	return st
}

// applyVerify tracks consecutive verification requests and forces the
// transition when the reviewer keeps asking for the same target.
func (s *Solo) applyVerify(t Target, st soloState, d Decision) soloState {
	if d.Target == st.verifyTarget {
		st.verifyAttempts++
	} else {
		st.verifyTarget = d.Target
		st.verifyAttempts = 1
	}

	if st.verifyAttempts >= verifyForceAfter {
		st.verifyTarget = ""
		st.verifyAttempts = 0
		if d.Target == PhaseDone {
			return s.finish(t, st, "", fmt.Sprintf("Completion forced after %d verification attempts.", verifyForceAfter))
		}
		if workPhase(d.Target) {
			st = s.transition(t, st, d.Target, fmt.Sprintf(" (forced after %d verification attempts)", verifyForceAfter))
		}
		st.prompt = d.Prompt
		return st
	}

	st.pending = d.Target
	st.prompt = d.Prompt
	s.caller.say(t.Chat, fmt.Sprintf("Step %d: verification requested before moving to %s.", st.step, d.Target))
	return st
}

// transition moves the loop to a new phase and resets the
// per-phase trackers.
func (s *Solo) transition(t Target, st soloState, target Phase, suffix string) soloState {
	st.phase = target
	st.verifyTarget = ""
	st.verifyAttempts = 0
	st.ring = nil
	s.caller.say(t.Chat, fmt.Sprintf("Phase transition: %s%s.", strings.ToUpper(string(target)), suffix))
	return st
}

// applyQuota waits out the reviewer-reported reset, then re-consults
// once and applies that decision without a further wait.
func (s *Solo) applyQuota(ctx context.Context, t Target, st soloState, d Decision, cancelled func() bool) soloState {
	wait := d.Wait
	if wait <= 0 {
		wait = defaultQuotaMinutes * time.Minute
	}
	resume := time.Now().Add(wait).Format("15:04")
	s.caller.say(t.Chat, fmt.Sprintf("Rate limited at step %d: %s\nWaiting about %s (resume around %s). Cancel to abort.", st.step, clip(d.Detail, 200), wait.Round(time.Minute), resume))
	s.caller.observer.OnEvent(ctx, observability.Event{
		Type:      EventQuotaWait,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    "loop.solo",
		Data: map[string]any{
			"chat":    t.Chat,
			"session": t.Session,
			"step":    st.step,
			"wait":    wait.String(),
		},
	})

	if !quota.WaitSlice(ctx, wait, s.cfg.QuotaSlice, cancelled) {
		return s.halt(t, st, "Autonomous run cancelled during rate-limit wait.", "cancelled")
	}
	s.caller.say(t.Chat, "Resuming after rate-limit wait.")

	d2 := s.consult(ctx, t, reviewRequest{
		task:    st.task,
		output:  st.output,
		step:    st.step,
		history: st.history,
		phase:   st.phase,
		plan:    st.plan,
	})
	return s.apply(ctx, t, st, d2, "", false, cancelled)
}

// reviewerTrouble counts a reviewer failure and either aborts after a
// streak or substitutes the fallback instruction.
func (s *Solo) reviewerTrouble(t Target, st soloState, detail string) soloState {
	st.failStreak++
	if detail != "" {
		s.caller.say(t.Chat, fmt.Sprintf("%s issue: %s", displayName(s.reviewer), clip(detail, 200)))
	}
	if st.failStreak >= failStreakLimit {
		return s.halt(t, st, fmt.Sprintf("%s failed %d times in a row. Stopping. Session preserved.", displayName(s.reviewer), failStreakLimit), "reviewer failed repeatedly")
	}
	st.prompt = reviewFallbacks[PhaseImplementing]
	return st
}

// finish ends the loop as completed with one user notice.
func (s *Solo) finish(t Target, st soloState, summary, note string) soloState {
	msg := fmt.Sprintf("Task complete in %d steps.", st.step)
	if note != "" {
		msg += " " + note
	}
	if summary != "" {
		msg += "\n\nSummary: " + clip(summary, 500)
	}
	msg += "\nSession preserved; you can keep chatting in it."
	s.caller.say(t.Chat, msg)
	st.notified = true
	st.stop = stopFinish
	st.outcome = Outcome{Completed: true, Steps: st.step, Phase: st.phase, Summary: summary}
	return st
}

// halt ends the loop without completion, with one user notice.
func (s *Solo) halt(t Target, st soloState, notice, reason string) soloState {
	s.caller.say(t.Chat, notice)
	st.notified = true
	st.stop = stopHalt
	st.outcome = Outcome{Steps: st.step, Phase: st.phase, Reason: reason}
	return st
}

// readPlan loads the plan artifact, capped for prompt embedding.
func (s *Solo) readPlan(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, s.cfg.PlanFile))
	if err != nil {
		return ""
	}
	return clip(string(data), s.cfg.PlanLimit)
}
