package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/session"
)

// feedbackLimit caps carried review and audit feedback.
const feedbackLimit = 6000

// trioState is the graph state of the three-role loop.
type trioState struct {
	task     string
	feedback string // audit or plan-review feedback carried forward
	step     int
	phase    Phase
	started  time.Time

	stop     string
	notified bool
	outcome  Outcome
}

// Trio is the three-role loop: the architect maintains the plan, the
// executor implements against it, and the auditor reviews the result.
// The auditor must sign off on the plan before execution and on the
// implementation before the loop ends; rejected work loops back to the
// architect with the feedback attached.
type Trio struct {
	caller    *Caller
	cfg       Config
	architect agent.Kind
	executor  agent.Kind
	auditor   agent.Kind
}

// NewTrio creates the three-role loop. A nil cfg uses the defaults.
// The architect also serves as the executor's fallback when an
// execute step fails.
func NewTrio(caller *Caller, cfg *Config, architect, executor, auditor agent.Kind) *Trio {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Trio{
		caller:    caller,
		cfg:       *cfg,
		architect: architect,
		executor:  executor,
		auditor:   auditor,
	}
}

// Run drives plan, execute, and audit rounds until the auditor signs
// off or a bound trips.
func (tr *Trio) Run(ctx context.Context, t Target, task string, cancelled func() bool) (out *Outcome, err error) {
	st := trioState{task: task, phase: PhaseArchitecting, started: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trio loop panic: %v", r)
		}
		tr.caller.clearLoop(t)
		if err != nil && !st.notified {
			tr.caller.say(t.Chat, fmt.Sprintf("Run error at step %d: %s. Session preserved.", st.step, clip(err.Error(), 300)))
		}
	}()

	g, err := tr.build(t, cancelled)
	if err != nil {
		return nil, err
	}

	tr.caller.say(t.Chat, fmt.Sprintf("Plan/execute/audit run started. Task: %s\n%s (architect) -> %s (executor) -> %s (auditor). Cancel at any time to stop.",
		clip(task, 200), displayName(tr.architect), displayName(tr.executor), displayName(tr.auditor)))

	st, err = g.Run(ctx, st)
	if err != nil {
		return nil, err
	}
	if !st.notified {
		tr.caller.say(t.Chat, fmt.Sprintf("Run finished at step %d (phase: %s). Session preserved.", st.step, st.phase))
	}
	st.outcome.Phase = st.phase
	return &st.outcome, nil
}

func (tr *Trio) build(t Target, cancelled func() bool) (*Graph[trioState], error) {
	g := NewGraph[trioState]("trio", tr.cfg.StepLimit*2+8, tr.caller.observer)

	var err error
	add := func(name string, node Node[trioState]) {
		if err == nil {
			err = g.AddNode(name, node)
		}
	}
	edge := func(from, to string, p Predicate[trioState]) {
		if err == nil {
			err = g.AddEdge(from, to, p)
		}
	}
	halted := func(st trioState) bool { return st.stop == stopHalt }
	finished := func(st trioState) bool { return st.stop == stopFinish }
	executing := func(st trioState) bool { return st.phase == PhaseExecuting }
	terminal := func(ctx context.Context, st trioState) (trioState, error) { return st, nil }

	add("architect", tr.architectNode(t, cancelled))
	add("execute", tr.executeNode(t, cancelled))
	add("audit", tr.auditNode(t, cancelled))
	add("finish", terminal)
	add("halt", terminal)

	edge("architect", "halt", halted)
	edge("architect", "execute", executing)
	edge("architect", "architect", nil)
	edge("execute", "halt", halted)
	edge("execute", "audit", nil)
	edge("audit", "finish", finished)
	edge("audit", "halt", halted)
	edge("audit", "architect", nil)

	if err == nil {
		err = g.SetEntry("architect")
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

// tick opens a phase round: counts the step, snapshots progress, and
// enforces the step ceiling. Returns false when the loop must stop.
func (tr *Trio) tick(ctx context.Context, t Target, st *trioState, phase Phase) bool {
	st.phase = phase
	st.step++
	tr.caller.markLoop(t, session.LoopInfo{
		Chat:    t.Chat,
		Session: t.Session,
		Task:    clip(st.task, 200),
		Step:    st.step,
		Phase:   string(phase),
		Mode:    string(ModeTrio),
		Started: st.started,
	})
	tr.caller.observer.OnEvent(ctx, observability.Event{
		Type:      EventStepStart,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "loop.trio",
		Data: map[string]any{
			"chat":    t.Chat,
			"session": t.Session,
			"step":    st.step,
			"phase":   string(phase),
		},
	})
	if st.step > tr.cfg.StepLimit {
		*st = tr.halt(t, *st, fmt.Sprintf("Step limit reached (%d). Stopping to prevent a runaway loop.", tr.cfg.StepLimit), "step limit reached")
		return false
	}
	return true
}

// architectNode has the architect update the plan, then puts the plan
// in front of the auditor for sign-off.
func (tr *Trio) architectNode(t Target, cancelled func() bool) Node[trioState] {
	return func(ctx context.Context, st trioState) (trioState, error) {
		if stopRequested(cancelled) {
			return tr.halt(t, st, fmt.Sprintf("Run cancelled at step %d.", st.step), "cancelled"), nil
		}
		if !tr.tick(ctx, t, &st, PhaseArchitecting) {
			return st, nil
		}

		tr.caller.say(t.Chat, fmt.Sprintf("Step %d: architecting (%s). Updating %s.", st.step, displayName(tr.architect), tr.cfg.PlanFile))

		res, err := tr.caller.Invoke(ctx, t, tr.architect, architectPrompt(st.task, tr.cfg.PlanFile, st.feedback), st.task, cancelled)
		if err != nil {
			return st, err
		}
		// The architect's prose is not inspected; the plan file and
		// the auditor's verdict are what matter.
		tr.caller.ResolveQuestions(ctx, t, tr.architect, res, cancelled)

		tr.caller.say(t.Chat, fmt.Sprintf("Step %d: plan review (%s).", st.step, displayName(tr.auditor)))
		review, rerr := tr.caller.Consult(ctx, t, tr.auditor, planReviewPrompt(st.task, tr.cfg.PlanFile), ConsultOptions{
			Resume:   true,
			RecordAs: st.task,
			Timeout:  tr.cfg.ReviewTimeout,
		})
		verdict := resultText(review, rerr)
		if verdict != "" {
			tr.caller.say(t.Chat, "Plan review:\n"+clip(verdict, 1000))
		}

		if signedOff(verdict) {
			tr.caller.say(t.Chat, fmt.Sprintf("Plan approved by %s. Proceeding to execution.", displayName(tr.auditor)))
			st.phase = PhaseExecuting
		} else {
			st.feedback = clip(verdict, feedbackLimit)
			if st.feedback == "" {
				st.feedback = "Plan review returned no feedback."
			}
		}

		pause(ctx, tr.cfg.StepPause)
		return st, nil
	}
}

// executeNode has the executor implement the next plan step, falling
// back to the architect when the executor fails outright.
func (tr *Trio) executeNode(t Target, cancelled func() bool) Node[trioState] {
	return func(ctx context.Context, st trioState) (trioState, error) {
		if stopRequested(cancelled) {
			return tr.halt(t, st, fmt.Sprintf("Run cancelled at step %d.", st.step), "cancelled"), nil
		}
		if !tr.tick(ctx, t, &st, PhaseExecuting) {
			return st, nil
		}

		prompt := executePrompt(tr.cfg.PlanFile, st.feedback)
		tr.caller.say(t.Chat, fmt.Sprintf("Step %d: executing (%s). %s", st.step, displayName(tr.executor), clip(prompt, 150)))

		res, err := tr.caller.Invoke(ctx, t, tr.executor, prompt, "", cancelled)
		if failed, reason := executorFailed(res, err); failed {
			tr.caller.say(t.Chat, fmt.Sprintf("%s failed: %s\nFalling back to %s.", displayName(tr.executor), clip(reason, 150), displayName(tr.architect)))
			if _, ferr := tr.caller.Invoke(ctx, t, tr.architect, prompt, st.task, cancelled); ferr != nil {
				return st, ferr
			}
		}

		st.phase = PhaseAuditing
		pause(ctx, tr.cfg.StepPause)
		return st, nil
	}
}

// auditNode has the auditor judge the implementation: sign-off ends
// the loop, anything else loops back to the architect as feedback.
func (tr *Trio) auditNode(t Target, cancelled func() bool) Node[trioState] {
	return func(ctx context.Context, st trioState) (trioState, error) {
		if stopRequested(cancelled) {
			return tr.halt(t, st, fmt.Sprintf("Run cancelled at step %d.", st.step), "cancelled"), nil
		}
		if !tr.tick(ctx, t, &st, PhaseAuditing) {
			return st, nil
		}

		tr.caller.say(t.Chat, fmt.Sprintf("Step %d: auditing (%s). Reviewing implementation.", st.step, displayName(tr.auditor)))

		opts := ConsultOptions{Resume: true, RecordAs: st.task, Timeout: tr.cfg.ReviewTimeout}
		res, err := tr.caller.Consult(ctx, t, tr.auditor, auditPrompt(st.task, tr.cfg.PlanFile), opts)
		verdict := resultText(res, err)
		if verdict == "" {
			tr.caller.say(t.Chat, fmt.Sprintf("Step %d: %s returned no output. Retrying.", st.step, displayName(tr.auditor)))
			pause(ctx, tr.cfg.RetryPause)
			res, err = tr.caller.Consult(ctx, t, tr.auditor, auditPrompt(st.task, tr.cfg.PlanFile), opts)
			verdict = resultText(res, err)
		}
		if verdict != "" {
			tr.caller.say(t.Chat, fmt.Sprintf("Audit result (step %d):\n%s", st.step, clip(verdict, 1000)))
		}

		if signedOff(verdict) {
			return tr.finish(t, st, clip(verdict, 500)), nil
		}

		st.feedback = clip(verdict, feedbackLimit)
		if st.feedback == "" {
			st.feedback = "Previous audit returned no feedback."
		}
		st.phase = PhaseArchitecting
		pause(ctx, tr.cfg.StepPause)
		return st, nil
	}
}

func (tr *Trio) finish(t Target, st trioState, summary string) trioState {
	tr.caller.say(t.Chat, fmt.Sprintf("Task complete at step %d: %s signed off.\nSession preserved; you can keep chatting in it.", st.step, displayName(tr.auditor)))
	st.notified = true
	st.stop = stopFinish
	st.outcome = Outcome{Completed: true, Steps: st.step, Phase: st.phase, Summary: summary}
	return st
}

func (tr *Trio) halt(t Target, st trioState, notice, reason string) trioState {
	tr.caller.say(t.Chat, notice)
	st.notified = true
	st.stop = stopHalt
	st.outcome = Outcome{Steps: st.step, Phase: st.phase, Reason: reason}
	return st
}

// executorFailed reports whether an execute step needs the fallback,
// with an operator-readable reason. Stderr alone is benign; only an
// error, a recorded failure, or empty output counts.
func executorFailed(res *agent.Result, err error) (bool, string) {
	if err != nil {
		return true, err.Error()
	}
	if res.Failed() {
		return true, res.Failure
	}
	if strings.TrimSpace(res.Text) == "" {
		if s := res.LastStderr(); s != "" {
			return true, s
		}
		return true, "no output produced"
	}
	return false, ""
}

// resultText extracts usable output from a consultation, empty on any
// failure.
func resultText(res *agent.Result, err error) string {
	if err != nil || res == nil || res.Failed() {
		return ""
	}
	return strings.TrimSpace(res.Text)
}
