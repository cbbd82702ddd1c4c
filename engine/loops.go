package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/loop"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/session"
)

// StartLoop launches an autonomous loop on a session and returns once
// it is running. Solo pairs Claude with a Codex reviewer, trio splits
// plan, execution, and audit across Claude, Gemini, and Codex, and
// crossreview has Claude and Codex check each other's finished work.
func (e *Engine) StartLoop(ctx context.Context, chat, sessionID, task string, mode loop.Mode) error {
	if e.isClosed() {
		return ErrClosed
	}
	switch mode {
	case loop.ModeSolo, loop.ModeTrio, loop.ModeCross:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLoop, string(mode))
	}
	// Cross-review audits the session's existing work; it takes no task.
	if mode != loop.ModeCross && strings.TrimSpace(task) == "" {
		return fmt.Errorf("start loop: %w", agent.ErrEmptyPrompt)
	}

	sess, err := e.resolve(chat, sessionID)
	if err != nil {
		return err
	}
	key := slotKey(chat, sess.ID)

	e.mu.Lock()
	if ls, ok := e.loops[key]; ok && !ls.stop {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s loop at step %d", ErrBusy, ls.mode, ls.step)
	}
	if e.coord.Busy(key) {
		e.mu.Unlock()
		return fmt.Errorf("%w: a run is in flight", ErrBusy)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	ls := &loopState{
		mode:    mode,
		task:    task,
		phase:   initialPhase(mode),
		started: e.clock(),
		cancel:  cancel,
	}
	e.loops[key] = ls
	e.mu.Unlock()

	e.observer.OnEvent(ctx, observability.Event{
		Type:      EventLoopStart,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.StartLoop",
		Data: map[string]any{
			"chat":    chat,
			"session": sess.ID,
			"mode":    string(mode),
		},
	})
	go e.runLoop(loopCtx, chat, sess, mode, task, key, ls)
	return nil
}

// initialPhase is the phase a loop occupies before its first step
// event arrives.
func initialPhase(mode loop.Mode) loop.Phase {
	switch mode {
	case loop.ModeTrio:
		return loop.PhaseArchitecting
	case loop.ModeCross:
		return loop.PhasePrimaryReview
	}
	return loop.PhaseImplementing
}

// runLoop drives one loop to its end and clears the engine-side state,
// panic or not. Completion and halt notices come from the loop bodies;
// the engine only reports wiring-level failures.
func (e *Engine) runLoop(ctx context.Context, chat string, sess session.Session, mode loop.Mode, task, key string, ls *loopState) {
	defer ls.cancel()
	defer func() {
		if r := recover(); r != nil {
			e.observer.OnEvent(context.Background(), observability.Event{
				Type:      EventPanic,
				Level:     observability.LevelError,
				Timestamp: e.clock(),
				Source:    "engine.loop",
				Data:      map[string]any{"chat": chat, "session": sess.ID, "panic": fmt.Sprint(r)},
			})
			e.say(chat, "Loop failed unexpectedly. Session preserved.")
		}
		e.mu.Lock()
		delete(e.loops, key)
		e.mu.Unlock()
	}()

	cancelled := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return ls.stop
	}
	t := loop.Target{Chat: chat, Session: sess.ID, Dir: sess.Dir}

	var out *loop.Outcome
	var err error
	switch mode {
	case loop.ModeSolo:
		out, err = loop.NewSolo(e.caller, &e.cfg.Loop, agent.KindClaude, agent.KindCodex).
			Run(ctx, t, task, cancelled)
	case loop.ModeTrio:
		out, err = loop.NewTrio(e.caller, &e.cfg.Loop, agent.KindClaude, agent.KindGemini, agent.KindCodex).
			Run(ctx, t, task, cancelled)
	case loop.ModeCross:
		out, err = loop.NewCross(e.caller, &e.cfg.Loop, agent.KindClaude, agent.KindCodex).
			Run(ctx, t, cancelled)
	}
	if err != nil {
		e.say(chat, fmt.Sprintf("Loop failed: %v. Session preserved.", err))
		e.observer.OnEvent(context.Background(), observability.Event{
			Type:      EventLoopDone,
			Level:     observability.LevelWarning,
			Timestamp: e.clock(),
			Source:    "engine.loop",
			Data:      map[string]any{"chat": chat, "session": sess.ID, "error": err.Error()},
		})
		return
	}

	e.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventLoopDone,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.loop",
		Data: map[string]any{
			"chat":      chat,
			"session":   sess.ID,
			"mode":      string(mode),
			"completed": out.Completed,
			"steps":     out.Steps,
			"phase":     string(out.Phase),
			"reason":    out.Reason,
		},
	})
}

// Cancel stops whatever is active on a session: the running loop, the
// in-flight invocation, or both. Reports whether anything was active.
func (e *Engine) Cancel(ctx context.Context, chat, sessionID string) (bool, error) {
	sess, err := e.resolve(chat, sessionID)
	if err != nil {
		return false, err
	}
	key := slotKey(chat, sess.ID)

	var mode loop.Mode
	e.mu.Lock()
	if ls, ok := e.loops[key]; ok && !ls.stop {
		ls.stop = true
		ls.cancel()
		mode = ls.mode
	}
	e.mu.Unlock()

	anything := e.coord.Cancel(ctx, key) || mode != ""

	switch {
	case mode != "":
		e.say(chat, fmt.Sprintf("Cancelling the %s loop on session %s. Session preserved.", mode, sess.Name))
	case anything:
		e.say(chat, fmt.Sprintf("Cancelled the current run on session %s.", sess.Name))
	default:
		e.say(chat, fmt.Sprintf("Nothing to cancel on session %s.", sess.Name))
	}
	return anything, nil
}

// LoopStatus describes an active loop.
type LoopStatus struct {
	Mode    loop.Mode
	Task    string
	Step    int
	Phase   loop.Phase
	Started time.Time
}

// Status describes a session's current activity.
type Status struct {
	Chat     string
	Session  string
	Name     string
	Dir      string
	Kind     agent.Kind
	Busy     bool
	QueueLen int
	Pending  int
	Created  time.Time

	// Loop is set while an autonomous loop runs on the session.
	Loop *LoopStatus
}

// Status reports what a session is doing right now.
func (e *Engine) Status(chat, sessionID string) (Status, error) {
	sess, err := e.resolve(chat, sessionID)
	if err != nil {
		return Status{}, err
	}
	key := slotKey(chat, sess.ID)

	st := Status{
		Chat:     chat,
		Session:  sess.ID,
		Name:     sess.Name,
		Dir:      sess.Dir,
		Kind:     e.routeKind(sess),
		Busy:     e.coord.Busy(key),
		QueueLen: e.coord.QueueLen(key),
		Pending:  e.Pending(chat),
		Created:  sess.CreatedAt,
	}

	e.mu.Lock()
	if ls, ok := e.loops[key]; ok && !ls.stop {
		st.Busy = true
		st.Loop = &LoopStatus{
			Mode:    ls.mode,
			Task:    ls.task,
			Step:    ls.step,
			Phase:   ls.phase,
			Started: ls.started,
		}
	}
	e.mu.Unlock()
	return st, nil
}

// Sessions lists a chat's sessions in creation order.
func (e *Engine) Sessions(chat string) []session.Session {
	return e.store.List(chat)
}

// ActiveSession returns the chat's active session.
func (e *Engine) ActiveSession(chat string) (session.Session, bool) {
	return e.store.Active(chat)
}

// CreateSession registers a new session and makes it the chat's
// active one.
func (e *Engine) CreateSession(chat, name, dir string) (session.Session, error) {
	if e.isClosed() {
		return session.Session{}, ErrClosed
	}
	return e.store.Create(chat, name, dir)
}

// SelectSession makes an existing session the chat's active one.
func (e *Engine) SelectSession(chat, id string) error {
	return e.store.SetActive(chat, id)
}

// RemoveSession deletes a session. Anything running on it is cancelled
// without the usual notices.
func (e *Engine) RemoveSession(ctx context.Context, chat, id string) error {
	key := slotKey(chat, id)
	e.mu.Lock()
	if ls, ok := e.loops[key]; ok && !ls.stop {
		ls.stop = true
		ls.cancel()
	}
	e.mu.Unlock()
	e.coord.Cancel(ctx, key)
	return e.store.Remove(chat, id)
}

// ResetSession clears a session's resumption handles so the next
// message starts fresh conversations.
func (e *Engine) ResetSession(chat, id string) error {
	sess, err := e.resolve(chat, id)
	if err != nil {
		return err
	}
	for _, kind := range kinds {
		if err := e.store.ClearHandle(chat, sess.ID, kind); err != nil {
			return err
		}
	}
	return nil
}
