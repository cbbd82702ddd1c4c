package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/dispatch"
	"github.com/agentloop/engine/loop"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/session"
	"github.com/agentloop/engine/stream"
)

// Ack reports the immediate disposition of a trigger. Execution, when
// started, continues in the background.
type Ack struct {
	// Status is the dispatch decision.
	Status dispatch.Status

	// Kind is the agent family handling the trigger when it started.
	Kind agent.Kind

	// Position is the 1-based queue position when queued.
	Position int

	// FreeMB and Active describe a memory rejection.
	FreeMB int
	Active int

	// PendingQuestions counts questions still awaiting answers after
	// an Answer call.
	PendingQuestions int
}

// Submit offers free-form task text to a session. The returned Ack
// says whether the text started running, was queued behind the
// session's current run, or was rejected; the run itself proceeds in
// the background and reports through the notifier.
func (e *Engine) Submit(ctx context.Context, chat, sessionID, text string) (Ack, error) {
	if strings.TrimSpace(text) == "" {
		return Ack{}, fmt.Errorf("submit: %w", agent.ErrEmptyPrompt)
	}
	if e.isClosed() {
		return Ack{}, ErrClosed
	}

	sess, err := e.resolve(chat, sessionID)
	if err != nil {
		return Ack{}, err
	}
	key := slotKey(chat, sess.ID)

	if ls := e.activeLoop(key); ls != nil {
		e.say(chat, fmt.Sprintf(
			"A %s loop is running on session %s (step %d, %s). Cancel it or wait for completion.",
			ls.mode, sess.Name, ls.step, ls.phase))
		return Ack{Status: dispatch.Rejected}, fmt.Errorf("%w: %s loop at step %d", ErrBusy, ls.mode, ls.step)
	}

	out := e.coord.Admit(ctx, key, text)
	switch out.Status {
	case dispatch.Queued:
		e.say(chat, fmt.Sprintf(
			"Message queued (#%d) for session %s. It runs after the current task.",
			out.Position, sess.Name))
		return Ack{Status: out.Status, Position: out.Position}, nil
	case dispatch.Rejected:
		e.say(chat, fmt.Sprintf(
			"Low memory (%d MB free, %d active runs). Wait for a run to finish or cancel one.",
			out.FreeMB, out.Active))
		return Ack{Status: out.Status, FreeMB: out.FreeMB, Active: out.Active},
			fmt.Errorf("%w: %d MB free, %d active", ErrMemoryPressure, out.FreeMB, out.Active)
	}

	kind := e.routeKind(sess)
	e.observer.OnEvent(ctx, observability.Event{
		Type:      EventSubmit,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.Submit",
		Data: map[string]any{
			"chat":          chat,
			"session":       sess.ID,
			"kind":          string(kind),
			"prompt_length": len(text),
		},
	})
	go e.runTrigger(chat, sess.ID, kind, out.Payload)
	return Ack{Status: dispatch.Started, Kind: kind}, nil
}

// routeKind picks the agent family for a plain trigger: the session's
// last-used kind, defaulting to Claude.
func (e *Engine) routeKind(sess session.Session) agent.Kind {
	if sess.LastKind.Valid() {
		return sess.LastKind
	}
	return agent.KindClaude
}

// runTrigger executes one admitted trigger. The slot is already
// occupied; snapshot bookkeeping, release, and queue drain all happen
// here, panic or not.
func (e *Engine) runTrigger(chat, id string, kind agent.Kind, text string) {
	key := slotKey(chat, id)
	runCtx, abort := context.WithCancel(context.Background())
	defer abort()
	e.coord.Bind(key, abort)

	if err := e.snaps.MarkRunActive(key, session.RunInfo{
		Chat:    chat,
		Session: id,
		Prompt:  text,
		Started: e.clock(),
	}); err != nil {
		e.warn(runCtx, "engine.run", "run snapshot write failed", err)
	}

	defer func() {
		if r := recover(); r != nil {
			e.observer.OnEvent(context.Background(), observability.Event{
				Type:      EventPanic,
				Level:     observability.LevelError,
				Timestamp: e.clock(),
				Source:    "engine.run",
				Data:      map[string]any{"chat": chat, "session": id, "panic": fmt.Sprint(r)},
			})
			e.say(chat, fmt.Sprintf("Internal error while running %s. Session preserved.", kindLabel(kind)))
		}
		e.snaps.MarkRunDone(key)
		e.finishRun(chat, id)
	}()

	cancelled := func() bool { return e.coord.Cancelled(key) }
	res, err := e.caller.Invoke(runCtx, loop.Target{Chat: chat, Session: id}, kind, text, "", cancelled)
	if err != nil {
		e.say(chat, fmt.Sprintf("%s failed: %v", kindLabel(kind), err))
		e.observer.OnEvent(runCtx, observability.Event{
			Type:      EventRunDone,
			Level:     observability.LevelWarning,
			Timestamp: e.clock(),
			Source:    "engine.run",
			Data:      map[string]any{"chat": chat, "session": id, "error": err.Error()},
		})
		return
	}
	if res.Failed() {
		e.say(chat, fmt.Sprintf("%s failed: %s", kindLabel(kind), res.Failure))
		e.observer.OnEvent(runCtx, observability.Event{
			Type:      EventRunDone,
			Level:     observability.LevelWarning,
			Timestamp: e.clock(),
			Source:    "engine.run",
			Data:      map[string]any{"chat": chat, "session": id, "failure": res.Failure},
		})
		return
	}

	e.observer.OnEvent(runCtx, observability.Event{
		Type:      EventRunDone,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.run",
		Data: map[string]any{
			"chat":          chat,
			"session":       id,
			"kind":          string(kind),
			"cancelled":     res.Cancelled,
			"output_length": len(res.Text),
			"questions":     len(res.Questions),
		},
	})
	if res.Cancelled {
		return
	}
	if len(res.Questions) > 0 {
		e.askQuestions(chat, id, kind, res.Questions)
	}
}

// finishRun frees the session slot and dispatches the next queued
// trigger, when one survives the admission gate.
func (e *Engine) finishRun(chat, id string) {
	key := slotKey(chat, id)
	out := e.coord.Release(context.Background(), key)
	switch out.Status {
	case dispatch.Rejected:
		e.say(chat, fmt.Sprintf(
			"Queued message is waiting on memory (%d MB free). It retries when a run finishes.",
			out.FreeMB))
		return
	case dispatch.Started:
	default:
		return
	}

	kind := agent.KindClaude
	if sess, ok := e.store.Get(chat, id); ok {
		kind = e.routeKind(sess)
	}
	e.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventQueueDrain,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.run",
		Data:      map[string]any{"chat": chat, "session": id},
	})
	go e.runTrigger(chat, id, kind, out.Payload)
}

// askQuestions parks questions the agent raised and sends the first
// one to the chat. Answers arrive one at a time through Answer.
func (e *Engine) askQuestions(chat, id string, kind agent.Kind, questions []stream.Question) {
	e.mu.Lock()
	ask := &pendingAsk{
		session:   id,
		kind:      kind,
		questions: questions,
		answers:   make([]string, len(questions)),
	}
	e.pending[chat] = ask
	notice := renderQuestion(ask)
	e.mu.Unlock()

	e.say(chat, notice)
}

// renderQuestion formats the current question with numbered options.
// Callers hold e.mu.
func renderQuestion(ask *pendingAsk) string {
	q := ask.questions[ask.idx]
	header := q.Header
	if header == "" {
		header = "Question"
	}

	var b strings.Builder
	if len(ask.questions) > 1 {
		fmt.Fprintf(&b, "%s (%d/%d)\n", header, ask.idx+1, len(ask.questions))
	} else {
		b.WriteString(header + "\n")
	}
	b.WriteString(q.Question)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Label)
		if opt.Description != "" {
			fmt.Fprintf(&b, " - %s", opt.Description)
		}
	}
	if len(q.Options) > 0 {
		b.WriteString("\nReply with an option number or free text.")
	}
	return b.String()
}

// Answer records a reply to the chat's current pending question. When
// questions remain the next one is sent and the Ack only carries the
// pending count; once all are answered the combined reply is submitted
// to the session that asked.
func (e *Engine) Answer(ctx context.Context, chat, sessionID, text string) (Ack, error) {
	if e.isClosed() {
		return Ack{}, ErrClosed
	}

	e.mu.Lock()
	ask, ok := e.pending[chat]
	if !ok || (sessionID != "" && sessionID != ask.session) {
		e.mu.Unlock()
		return Ack{}, fmt.Errorf("%w: chat %s", ErrNoQuestions, chat)
	}

	answer := strings.TrimSpace(text)
	if q := ask.questions[ask.idx]; len(q.Options) > 0 {
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(q.Options) {
			answer = q.Options[n-1].Label
		}
	}
	ask.answers[ask.idx] = answer
	ask.idx++

	if ask.idx < len(ask.questions) {
		remaining := len(ask.questions) - ask.idx
		notice := renderQuestion(ask)
		e.mu.Unlock()

		e.say(chat, notice)
		e.observer.OnEvent(ctx, observability.Event{
			Type:      EventAnswer,
			Level:     observability.LevelVerbose,
			Timestamp: e.clock(),
			Source:    "engine.Answer",
			Data:      map[string]any{"chat": chat, "remaining": remaining},
		})
		return Ack{Status: dispatch.Idle, PendingQuestions: remaining}, nil
	}

	questions := ask.questions
	answers := ask.answers
	id := ask.session
	delete(e.pending, chat)
	e.mu.Unlock()

	combined := answers[0]
	if len(answers) > 1 {
		parts := make([]string, len(answers))
		for i, a := range answers {
			header := questions[i].Header
			if header == "" {
				header = fmt.Sprintf("Q%d", i+1)
			}
			parts[i] = header + ": " + a
		}
		combined = strings.Join(parts, "\n")
	}

	e.observer.OnEvent(ctx, observability.Event{
		Type:      EventAnswer,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.Answer",
		Data:      map[string]any{"chat": chat, "session": id, "questions": len(questions)},
	})
	return e.Submit(ctx, chat, id, combined)
}

// Pending reports how many questions await answers for a chat.
func (e *Engine) Pending(chat string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ask, ok := e.pending[chat]; ok {
		return len(ask.questions) - ask.idx
	}
	return 0
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// activeLoop returns the running loop for a slot key, nil when none or
// when the loop is already winding down after a cancel.
func (e *Engine) activeLoop(key string) *loopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ls, ok := e.loops[key]; ok && !ls.stop {
		return ls
	}
	return nil
}

// kindLabel renders an agent kind for notices.
func kindLabel(kind agent.Kind) string {
	switch kind {
	case agent.KindClaude:
		return "Claude"
	case agent.KindCodex:
		return "Codex"
	case agent.KindGemini:
		return "Gemini"
	}
	return string(kind)
}
