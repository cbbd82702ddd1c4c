package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/notify"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/quota"
	"github.com/agentloop/engine/session"
)

// compactionMinBytes is the shortest summary worth resetting a
// conversation over. Anything shorter means the agent produced
// nothing usable and the session is left untouched.
const compactionMinBytes = 50

// Caller runs agents against a persistent session with the care every
// invocation needs: context bridging when the agent kind changes,
// handle persistence, message counting with proactive compaction, and
// recovery from context overflow and quota exhaustion.
type Caller struct {
	runners  map[agent.Kind]agent.Runner
	store    *session.Store
	notifier notify.Notifier
	observer observability.Observer
	snaps    *session.Snapshots
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithNotifier routes user-facing notices through n.
func WithNotifier(n notify.Notifier) CallerOption {
	return func(c *Caller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithObserver attaches an observer for caller events.
func WithObserver(o observability.Observer) CallerOption {
	return func(c *Caller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithSnapshots records loop progress durably so a restart can report
// what was interrupted.
func WithSnapshots(s *session.Snapshots) CallerOption {
	return func(c *Caller) {
		c.snaps = s
	}
}

// NewCaller creates a Caller over the given runners and session store.
func NewCaller(runners map[agent.Kind]agent.Runner, store *session.Store, opts ...CallerOption) *Caller {
	c := &Caller{
		runners:  runners,
		store:    store,
		notifier: notify.Noop{},
		observer: observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// bridgeMarker separates carried-over context from the actual
// instruction. The primary assistant sees requests, helpers see tasks.
func bridgeMarker(kind agent.Kind) string {
	if kind == agent.KindClaude {
		return "[NEW REQUEST]\n"
	}
	return "[NEW TASK]\n"
}

// Invoke runs one streamed invocation of kind against the target
// session. The prompt is recorded against the session (recordAs
// overrides what is recorded when non-empty), bridged with context
// from other agent kinds, and resumed from the stored handle. Context
// overflow resets the conversation and retries once; quota exhaustion
// waits for the reset and retries once.
func (c *Caller) Invoke(ctx context.Context, t Target, kind agent.Kind, prompt, recordAs string, cancelled func() bool) (*agent.Result, error) {
	runner, ok := c.runners[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, kind)
	}
	sess, ok := c.store.Get(t.Chat, t.Session)
	if !ok {
		return nil, fmt.Errorf("%w: chat %s session %s", session.ErrSessionNotFound, t.Chat, t.Session)
	}

	// Count the message first so the threshold check sees this
	// invocation. A successful compaction clears the handle, so the
	// prompt carries the summary forward instead.
	if hit, err := c.store.BumpCount(t.Chat, t.Session, kind); err == nil && hit {
		if summary := c.compact(ctx, t, kind, sess); summary != "" {
			prompt = compactedPrompt(summary, prompt)
		}
		if fresh, ok := c.store.Get(t.Chat, t.Session); ok {
			sess = fresh
		}
	}

	run := prompt
	if bridge := sess.Bridge(kind); bridge != "" {
		run = bridge + bridgeMarker(kind) + prompt
	}

	record := prompt
	if recordAs != "" {
		record = recordAs
	}
	c.store.RecordUse(t.Chat, t.Session, kind, record)

	req := agent.Request{
		Dir:       c.dir(t, sess),
		Prompt:    run,
		Handle:    sess.Handle(kind),
		Chat:      t.Chat,
		Cancelled: cancelled,
	}
	res, err := c.exec(ctx, t, kind, runner, req)
	if err != nil {
		return nil, err
	}

	if res.Overflow {
		res, err = c.retryAfterOverflow(ctx, t, kind, runner, prompt, cancelled)
		if err != nil || res == nil {
			return res, err
		}
	}
	if res.Quota {
		res, err = c.retryAfterQuota(ctx, t, kind, runner, res, cancelled)
	}
	return res, err
}

// exec runs the request and persists any returned handle so the next
// invocation resumes the same conversation.
func (c *Caller) exec(ctx context.Context, t Target, kind agent.Kind, runner agent.Runner, req agent.Request) (*agent.Result, error) {
	res, err := runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Handle != "" {
		c.store.SetHandle(t.Chat, t.Session, kind, res.Handle)
	}
	return res, nil
}

// retryAfterOverflow resets the conversation for kind and reruns the
// prompt once from a fresh handle. The rebuilt bridge carries the
// session summary and recent activity, so the retry is not blind.
func (c *Caller) retryAfterOverflow(ctx context.Context, t Target, kind agent.Kind, runner agent.Runner, prompt string, cancelled func() bool) (*agent.Result, error) {
	c.say(t.Chat, fmt.Sprintf("%s context overflowed. Starting a fresh conversation and retrying.", displayName(kind)))
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventCompaction,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    "loop.caller",
		Data: map[string]any{
			"chat":    t.Chat,
			"session": t.Session,
			"agent":   string(kind),
			"cause":   "overflow",
		},
	})
	c.store.ClearHandle(t.Chat, t.Session, kind)
	c.store.ResetCount(t.Chat, t.Session, kind)

	sess, ok := c.store.Get(t.Chat, t.Session)
	if !ok {
		return nil, fmt.Errorf("%w: chat %s session %s", session.ErrSessionNotFound, t.Chat, t.Session)
	}
	run := prompt
	if bridge := sess.Bridge(kind); bridge != "" {
		run = bridge + bridgeMarker(kind) + prompt
	}
	return c.exec(ctx, t, kind, runner, agent.Request{
		Dir:       c.dir(t, sess),
		Prompt:    run,
		Chat:      t.Chat,
		Cancelled: cancelled,
	})
}

// retryAfterQuota waits out a usage-limit reset and reruns the same
// conversation once. A cancelled wait returns the original result.
func (c *Caller) retryAfterQuota(ctx context.Context, t Target, kind agent.Kind, runner agent.Runner, res *agent.Result, cancelled func() bool) (*agent.Result, error) {
	wait, stamp := quota.ParseResetWait(res.Text+"\n"+res.LastStderr(), time.Now())
	notice := fmt.Sprintf("%s usage limit reached. Waiting %s for the reset.", displayName(kind), wait.Round(time.Minute))
	if stamp != "" {
		notice = fmt.Sprintf("%s usage limit reached (resets %s). Waiting %s.", displayName(kind), stamp, wait.Round(time.Minute))
	}
	c.say(t.Chat, notice)
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventQuotaWait,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    "loop.caller",
		Data: map[string]any{
			"chat":    t.Chat,
			"session": t.Session,
			"agent":   string(kind),
			"wait":    wait.String(),
		},
	})
	if !quota.Wait(ctx, wait, cancelled) {
		return res, nil
	}

	sess, ok := c.store.Get(t.Chat, t.Session)
	if !ok {
		return res, nil
	}
	return c.exec(ctx, t, kind, runner, agent.Request{
		Dir:       c.dir(t, sess),
		Prompt:    "Continue with the previous request.",
		Handle:    sess.Handle(kind),
		Chat:      t.Chat,
		Cancelled: cancelled,
	})
}

// ConsultOptions shapes a Consult call.
type ConsultOptions struct {
	// Resume continues the target session's conversation for this
	// kind, with bridging and prompt recording. False runs stateless.
	Resume bool

	// RecordAs overrides the recorded prompt when resuming.
	RecordAs string

	// Timeout bounds the invocation when positive.
	Timeout time.Duration
}

// Consult runs one silent invocation and returns the result without
// relaying output anywhere. Reviewer and auditor calls go through
// here.
func (c *Caller) Consult(ctx context.Context, t Target, kind agent.Kind, prompt string, opts ConsultOptions) (*agent.Result, error) {
	runner, ok := c.runners[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, kind)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := agent.Request{Dir: t.Dir, Prompt: prompt}
	if opts.Resume {
		sess, ok := c.store.Get(t.Chat, t.Session)
		if !ok {
			return nil, fmt.Errorf("%w: chat %s session %s", session.ErrSessionNotFound, t.Chat, t.Session)
		}
		if hit, err := c.store.BumpCount(t.Chat, t.Session, kind); err == nil && hit {
			if summary := c.compact(ctx, t, kind, sess); summary != "" {
				prompt = compactedPrompt(summary, prompt)
			}
			if fresh, ok := c.store.Get(t.Chat, t.Session); ok {
				sess = fresh
			}
		}
		req.Dir = c.dir(t, sess)
		req.Prompt = prompt
		if bridge := sess.Bridge(kind); bridge != "" {
			req.Prompt = bridge + bridgeMarker(kind) + prompt
		}
		req.Handle = sess.Handle(kind)
		record := prompt
		if opts.RecordAs != "" {
			record = opts.RecordAs
		}
		c.store.RecordUse(t.Chat, t.Session, kind, record)
	}

	res, err := runner.Batch(ctx, req)
	if err != nil {
		return nil, err
	}
	if opts.Resume && res.Handle != "" {
		c.store.SetHandle(t.Chat, t.Session, kind, res.Handle)
	}
	return res, nil
}

// compact asks kind to summarize its own conversation, then resets it
// so the next bridge restores context from the summary. Returns the
// summary, or empty when nothing was reset.
func (c *Caller) compact(ctx context.Context, t Target, kind agent.Kind, sess session.Session) string {
	runner, ok := c.runners[kind]
	if !ok {
		return ""
	}
	handle := sess.Handle(kind)
	if handle == "" {
		// Nothing to summarize yet; just restart the count.
		c.store.ResetCount(t.Chat, t.Session, kind)
		return ""
	}

	res, err := runner.Batch(ctx, agent.Request{
		Dir:    c.dir(t, sess),
		Prompt: summaryPrompt,
		Handle: handle,
	})
	if err != nil || res.Failed() {
		return ""
	}
	summary := strings.TrimSpace(res.Text)
	if len(summary) <= compactionMinBytes {
		return ""
	}

	c.store.SaveSummary(t.Chat, t.Session, summary)
	c.store.ClearHandle(t.Chat, t.Session, kind)
	c.store.ResetCount(t.Chat, t.Session, kind)
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventCompaction,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "loop.caller",
		Data: map[string]any{
			"chat":    t.Chat,
			"session": t.Session,
			"agent":   string(kind),
			"bytes":   len(summary),
		},
	})
	return summary
}

// ResolveQuestions answers any questions the agent surfaced and runs
// the follow-up. Loops run unattended, so plan approvals and
// permission prompts are answered inline rather than parked. Returns
// the combined output text.
func (c *Caller) ResolveQuestions(ctx context.Context, t Target, kind agent.Kind, res *agent.Result, cancelled func() bool) string {
	if res == nil {
		return ""
	}
	if len(res.Questions) == 0 {
		return res.Text
	}

	answer := AutoAnswer(res.Questions)
	c.say(t.Chat, "Auto-answering: "+clip(answer, 200))
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventAnswer,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "loop.caller",
		Data: map[string]any{
			"chat":      t.Chat,
			"session":   t.Session,
			"agent":     string(kind),
			"questions": len(res.Questions),
			"answer":    clip(answer, 200),
		},
	})

	follow, err := c.Invoke(ctx, t, kind, answer, "", cancelled)
	if err != nil || follow == nil || follow.Text == "" {
		return res.Text
	}
	return res.Text + "\n\n[After auto-answer:]\n" + follow.Text
}

// dir resolves the working directory for a run.
func (c *Caller) dir(t Target, sess session.Session) string {
	if sess.Dir != "" {
		return sess.Dir
	}
	return t.Dir
}

// say sends a notice to the chat when one is attached.
func (c *Caller) say(chat, text string) {
	if chat == "" || !c.notifier.Allowed(chat) {
		return
	}
	c.notifier.Send(chat, text)
}

// markLoop updates the durable loop snapshot, when snapshots are wired.
func (c *Caller) markLoop(t Target, info session.LoopInfo) {
	if c.snaps != nil {
		c.snaps.MarkLoopActive(t.Chat+":"+t.Session, info)
	}
}

// clearLoop removes the durable loop snapshot.
func (c *Caller) clearLoop(t Target) {
	if c.snaps != nil {
		c.snaps.MarkLoopDone(t.Chat + ":" + t.Session)
	}
}
