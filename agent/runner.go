package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentloop/engine/notify"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/quota"
	"github.com/agentloop/engine/stream"
)

// runner implements Runner for one CLI family.
type runner struct {
	kind     Kind
	cfg      Config
	notifier notify.Notifier
	observer observability.Observer
}

// Option configures a Runner.
type Option func(*runner)

// WithNotifier routes outward progress through n.
func WithNotifier(n notify.Notifier) Option {
	return func(r *runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithObserver attaches an observer for run lifecycle events.
func WithObserver(o observability.Observer) Option {
	return func(r *runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// New creates a Runner for kind. A nil cfg uses defaults.
func New(kind Kind, cfg *Config, opts ...Option) (Runner, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}

	merged := DefaultConfig(kind)
	if cfg != nil {
		merged.Merge(cfg)
	}

	r := &runner{
		kind:     kind,
		cfg:      merged,
		notifier: notify.Noop{},
		observer: observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *runner) Kind() Kind {
	return r.kind
}

func (r *runner) Run(ctx context.Context, req Request) (*Result, error) {
	return r.run(ctx, req, false)
}

func (r *runner) Batch(ctx context.Context, req Request) (*Result, error) {
	return r.run(ctx, req, true)
}

func (r *runner) run(ctx context.Context, req Request, batch bool) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	notifier := r.notifier
	if batch || req.Chat == "" {
		notifier = notify.Noop{}
	}
	rel := newRelay(notifier, req.Chat, req.Placeholder, r.cfg.Relay)

	res := &Result{Handle: req.Handle, ExitCode: -1}

	r.observer.OnEvent(ctx, observability.Event{
		Type:      EventRunStart,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "agent.Run",
		Data: map[string]any{
			"kind":          string(r.kind),
			"dir":           req.Dir,
			"resume":        req.Handle != "",
			"batch":         batch,
			"prompt_length": len(req.Prompt),
		},
	})

	proc, err := startProcess(buildArgs(r.kind, &r.cfg, &req), req.Dir, r.cfg.StderrLines, r.cfg.StderrLineLimit)
	if err != nil {
		if errors.Is(err, ErrBinaryNotFound) {
			res.Failure = fmt.Sprintf("%s CLI not found", r.kind)
			rel.finish(res)
			return res, nil
		}
		return nil, err
	}

	acc := stream.NewAccumulator(r.cfg.Stream)
	interp := stream.NewInterpreter(r.kind.Dialect(), acc, rel)

	// The staleness watchdog guards every batch call; for streaming
	// runs only gemini needs it, the other CLIs terminate on their own.
	stop := make(chan struct{})
	defer close(stop)
	if batch || r.kind == KindGemini {
		go proc.watchdog(r.cfg.IdleTimeout, r.cfg.IdleCheck, r.cfg.KillGrace, stop)
	}
	go r.watchCancel(ctx, req.Cancelled, proc, stop)

	readErr := proc.forEachLine(func(line string) bool {
		interp.Feed(line)
		return true
	})
	res.ExitCode = proc.wait()

	res.Stderr = proc.stderrLines()
	res.TimedOut = proc.timedOut.Load()
	res.Cancelled = proc.killed.Load() && !res.TimedOut

	res.Text = acc.Text()
	res.Questions = acc.Questions()
	res.Ops = acc.Ops()
	res.Errors = acc.StreamErrors()
	if h := acc.Handle(); h != "" {
		res.Handle = h
	}

	if r.kind == KindClaude && len(res.Questions) == 0 && permissionRequested(res.Text) {
		res.Questions = append(res.Questions, stream.PermissionQuestion())
	}

	res.Overflow = overflowText(res.Text)
	r.markQuota(ctx, res)

	switch {
	case res.Cancelled || res.Failed():
	case readErr != nil:
		res.Failure = clip(readErr.Error(), 200)
	case res.TimedOut:
		res.Failure = fmt.Sprintf("timed out (no output for %d min)", int(r.cfg.IdleTimeout.Minutes()))
	case r.kind == KindGemini && res.ExitCode != 0:
		hint := ""
		if last := res.LastStderr(); last != "" {
			hint = ": " + clip(last, 150)
		}
		res.Failure = fmt.Sprintf("exited with code %d%s", res.ExitCode, hint)
	}

	rel.finish(res)

	if proc.killed.Load() {
		r.observer.OnEvent(ctx, observability.Event{
			Type:      EventRunKilled,
			Level:     observability.LevelWarning,
			Timestamp: time.Now(),
			Source:    "agent.Run",
			Data: map[string]any{
				"kind":      string(r.kind),
				"timed_out": res.TimedOut,
			},
		})
	}
	r.observer.OnEvent(ctx, observability.Event{
		Type:      EventRunComplete,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "agent.Run",
		Data: map[string]any{
			"kind":          string(r.kind),
			"exit_code":     res.ExitCode,
			"output_length": len(res.Text),
			"questions":     len(res.Questions),
			"cancelled":     res.Cancelled,
			"overflow":      res.Overflow,
			"quota":         res.Quota,
		},
	})

	return res, nil
}

// watchCancel kills the process group when the context ends or the
// cancellation poll trips. A context deadline counts as a timeout,
// explicit cancellation does not.
func (r *runner) watchCancel(ctx context.Context, cancelled func() bool, proc *process, stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-proc.exited:
			return
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				proc.killOnTimeout(r.cfg.KillGrace)
			} else {
				proc.kill(r.cfg.KillGrace)
			}
			return
		case <-ticker.C:
			if cancelled != nil && cancelled() {
				proc.kill(r.cfg.KillGrace)
				return
			}
		}
	}
}

func (r *runner) markQuota(ctx context.Context, res *Result) {
	switch {
	case quota.Detect(res.Text):
		res.Quota = true
		res.Evidence = res.Text
	default:
		tail := strings.Join(res.Stderr, "\n")
		if tail == "" || !quota.Detect(tail) {
			return
		}
		res.Quota = true
		res.Evidence = tail
	}

	r.observer.OnEvent(ctx, observability.Event{
		Type:      EventQuotaHit,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    "agent.Run",
		Data:      map[string]any{"kind": string(r.kind)},
	})
}

// Context-overflow vocabulary across the CLI families.
func overflowText(s string) bool {
	l := strings.ToLower(s)
	return strings.Contains(l, "prompt is too long") ||
		strings.Contains(l, "context length") ||
		strings.Contains(l, "too much media")
}

// Phrases indicating the agent is waiting on file permissions instead
// of asking through the question channel.
var permissionHints = []string{
	"need permission",
	"permission to write",
	"permission to edit",
	"permission to create",
	"please grant permission",
	"waiting for permission",
	"requires permission",
	"need to wait for permission",
	"grant me permission",
	"allow me to",
}

func permissionRequested(text string) bool {
	l := strings.ToLower(text)
	for _, hint := range permissionHints {
		if strings.Contains(l, hint) {
			return true
		}
	}
	return false
}
