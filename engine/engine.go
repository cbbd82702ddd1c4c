// Package engine composes dispatch, session, agent, and loop into the
// orchestration service: it admits triggers, runs agent invocations
// and autonomous loops in the background, keeps crash snapshots
// current, and reports progress through the notifier and observer.
//
// The engine initializes from configuration via New, creating all
// subsystems internally, and owns all mutable state.
//
//	e, err := engine.New(&cfg, engine.WithNotifier(relay))
//	ack, err := e.Submit(ctx, chat, "", "fix the failing test")
package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/dispatch"
	"github.com/agentloop/engine/loop"
	"github.com/agentloop/engine/notify"
	"github.com/agentloop/engine/observability"
	"github.com/agentloop/engine/session"
	"github.com/agentloop/engine/stream"
)

// kinds lists the supported CLI families in registration order.
var kinds = []agent.Kind{agent.KindClaude, agent.KindCodex, agent.KindGemini}

// Option configures an Engine before its subsystems are wired. New
// applies options ahead of cold start so injected dependencies reach
// every component.
type Option func(*Engine)

// WithNotifier routes all outward notices through n.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithObserver replaces the config-named base observer. The broadcast
// ring and the loop tracker are fanned in regardless.
func WithObserver(o observability.Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.base = o
		}
	}
}

// WithRunner overrides the runner for one agent kind.
func WithRunner(kind agent.Kind, r agent.Runner) Option {
	return func(e *Engine) {
		if r != nil {
			e.overrides[kind] = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.clock = fn
		}
	}
}

// WithMemoryProbe overrides the admission gate's free-memory probe.
func WithMemoryProbe(probe dispatch.MemoryProbe) Option {
	return func(e *Engine) {
		e.probe = probe
	}
}

// loopState is the engine-side record of one active loop. The stop
// flag is the cancellation signal the loop re-reads at every boundary.
type loopState struct {
	mode    loop.Mode
	task    string
	step    int
	phase   loop.Phase
	started time.Time
	cancel  context.CancelFunc
	stop    bool
}

// pendingAsk collects answers for questions an agent raised, one
// question at a time, until the combined reply can be submitted.
type pendingAsk struct {
	session   string
	kind      agent.Kind
	questions []stream.Question
	answers   []string
	idx       int
}

// Engine is the orchestration facade. All state lives here; the
// component packages hold none.
type Engine struct {
	cfg Config

	store     *session.Store
	snaps     *session.Snapshots
	coord     dispatch.Coordinator
	registry  *agent.Registry
	caller    *loop.Caller
	notifier  notify.Notifier
	base      observability.Observer
	observer  observability.Observer
	broadcast *observability.Broadcaster
	clock     func() time.Time
	probe     dispatch.MemoryProbe
	overrides map[agent.Kind]agent.Runner

	mu      sync.Mutex
	loops   map[string]*loopState
	pending map[string]*pendingAsk
	closed  bool

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates an Engine from configuration. Subsystems are initialized
// from their respective config sections; functional options inject the
// notifier, observer, clock, memory probe, and test runners. New also
// replays crash snapshots into recovery notices and starts the
// background janitor.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	merged := DefaultConfig()
	if cfg != nil {
		merged.Merge(cfg)
	}

	e := &Engine{
		cfg:       merged,
		notifier:  notify.Noop{},
		clock:     time.Now,
		overrides: make(map[agent.Kind]agent.Runner),
		loops:     make(map[string]*loopState),
		pending:   make(map[string]*pendingAsk),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.base == nil {
		base, err := observability.GetObserver(merged.Observer)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observer: %w", err)
		}
		e.base = base
	}
	e.broadcast = observability.NewBroadcaster(0)
	e.observer = observability.NewMultiObserver(e.base, e.broadcast, loopTracker{e})

	store, err := session.NewStore(merged.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	e.store = store
	e.snaps = session.NewSnapshots(merged.Session.Dir)

	dopts := []dispatch.Option{dispatch.WithObserver(e.observer)}
	if e.probe != nil {
		dopts = append(dopts, dispatch.WithMemoryProbe(e.probe))
	}
	e.coord = dispatch.New(merged.Dispatch, dopts...)

	e.registry = agent.NewRegistry(
		agent.WithNotifier(e.notifier),
		agent.WithObserver(e.observer),
	)
	runners := make(map[agent.Kind]agent.Runner)
	for _, kind := range kinds {
		kcfg := agent.DefaultConfig(kind)
		if override, ok := merged.Agents[string(kind)]; ok {
			kcfg.Merge(&override)
		}
		if err := e.registry.Register(kind, kcfg); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", kind, err)
		}
		if r, ok := e.overrides[kind]; ok {
			runners[kind] = r
			continue
		}
		r, err := e.registry.Get(kind)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s runner: %w", kind, err)
		}
		runners[kind] = r
	}

	e.caller = loop.NewCaller(runners, store,
		loop.WithNotifier(e.notifier),
		loop.WithObserver(e.observer),
		loop.WithSnapshots(e.snaps),
	)

	e.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventStart,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.New",
		Data: map[string]any{
			"listen":   merged.Listen,
			"agents":   len(runners),
			"data_dir": merged.Session.Dir,
		},
	})

	e.recoverInterrupted(context.Background())

	e.wg.Add(1)
	go e.janitor()

	return e, nil
}

// Registry returns the engine's agent registry.
func (e *Engine) Registry() *agent.Registry {
	return e.registry
}

// Events returns the sequenced event ring feeding live watchers.
func (e *Engine) Events() *observability.Broadcaster {
	return e.broadcast
}

// Close stops background work and flushes persistent state. Active
// loops and runs are not awaited; their snapshots survive for the next
// start's recovery pass.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()

	e.observer.OnEvent(context.Background(), observability.Event{
		Type:      EventShutdown,
		Level:     observability.LevelInfo,
		Timestamp: e.clock(),
		Source:    "engine.Close",
	})
	return e.store.Flush()
}

// janitor periodically flushes debounced session state and samples the
// process footprint for the observer.
func (e *Engine) janitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if err := e.store.Flush(); err != nil {
				e.observer.OnEvent(context.Background(), observability.Event{
					Type:      EventJanitor,
					Level:     observability.LevelWarning,
					Timestamp: e.clock(),
					Source:    "engine.janitor",
					Data:      map[string]any{"flush_error": err.Error()},
				})
				continue
			}
			e.mu.Lock()
			active := len(e.loops)
			e.mu.Unlock()
			e.observer.OnEvent(context.Background(), observability.Event{
				Type:      EventJanitor,
				Level:     observability.LevelVerbose,
				Timestamp: e.clock(),
				Source:    "engine.janitor",
				Data: map[string]any{
					"rss_mb": readRSS(),
					"slots":  e.coord.Active(),
					"loops":  active,
				},
			})
		}
	}
}

// readRSS reports the process resident set size in MB, zero when
// /proc/self/status is unavailable.
func readRSS() int {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// recoverInterrupted replays crash snapshots into one notice per
// affected chat, then forgets them. The snapshot store deletes before
// parsing, so a second start reports nothing.
func (e *Engine) recoverInterrupted(ctx context.Context) {
	runs, err := e.snaps.RecoverRuns()
	if err != nil {
		e.warn(ctx, "engine.recover", "run snapshot recovery failed", err)
	}
	for chat, infos := range runs {
		var b strings.Builder
		b.WriteString("Restarted after an interruption. These runs were cut off:\n")
		for _, info := range infos {
			fmt.Fprintf(&b, "- %s: %s (started %s)\n",
				e.sessionLabel(chat, info.Session), info.Prompt,
				info.Started.Format("Jan 2 15:04"))
		}
		b.WriteString("Sessions preserved. Send a message to continue.")
		e.say(chat, b.String())
	}

	loops, err := e.snaps.RecoverLoops()
	if err != nil {
		e.warn(ctx, "engine.recover", "loop snapshot recovery failed", err)
	}
	for chat, infos := range loops {
		var b strings.Builder
		b.WriteString("Restarted after an interruption. These loops were cut off:\n")
		for _, info := range infos {
			fmt.Fprintf(&b, "- %s: %s step %d (%s): %s\n",
				e.sessionLabel(chat, info.Session), info.Mode, info.Step,
				info.Phase, info.Task)
		}
		b.WriteString("Sessions preserved. Start the loop again or continue manually.")
		e.say(chat, b.String())
	}

	if len(runs) > 0 || len(loops) > 0 {
		e.observer.OnEvent(ctx, observability.Event{
			Type:      EventRecovered,
			Level:     observability.LevelInfo,
			Timestamp: e.clock(),
			Source:    "engine.recover",
			Data: map[string]any{
				"run_chats":  len(runs),
				"loop_chats": len(loops),
			},
		})
	}
}

// resolve finds the target session: the given id, or the chat's active
// session when id is empty.
func (e *Engine) resolve(chat, id string) (session.Session, error) {
	if id == "" {
		sess, ok := e.store.Active(chat)
		if !ok {
			return session.Session{}, fmt.Errorf("%w: chat %s has no active session", ErrNoSession, chat)
		}
		return sess, nil
	}
	sess, ok := e.store.Get(chat, id)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return sess, nil
}

// sessionLabel renders a session id as its display name when the
// session still exists.
func (e *Engine) sessionLabel(chat, id string) string {
	if sess, ok := e.store.Get(chat, id); ok {
		return sess.Name
	}
	return id
}

// say sends a notice to the chat, best effort.
func (e *Engine) say(chat, text string) {
	if chat == "" || !e.notifier.Allowed(chat) {
		return
	}
	e.notifier.Send(chat, text)
}

func (e *Engine) warn(ctx context.Context, source, msg string, err error) {
	e.observer.OnEvent(ctx, observability.Event{
		Type:      EventError,
		Level:     observability.LevelWarning,
		Timestamp: e.clock(),
		Source:    source,
		Data:      map[string]any{"message": msg, "error": err.Error()},
	})
}

func slotKey(chat, id string) string {
	return chat + ":" + id
}
