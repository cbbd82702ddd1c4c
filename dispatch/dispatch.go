// Package dispatch serializes agent invocations per session. Each
// session owns one execution slot; a trigger either occupies the slot,
// parks in the session's FIFO queue, or is rejected by the memory
// admission gate. Completions drain the queue head under the
// coordinator's lock while the actual dispatch happens outside it.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/agentloop/engine/observability"
)

// Status classifies what happened to a trigger.
type Status int

const (
	// Started means the trigger occupied the slot and should run now.
	Started Status = iota
	// Queued means the slot was busy and the trigger was parked.
	Queued
	// Rejected means the memory gate refused to start a new process.
	Rejected
	// Idle means the slot was freed with nothing left to run.
	Idle
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	case Idle:
		return "idle"
	}
	return "unknown"
}

// Outcome reports the disposition of an Admit or Release call.
type Outcome struct {
	Status Status

	// Payload is the trigger text to run when Status is Started.
	Payload string

	// Position is the 1-based queue position when Status is Queued.
	Position int

	// FreeMB and Active describe the rejection when Status is Rejected.
	FreeMB int
	Active int
}

// Coordinator is the per-session concurrency gate.
type Coordinator interface {
	// Admit offers a trigger for a session. The check-and-occupy is a
	// single atomic region: callers act on the returned Outcome without
	// further coordination.
	Admit(ctx context.Context, session, payload string) Outcome

	// Release frees a session's slot after a run finishes. If queued
	// triggers remain and admission passes, the head re-occupies the
	// slot and is returned for the caller to dispatch.
	Release(ctx context.Context, session string) Outcome

	// Bind registers the abort hook for the session's running
	// invocation. If the session was cancelled before Bind, the hook
	// fires immediately.
	Bind(session string, abort func())

	// Cancel flags the session's running invocation as cancelled and
	// fires its abort hook. Reports false when nothing is running.
	Cancel(ctx context.Context, session string) bool

	// Cancelled reports whether the session's running invocation has
	// been cancelled. Cleared on Release.
	Cancelled(session string) bool

	// Busy reports whether the session's slot is occupied.
	Busy(session string) bool

	// Active returns the number of occupied slots.
	Active() int

	// QueueLen returns the number of parked triggers for a session.
	QueueLen(session string) int

	// Metrics returns a snapshot of the coordinator's counters.
	Metrics() MetricsSnapshot
}

type slot struct {
	running  bool
	abort    func()
	pending  fifo[string]
	occupied time.Time
}

type coordinator struct {
	mu        sync.Mutex
	cfg       Config
	slots     map[string]*slot
	cancelled map[string]bool

	probe    MemoryProbe
	observer observability.Observer
	metrics  *Metrics
}

// Option configures a Coordinator.
type Option func(*coordinator)

// WithObserver sets the observer receiving coordinator events.
func WithObserver(observer observability.Observer) Option {
	return func(c *coordinator) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithMemoryProbe replaces the /proc/meminfo probe.
func WithMemoryProbe(probe MemoryProbe) Option {
	return func(c *coordinator) {
		if probe != nil {
			c.probe = probe
		}
	}
}

// New creates a Coordinator with the given configuration.
func New(cfg Config, opts ...Option) Coordinator {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	c := &coordinator{
		cfg:       merged,
		slots:     make(map[string]*slot),
		cancelled: make(map[string]bool),
		probe:     AvailableMB,
		observer:  observability.NoOpObserver{},
		metrics:   NewMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *coordinator) Admit(ctx context.Context, session, payload string) Outcome {
	c.mu.Lock()

	sl := c.slots[session]
	if sl == nil {
		sl = &slot{}
		c.slots[session] = sl
	}

	if sl.running {
		pos := sl.pending.push(payload)
		c.mu.Unlock()

		c.metrics.RecordQueued(1)
		c.observer.OnEvent(ctx, observability.Event{
			Type:      EventQueued,
			Level:     observability.LevelInfo,
			Timestamp: time.Now(),
			Source:    "dispatch.Admit",
			Data: map[string]any{
				"session":  session,
				"position": pos,
			},
		})
		return Outcome{Status: Queued, Position: pos}
	}

	if free, ok := c.admitLocked(); !ok {
		active := c.activeLocked()
		if sl.pending.len() == 0 {
			delete(c.slots, session)
		}
		c.mu.Unlock()

		c.rejected(ctx, "dispatch.Admit", session, free, active)
		return Outcome{Status: Rejected, FreeMB: free, Active: active}
	}

	sl.running = true
	sl.occupied = time.Now()
	c.mu.Unlock()

	c.metrics.RecordStarted(1)
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventSlotOccupied,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "dispatch.Admit",
		Data:      map[string]any{"session": session},
	})
	return Outcome{Status: Started, Payload: payload}
}

func (c *coordinator) Release(ctx context.Context, session string) Outcome {
	c.mu.Lock()

	sl := c.slots[session]
	if sl == nil || !sl.running {
		c.mu.Unlock()
		return Outcome{Status: Idle}
	}

	sl.running = false
	sl.abort = nil
	delete(c.cancelled, session)

	next, ok := sl.pending.peek()
	if !ok {
		delete(c.slots, session)
		c.mu.Unlock()

		c.observer.OnEvent(ctx, observability.Event{
			Type:      EventSlotFreed,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "dispatch.Release",
			Data:      map[string]any{"session": session},
		})
		return Outcome{Status: Idle}
	}

	// Queue drains pass the same admission gate as fresh triggers. On
	// rejection the head stays parked and the slot stays free.
	if free, admitted := c.admitLocked(); !admitted {
		active := c.activeLocked()
		c.mu.Unlock()

		c.rejected(ctx, "dispatch.Release", session, free, active)
		return Outcome{Status: Rejected, FreeMB: free, Active: active}
	}

	sl.pending.pop()
	sl.running = true
	sl.occupied = time.Now()
	remaining := sl.pending.len()
	c.mu.Unlock()

	c.metrics.RecordDrained(1)
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventDrained,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "dispatch.Release",
		Data: map[string]any{
			"session": session,
			"pending": remaining,
		},
	})
	return Outcome{Status: Started, Payload: next}
}

func (c *coordinator) Bind(session string, abort func()) {
	c.mu.Lock()
	sl := c.slots[session]
	if sl == nil || !sl.running {
		c.mu.Unlock()
		return
	}
	if c.cancelled[session] {
		c.mu.Unlock()
		if abort != nil {
			abort()
		}
		return
	}
	sl.abort = abort
	c.mu.Unlock()
}

func (c *coordinator) Cancel(ctx context.Context, session string) bool {
	c.mu.Lock()
	sl := c.slots[session]
	if sl == nil || !sl.running {
		c.mu.Unlock()
		return false
	}
	c.cancelled[session] = true
	abort := sl.abort
	c.mu.Unlock()

	if abort != nil {
		abort()
	}

	c.metrics.RecordCancelled(1)
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventCancelled,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    "dispatch.Cancel",
		Data:      map[string]any{"session": session},
	})
	return true
}

func (c *coordinator) Cancelled(session string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[session]
}

func (c *coordinator) Busy(session string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sl := c.slots[session]
	return sl != nil && sl.running
}

func (c *coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *coordinator) QueueLen(session string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sl := c.slots[session]
	if sl == nil {
		return 0
	}
	return sl.pending.len()
}

func (c *coordinator) Metrics() MetricsSnapshot {
	snap := c.metrics.Snapshot()
	snap.Active = int64(c.Active())
	return snap
}

// admitLocked runs the memory gate, with c.mu held.
func (c *coordinator) admitLocked() (int, bool) {
	free := c.probe()
	return free, free >= c.cfg.MinFreeMB
}

func (c *coordinator) activeLocked() int {
	active := 0
	for _, sl := range c.slots {
		if sl.running {
			active++
		}
	}
	return active
}

func (c *coordinator) rejected(ctx context.Context, source, session string, free, active int) {
	c.metrics.RecordRejected(1)
	c.observer.OnEvent(ctx, observability.Event{
		Type:      EventRejected,
		Level:     observability.LevelWarning,
		Timestamp: time.Now(),
		Source:    source,
		Data: map[string]any{
			"session": session,
			"free_mb": free,
			"active":  active,
		},
	})
}
