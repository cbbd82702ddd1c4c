package engine

import (
	"context"

	"github.com/agentloop/engine/loop"
	"github.com/agentloop/engine/observability"
)

// Engine event types emitted around the orchestration surface.
const (
	EventStart      observability.EventType = "engine.start"
	EventShutdown   observability.EventType = "engine.shutdown"
	EventRecovered  observability.EventType = "engine.recovered"
	EventSubmit     observability.EventType = "engine.submit"
	EventRunDone    observability.EventType = "engine.run.done"
	EventQueueDrain observability.EventType = "engine.queue.drain"
	EventLoopStart  observability.EventType = "engine.loop.start"
	EventLoopDone   observability.EventType = "engine.loop.done"
	EventAnswer     observability.EventType = "engine.answer"
	EventJanitor    observability.EventType = "engine.janitor"
	EventPanic      observability.EventType = "engine.panic"
	EventError      observability.EventType = "engine.error"
)

// loopTracker mirrors loop step events into the engine's loop table so
// Status can report progress without reaching into loop internals.
type loopTracker struct {
	e *Engine
}

func (t loopTracker) OnEvent(_ context.Context, event observability.Event) {
	if event.Type != loop.EventStepStart {
		return
	}
	chat, _ := event.Data["chat"].(string)
	id, _ := event.Data["session"].(string)
	step, _ := event.Data["step"].(int)
	phase, _ := event.Data["phase"].(string)
	if chat == "" || id == "" {
		return
	}

	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	if ls, ok := t.e.loops[slotKey(chat, id)]; ok {
		ls.step = step
		ls.phase = loop.Phase(phase)
	}
}
