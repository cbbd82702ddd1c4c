package agent_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/agentloop/engine/agent"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := agent.NewRegistry()

	if err := r.Register(agent.KindClaude, agent.Config{Model: "opus"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	runner, err := r.Get(agent.KindClaude)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if runner == nil {
		t.Fatal("Get returned nil runner")
	}
	if runner.Kind() != agent.KindClaude {
		t.Errorf("got kind %q, want claude", runner.Kind())
	}

	// Second Get returns the same cached instance
	runner2, err := r.Get(agent.KindClaude)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if runner != runner2 {
		t.Error("cached runner mismatch: got a new instance")
	}
}

func TestRegistry_RegisterUnknownKind(t *testing.T) {
	r := agent.NewRegistry()

	err := r.Register(agent.Kind("copilot"), agent.Config{})
	if !errors.Is(err, agent.ErrUnknownKind) {
		t.Errorf("got %v, want ErrUnknownKind", err)
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := agent.NewRegistry()

	if err := r.Register(agent.KindCodex, agent.Config{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := r.Register(agent.KindCodex, agent.Config{})
	if !errors.Is(err, agent.ErrKindRegistered) {
		t.Errorf("got %v, want ErrKindRegistered", err)
	}
}

func TestRegistry_GetNotRegistered(t *testing.T) {
	r := agent.NewRegistry()

	_, err := r.Get(agent.KindGemini)
	if !errors.Is(err, agent.ErrKindNotRegistered) {
		t.Errorf("got %v, want ErrKindNotRegistered", err)
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := agent.NewRegistry()

	if err := r.Register(agent.KindClaude, agent.Config{Model: "opus"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Get to populate the cache
	runner1, err := r.Get(agent.KindClaude)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := r.Replace(agent.KindClaude, agent.Config{Model: "sonnet"}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	// Get should re-instantiate
	runner2, err := r.Get(agent.KindClaude)
	if err != nil {
		t.Fatalf("Get after Replace failed: %v", err)
	}
	if runner1 == runner2 {
		t.Error("expected new runner instance after Replace, got cached one")
	}
}

func TestRegistry_ReplaceNotRegistered(t *testing.T) {
	r := agent.NewRegistry()

	err := r.Replace(agent.KindClaude, agent.Config{})
	if !errors.Is(err, agent.ErrKindNotRegistered) {
		t.Errorf("got %v, want ErrKindNotRegistered", err)
	}
}

func TestRegistry_List(t *testing.T) {
	r := agent.NewRegistry()

	r.Register(agent.KindGemini, agent.Config{})
	r.Register(agent.KindClaude, agent.Config{})

	kinds := r.List()
	if len(kinds) != 2 {
		t.Fatalf("got %d entries, want 2", len(kinds))
	}

	// Stable order regardless of registration order
	if kinds[0] != agent.KindClaude {
		t.Errorf("got first kind %q, want claude", kinds[0])
	}
	if kinds[1] != agent.KindGemini {
		t.Errorf("got second kind %q, want gemini", kinds[1])
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := agent.NewRegistry()
	for _, kind := range agent.Kinds() {
		if err := r.Register(kind, agent.Config{}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, kind := range agent.Kinds() {
			wg.Add(1)
			go func(k agent.Kind) {
				defer wg.Done()
				if _, err := r.Get(k); err != nil {
					t.Errorf("Get(%s) failed: %v", k, err)
				}
			}(kind)
		}
	}
	wg.Wait()
}
