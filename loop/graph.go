package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/agentloop/engine/observability"
)

// Node is one phase handler: it performs the phase's work and returns
// the advanced loop state.
type Node[S any] func(ctx context.Context, state S) (S, error)

// Predicate gates an edge. A nil predicate always matches.
type Predicate[S any] func(state S) bool

type edge[S any] struct {
	from, to  string
	predicate Predicate[S]
}

// Graph drives a loop as a directed graph of phase nodes. Nodes do the
// work, edges route the typed state to the next phase, and exit points
// end the run. After each node the first matching outgoing edge is
// taken, so edge order is significant.
//
// Loop graphs are cyclic; a revisit is reported at verbose level,
// not treated as a fault. The ceiling bounds total node executions
// so a miswired graph cannot spin forever.
type Graph[S any] struct {
	name     string
	nodes    map[string]Node[S]
	edges    map[string][]edge[S]
	entry    string
	exits    map[string]bool
	ceiling  int
	observer observability.Observer
}

// defaultCeiling backstops graphs built without an explicit bound.
const defaultCeiling = 256

// NewGraph creates an empty graph. The ceiling bounds total node
// executions; values below 1 fall back to a generous default.
func NewGraph[S any](name string, ceiling int, observer observability.Observer) *Graph[S] {
	if ceiling < 1 {
		ceiling = defaultCeiling
	}
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Graph[S]{
		name:     name,
		nodes:    make(map[string]Node[S]),
		edges:    make(map[string][]edge[S]),
		exits:    make(map[string]bool),
		ceiling:  ceiling,
		observer: observer,
	}
}

// AddNode registers a phase handler. Node names must be unique.
func (g *Graph[S]) AddNode(name string, node Node[S]) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if node == nil {
		return fmt.Errorf("node %s cannot be nil", name)
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("node %s already exists", name)
	}
	g.nodes[name] = node
	return nil
}

// AddEdge creates a transition between two registered nodes. The
// predicate may be nil for an unconditional transition; multiple
// edges from the same node are evaluated in insertion order.
func (g *Graph[S]) AddEdge(from, to string, predicate Predicate[S]) error {
	if _, exists := g.nodes[from]; !exists {
		return fmt.Errorf("from node %s does not exist", from)
	}
	if _, exists := g.nodes[to]; !exists {
		return fmt.Errorf("to node %s does not exist", to)
	}
	g.edges[from] = append(g.edges[from], edge[S]{from: from, to: to, predicate: predicate})
	return nil
}

// SetEntry defines the starting node. Only one entry is allowed.
func (g *Graph[S]) SetEntry(node string) error {
	if g.entry != "" {
		return fmt.Errorf("entry point already set to %s", g.entry)
	}
	if _, exists := g.nodes[node]; !exists {
		return fmt.Errorf("entry point node %s does not exist", node)
	}
	g.entry = node
	return nil
}

// SetExit marks a terminal node. Call repeatedly for multiple exits.
func (g *Graph[S]) SetExit(node string) error {
	if _, exists := g.nodes[node]; !exists {
		return fmt.Errorf("exit point node %s does not exist", node)
	}
	g.exits[node] = true
	return nil
}

// Validate checks the graph for structural mistakes: no nodes, a
// missing entry point, or no exit points. Run calls this internally.
func (g *Graph[S]) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if g.entry == "" {
		return fmt.Errorf("entry point not set")
	}
	if len(g.exits) == 0 {
		return fmt.Errorf("no exit points set")
	}
	return nil
}

// Run executes the graph from its entry point with the initial state
// and returns the state from the exit point. A node error stops the
// run and is wrapped in an ExecutionError carrying the phase, the
// execution count, and the path taken.
func (g *Graph[S]) Run(ctx context.Context, initial S) (S, error) {
	state := initial
	if err := g.Validate(); err != nil {
		return state, fmt.Errorf("graph validation failed: %w", err)
	}

	g.observer.OnEvent(ctx, observability.Event{
		Type:      EventStart,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    g.name,
		Data: map[string]any{
			"entry":   g.entry,
			"ceiling": g.ceiling,
		},
	})

	current := g.entry
	executed := 0
	visited := make(map[string]int)
	var path []string

	for {
		if err := ctx.Err(); err != nil {
			return state, &ExecutionError{
				Phase: current,
				Step:  executed,
				Path:  path,
				Err:   fmt.Errorf("execution cancelled: %w", err),
			}
		}

		executed++
		if executed > g.ceiling {
			return state, &ExecutionError{
				Phase: current,
				Step:  executed,
				Path:  path,
				Err:   fmt.Errorf("ceiling (%d) exceeded", g.ceiling),
			}
		}

		visited[current]++
		path = append(path, current)

		if visited[current] > 1 {
			g.observer.OnEvent(ctx, observability.Event{
				Type:      EventPhaseRevisit,
				Level:     observability.LevelVerbose,
				Timestamp: time.Now(),
				Source:    g.name,
				Data: map[string]any{
					"phase":  current,
					"visits": visited[current],
				},
			})
		}

		g.observer.OnEvent(ctx, observability.Event{
			Type:      EventPhaseStart,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    g.name,
			Data: map[string]any{
				"phase":    current,
				"executed": executed,
			},
		})

		next, err := g.nodes[current](ctx, state)

		g.observer.OnEvent(ctx, observability.Event{
			Type:      EventPhaseComplete,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    g.name,
			Data: map[string]any{
				"phase":    current,
				"executed": executed,
				"error":    err != nil,
			},
		})

		if err != nil {
			return state, &ExecutionError{
				Phase: current,
				Step:  executed,
				Path:  path,
				Err:   err,
			}
		}
		state = next

		if g.exits[current] {
			g.observer.OnEvent(ctx, observability.Event{
				Type:      EventComplete,
				Level:     observability.LevelInfo,
				Timestamp: time.Now(),
				Source:    g.name,
				Data: map[string]any{
					"exit":     current,
					"executed": executed,
					"path":     len(path),
				},
			})
			return state, nil
		}

		edges, ok := g.edges[current]
		if !ok {
			return state, &ExecutionError{
				Phase: current,
				Step:  executed,
				Path:  path,
				Err:   fmt.Errorf("node %s has no outgoing edges and is not an exit point", current),
			}
		}

		nextNode := ""
		for _, e := range edges {
			if e.predicate == nil || e.predicate(state) {
				nextNode = e.to
				break
			}
		}
		if nextNode == "" {
			return state, &ExecutionError{
				Phase: current,
				Step:  executed,
				Path:  path,
				Err:   fmt.Errorf("no valid transition from node %s", current),
			}
		}
		current = nextNode
	}
}
