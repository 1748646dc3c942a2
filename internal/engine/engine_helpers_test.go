package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/events"
	"github.com/dipeo/engine/internal/services"
)

func testNode(id string, typ diagram.NodeType, props map[string]any) diagram.Node {
	return diagram.Node{ID: id, Type: string(typ), Properties: props}
}

func testArrow(source, target string) diagram.Arrow {
	return diagram.Arrow{Source: source, Target: target}
}

func branchArrow(source, target, branch string) diagram.Arrow {
	return diagram.Arrow{Source: source, Target: target, Branch: branch}
}

// registryWith returns the builtin registry with the given definitions
// registered on top (test registries allow replacement, so a stub can stand
// in for a builtin type).
func registryWith(t *testing.T, defs ...Definition) *HandlerRegistry {
	t.Helper()
	reg, err := NewDefaultRegistry(services.EnvTest)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Type, err)
		}
	}
	return reg
}

func servicesWith(t *testing.T, bindings map[string]any) *services.Registry {
	t.Helper()
	reg := services.NewRegistry(services.EnvTest)
	for k, v := range bindings {
		if err := reg.Register(k, v); err != nil {
			t.Fatalf("bind service %s: %v", k, err)
		}
	}
	return reg
}

func testCoordinator(reg *HandlerRegistry, svc *services.Registry) *Coordinator {
	return &Coordinator{Handlers: reg, Services: svc, Log: zerolog.Nop()}
}

// tempFS returns an OS filesystem rooted in a per-test directory.
func tempFS(t *testing.T) *services.OSFileSystem {
	t.Helper()
	fs, err := services.NewOSFileSystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewOSFileSystem: %v", err)
	}
	return fs
}

// runToCompletion executes the diagram and returns every event up to and
// including the terminal one.
func runToCompletion(t *testing.T, c *Coordinator, d *diagram.Diagram, opts Options) []events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ch, err := c.Execute(ctx, d, opts, "exec-test")
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	return drainEvents(t, ch)
}

func drainEvents(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func eventsOfType(evs []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func completionsOf(evs []events.Event, nodeID string) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == events.NodeComplete && ev.NodeID == nodeID {
			out = append(out, ev)
		}
	}
	return out
}

// eventIndex returns the position of the first event matching type and node,
// or -1.
func eventIndex(evs []events.Event, typ events.Type, nodeID string) int {
	for i, ev := range evs {
		if ev.Type == typ && ev.NodeID == nodeID {
			return i
		}
	}
	return -1
}

func terminalOf(t *testing.T, evs []events.Event) events.Event {
	t.Helper()
	if len(evs) == 0 {
		t.Fatal("no events emitted")
	}
	last := evs[len(evs)-1]
	if !last.Terminal() {
		t.Fatalf("last event is %s, want a terminal event", last.Type)
	}
	return last
}

func assertNoNodeStart(t *testing.T, evs []events.Event, nodeID string) {
	t.Helper()
	if i := eventIndex(evs, events.NodeStart, nodeID); i >= 0 {
		t.Fatalf("node %s started (event %d), want never started", nodeID, i)
	}
}

// checkStreamShape enforces the event-stream invariants every run must
// satisfy: execution_start first, exactly one terminal event last, a shared
// execution id, and per-node start/finish alternation.
func checkStreamShape(t *testing.T, evs []events.Event) {
	t.Helper()
	if len(evs) == 0 {
		t.Fatal("no events emitted")
	}
	if evs[0].Type != events.ExecutionStart {
		t.Fatalf("first event: got %s, want %s", evs[0].Type, events.ExecutionStart)
	}
	execID := evs[0].ExecutionID
	if execID == "" {
		t.Fatal("execution id is empty")
	}
	terminals := 0
	pending := map[string]bool{}
	for i, ev := range evs {
		if ev.ExecutionID != execID {
			t.Fatalf("event %d has execution id %q, want %q", i, ev.ExecutionID, execID)
		}
		if ev.Terminal() {
			terminals++
			if i != len(evs)-1 {
				t.Fatalf("terminal event %s at index %d is not last of %d", ev.Type, i, len(evs))
			}
		}
		switch ev.Type {
		case events.NodeStart:
			if pending[ev.NodeID] {
				t.Fatalf("node %s started twice without finishing (event %d)", ev.NodeID, i)
			}
			pending[ev.NodeID] = true
		case events.NodeComplete, events.NodeError:
			if !pending[ev.NodeID] {
				t.Fatalf("node %s finished without a start (event %d)", ev.NodeID, i)
			}
			pending[ev.NodeID] = false
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events: got %d, want 1", terminals)
	}
	for id, open := range pending {
		if open {
			t.Fatalf("node %s started but never finished", id)
		}
	}
}
