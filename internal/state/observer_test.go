package state

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/events"
	"github.com/dipeo/engine/internal/runtime"
)

func observerWithStore(t *testing.T) (*Observer, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	obs := NewObserver(store, "d1", map[string]any{"topic": "go"}, zerolog.Nop())
	if err := obs.OnExecutionStart(events.NewExecutionStart("e1")); err != nil {
		t.Fatalf("OnExecutionStart: %v", err)
	}
	return obs, store
}

func TestObserver_MirrorsLifecycleIntoStore(t *testing.T) {
	obs, store := observerWithStore(t)
	ctx := context.Background()

	st, err := store.GetState(ctx, "e1")
	if err != nil {
		t.Fatalf("GetState after start: %v", err)
	}
	if st.Status != RunRunning || st.DiagramID != "d1" || st.Variables["topic"] != "go" {
		t.Fatalf("created state = %+v", st)
	}

	if err := obs.OnNodeStart(events.NewNodeStart("e1", "n1", "code_job")); err != nil {
		t.Fatalf("OnNodeStart: %v", err)
	}
	st, _ = store.GetState(ctx, "e1")
	if st.Nodes["n1"].Status != runtime.StatusRunning {
		t.Fatalf("node status after start = %q", st.Nodes["n1"].Status)
	}

	out := runtime.NewOutput("done")
	out.SetTokens(runtime.TokenUsage{Input: 2, Output: 1, Total: 3})
	if err := obs.OnNodeComplete(events.NewNodeComplete("e1", "n1", "code_job", out)); err != nil {
		t.Fatalf("OnNodeComplete: %v", err)
	}
	st, _ = store.GetState(ctx, "e1")
	if st.Nodes["n1"].Status != runtime.StatusCompleted {
		t.Fatalf("node status after complete = %q", st.Nodes["n1"].Status)
	}
	if st.Tokens.Total != 3 {
		t.Fatalf("tokens = %+v", st.Tokens)
	}

	if err := obs.OnExecutionComplete(events.NewExecutionComplete("e1", events.RunCompleted)); err != nil {
		t.Fatalf("OnExecutionComplete: %v", err)
	}
	st, _ = store.GetState(ctx, "e1")
	if st.Status != RunCompleted || st.EndedAt == nil {
		t.Fatalf("final state = %+v", st)
	}
}

func TestObserver_NodeCompleteKeepsOutputStatus(t *testing.T) {
	obs, store := observerWithStore(t)

	out := runtime.NewOutput(nil)
	out.Metadata[runtime.MetaStatus] = string(runtime.StatusSkipped)
	if err := obs.OnNodeComplete(events.NewNodeComplete("e1", "n1", "person_job", out)); err != nil {
		t.Fatalf("OnNodeComplete: %v", err)
	}

	st, _ := store.GetState(context.Background(), "e1")
	if st.Nodes["n1"].Status != runtime.StatusSkipped {
		t.Fatalf("node status = %q, want %q", st.Nodes["n1"].Status, runtime.StatusSkipped)
	}
}

func TestObserver_CancelledErrorBecomesCancelledStatus(t *testing.T) {
	obs, store := observerWithStore(t)

	ev := events.NewNodeError("e1", "n1", "person_job", runtime.KindCancelled, "run stopped")
	if err := obs.OnNodeError(ev); err != nil {
		t.Fatalf("OnNodeError: %v", err)
	}

	st, _ := store.GetState(context.Background(), "e1")
	rec := st.Nodes["n1"]
	if rec.Status != runtime.StatusCancelled {
		t.Fatalf("node status = %q, want %q", rec.Status, runtime.StatusCancelled)
	}
	if rec.Output == nil || rec.Output.Metadata[runtime.MetaStatus] != string(runtime.StatusCancelled) {
		t.Fatalf("output metadata = %+v", rec.Output)
	}
}

func TestObserver_OtherErrorsStayFailed(t *testing.T) {
	obs, store := observerWithStore(t)

	ev := events.NewNodeError("e1", "n1", "api_job", runtime.KindTimeout, "took too long")
	if err := obs.OnNodeError(ev); err != nil {
		t.Fatalf("OnNodeError: %v", err)
	}

	st, _ := store.GetState(context.Background(), "e1")
	rec := st.Nodes["n1"]
	if rec.Status != runtime.StatusFailed {
		t.Fatalf("node status = %q, want %q", rec.Status, runtime.StatusFailed)
	}
	if rec.Output == nil || rec.Output.Metadata[runtime.MetaError] != "took too long" {
		t.Fatalf("output metadata = %+v", rec.Output)
	}
	if rec.Output.Metadata[runtime.MetaErrorKind] != "timeout" {
		t.Fatalf("error kind = %v", rec.Output.Metadata[runtime.MetaErrorKind])
	}
}

func TestObserver_ExecutionErrorMarksRunFailed(t *testing.T) {
	obs, store := observerWithStore(t)

	ev := events.NewExecutionError("e1", runtime.KindDeadlock, "no runnable nodes")
	if err := obs.OnExecutionError(ev); err != nil {
		t.Fatalf("OnExecutionError: %v", err)
	}

	st, _ := store.GetState(context.Background(), "e1")
	if st.Status != RunFailed || st.Error != "no runnable nodes" || st.EndedAt == nil {
		t.Fatalf("failed state = %+v", st)
	}
}
