package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dipeo/engine/internal/runtime"
)

// finishRun drives one execution through create, two node updates, and a
// terminal status so tests can inspect the files it leaves behind.
func finishRun(t *testing.T, s *RunDirStore, executionID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateExecution(ctx, executionID, "d1", map[string]any{"topic": "go"}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateNodeStatus(ctx, executionID, "n1", runtime.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateNodeStatus running: %v", err)
	}
	out := runtime.NewOutput("hello")
	out.SetTokens(runtime.TokenUsage{Input: 3, Output: 2, Total: 5})
	if err := s.UpdateNodeStatus(ctx, executionID, "n1", runtime.StatusCompleted, out); err != nil {
		t.Fatalf("UpdateNodeStatus completed: %v", err)
	}
	if err := s.UpdateStatus(ctx, executionID, RunCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
}

func TestRunDirStore_WritesProgressAndFinal(t *testing.T) {
	root := t.TempDir()
	s, err := NewRunDirStore(root)
	if err != nil {
		t.Fatalf("NewRunDirStore: %v", err)
	}
	finishRun(t, s, "e1")

	raw, err := os.ReadFile(filepath.Join(root, "e1", ProgressFile))
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var got []string
	for _, ln := range lines {
		var pl progressLine
		if err := json.Unmarshal([]byte(ln), &pl); err != nil {
			t.Fatalf("progress line %q: %v", ln, err)
		}
		if pl.TS == "" {
			t.Fatalf("progress line missing timestamp: %q", ln)
		}
		got = append(got, pl.Event)
	}
	want := []string{"execution_created", "node_update", "node_update", "status_update"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("progress events = %v, want %v", got, want)
	}

	fb, err := os.ReadFile(filepath.Join(root, "e1", FinalFile))
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	var st ExecutionState
	if err := json.Unmarshal(fb, &st); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if st.Status != RunCompleted || st.ExecutionID != "e1" || st.EndedAt == nil {
		t.Fatalf("final snapshot = %+v", st)
	}
	if st.Tokens.Total != 5 {
		t.Fatalf("final tokens = %+v", st.Tokens)
	}

	for _, name := range []string{SnapshotFile, SnapshotHashFile} {
		if _, err := os.Stat(filepath.Join(root, "e1", name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	ok, err := s.VerifySnapshot("e1")
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if !ok {
		t.Fatal("VerifySnapshot = false for untouched snapshot")
	}
}

func TestRunDirStore_VerifySnapshotDetectsTampering(t *testing.T) {
	root := t.TempDir()
	s, err := NewRunDirStore(root)
	if err != nil {
		t.Fatalf("NewRunDirStore: %v", err)
	}
	finishRun(t, s, "e1")

	snap := filepath.Join(root, "e1", SnapshotFile)
	b, err := os.ReadFile(snap)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if err := os.WriteFile(snap, append(b, 0x00), 0o644); err != nil {
		t.Fatalf("tamper snapshot: %v", err)
	}

	ok, err := s.VerifySnapshot("e1")
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if ok {
		t.Fatal("VerifySnapshot = true for tampered snapshot")
	}

	if _, err := s.VerifySnapshot("never-ran"); err == nil {
		t.Fatal("VerifySnapshot on missing run succeeded")
	}
}

func TestRunDirStore_ReloadsFinalFromDisk(t *testing.T) {
	root := t.TempDir()
	s, err := NewRunDirStore(root)
	if err != nil {
		t.Fatalf("NewRunDirStore: %v", err)
	}
	finishRun(t, s, "e1")

	// A fresh store over the same root simulates a new process.
	s2, err := NewRunDirStore(root)
	if err != nil {
		t.Fatalf("NewRunDirStore reload: %v", err)
	}
	st, err := s2.GetState(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetState from disk: %v", err)
	}
	if st.Status != RunCompleted || st.DiagramID != "d1" {
		t.Fatalf("reloaded state = %+v", st)
	}
	rec, ok := st.Nodes["n1"]
	if !ok || rec.Status != runtime.StatusCompleted || rec.Output == nil {
		t.Fatalf("reloaded node record = %+v", rec)
	}
	if rec.Output.Value[runtime.DefaultLabel] != "hello" {
		t.Fatalf("reloaded output value = %v", rec.Output.Value)
	}
	// Token usage survives the JSON round trip as a map form.
	u, ok := rec.Output.Tokens()
	if !ok || u.Total != 5 {
		t.Fatalf("reloaded tokens = %+v ok=%v", u, ok)
	}
}

func TestRunDirStore_RunningExecutionHasNoFinal(t *testing.T) {
	root := t.TempDir()
	s, err := NewRunDirStore(root)
	if err != nil {
		t.Fatalf("NewRunDirStore: %v", err)
	}
	ctx := context.Background()
	if err := s.CreateExecution(ctx, "e1", "d1", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateNodeStatus(ctx, "e1", "n1", runtime.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateNodeStatus: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "e1", FinalFile)); !os.IsNotExist(err) {
		t.Fatalf("final snapshot written for running execution: %v", err)
	}
	// The in-process copy still serves reads.
	if st, err := s.GetState(ctx, "e1"); err != nil || st.Status != RunRunning {
		t.Fatalf("GetState = %+v, %v", st, err)
	}
	// A fresh process sees nothing until the run reaches a terminal status.
	s2, _ := NewRunDirStore(root)
	if _, err := s2.GetState(ctx, "e1"); err == nil {
		t.Fatal("GetState from disk succeeded without a final snapshot")
	}
}

func TestRunDirStore_FailedRunRecordsError(t *testing.T) {
	root := t.TempDir()
	s, err := NewRunDirStore(root)
	if err != nil {
		t.Fatalf("NewRunDirStore: %v", err)
	}
	ctx := context.Background()
	if err := s.CreateExecution(ctx, "e1", "d1", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateStatus(ctx, "e1", RunFailed, "handler blew up"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	fb, err := os.ReadFile(filepath.Join(root, "e1", FinalFile))
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	var st ExecutionState
	if err := json.Unmarshal(fb, &st); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if st.Status != RunFailed || st.Error != "handler blew up" {
		t.Fatalf("failed snapshot = %+v", st)
	}
}
