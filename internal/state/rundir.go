package state

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/dipeo/engine/internal/runtime"
)

// Run-directory layout, one directory per execution:
//
//	<root>/<execution_id>/progress.ndjson   append-only node updates
//	<root>/<execution_id>/final.json        terminal snapshot, written once
//	<root>/<execution_id>/state.msgpack     terminal snapshot, compact codec
//	<root>/<execution_id>/state.msgpack.b3  blake3 hex digest of state.msgpack
const (
	ProgressFile     = "progress.ndjson"
	FinalFile        = "final.json"
	SnapshotFile     = "state.msgpack"
	SnapshotHashFile = "state.msgpack.b3"
)

// RunDirStore mirrors execution state to disk while serving reads from an
// in-memory copy. File appends are mutex-serialized; a crashed run leaves a
// readable progress log even though no final snapshot exists.
type RunDirStore struct {
	root string
	mem  *MemoryStore

	mu sync.Mutex
}

func NewRunDirStore(root string) (*RunDirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("run dir: %w", err)
	}
	return &RunDirStore{root: root, mem: NewMemoryStore()}, nil
}

func (s *RunDirStore) Root() string { return s.root }

func (s *RunDirStore) dir(executionID string) string {
	return filepath.Join(s.root, executionID)
}

type progressLine struct {
	TS     string `json:"ts"`
	Event  string `json:"event"`
	NodeID string `json:"node_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *RunDirStore) appendProgress(executionID string, line progressLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir(executionID), ProgressFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *RunDirStore) CreateExecution(ctx context.Context, executionID, diagramID string, variables map[string]any) error {
	if err := os.MkdirAll(s.dir(executionID), 0o755); err != nil {
		return fmt.Errorf("run dir: %w", err)
	}
	if err := s.mem.CreateExecution(ctx, executionID, diagramID, variables); err != nil {
		return err
	}
	return s.appendProgress(executionID, progressLine{
		TS:    time.Now().UTC().Format(time.RFC3339Nano),
		Event: "execution_created",
	})
}

func (s *RunDirStore) UpdateNodeStatus(ctx context.Context, executionID, nodeID string, status runtime.NodeStatus, output *runtime.NodeOutput) error {
	if err := s.mem.UpdateNodeStatus(ctx, executionID, nodeID, status, output); err != nil {
		return err
	}
	return s.appendProgress(executionID, progressLine{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Event:  "node_update",
		NodeID: nodeID,
		Status: string(status),
	})
}

func (s *RunDirStore) UpdateStatus(ctx context.Context, executionID, status, errMsg string) error {
	if err := s.mem.UpdateStatus(ctx, executionID, status, errMsg); err != nil {
		return err
	}
	if err := s.appendProgress(executionID, progressLine{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Event:  "status_update",
		Status: status,
		Error:  errMsg,
	}); err != nil {
		return err
	}
	if status != RunCompleted && status != RunFailed {
		return nil
	}
	st, err := s.mem.GetState(ctx, executionID)
	if err != nil {
		return err
	}
	return s.writeFinal(executionID, st)
}

// writeFinal persists the terminal snapshot twice: pretty JSON for humans and
// msgpack plus digest for tooling that verifies snapshot integrity.
func (s *RunDirStore) writeFinal(executionID string, st *ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jb, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir(executionID), FinalFile), jb, 0o644); err != nil {
		return err
	}

	mb, err := msgpack.Marshal(st)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir(executionID), SnapshotFile), mb, 0o644); err != nil {
		return err
	}
	sum := blake3.Sum256(mb)
	return os.WriteFile(filepath.Join(s.dir(executionID), SnapshotHashFile), []byte(hex.EncodeToString(sum[:])+"\n"), 0o644)
}

// GetState serves from memory, falling back to the final snapshot on disk
// for executions from a previous process.
func (s *RunDirStore) GetState(ctx context.Context, executionID string) (*ExecutionState, error) {
	if st, err := s.mem.GetState(ctx, executionID); err == nil {
		return st, nil
	}
	b, err := os.ReadFile(filepath.Join(s.dir(executionID), FinalFile))
	if err != nil {
		return nil, fmt.Errorf("execution %s not found", executionID)
	}
	var st ExecutionState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("final snapshot for %s: %w", executionID, err)
	}
	return &st, nil
}

// VerifySnapshot recomputes the msgpack digest and compares it against the
// stored hash; it reports false when either file is missing.
func (s *RunDirStore) VerifySnapshot(executionID string) (bool, error) {
	mb, err := os.ReadFile(filepath.Join(s.dir(executionID), SnapshotFile))
	if err != nil {
		return false, err
	}
	want, err := os.ReadFile(filepath.Join(s.dir(executionID), SnapshotHashFile))
	if err != nil {
		return false, err
	}
	sum := blake3.Sum256(mb)
	got := hex.EncodeToString(sum[:])
	return got == string(trimNewline(want)), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
