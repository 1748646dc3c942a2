// Package state persists execution progress and terminal snapshots. The
// engine writes through the persistence observer; stores may be in-memory,
// run-directory files, or Postgres.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dipeo/engine/internal/runtime"
)

// Run statuses stored per execution.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type NodeRecord struct {
	NodeID    string              `json:"node_id"`
	Status    runtime.NodeStatus  `json:"status"`
	Output    *runtime.NodeOutput `json:"output,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type ExecutionState struct {
	ExecutionID string                `json:"execution_id"`
	DiagramID   string                `json:"diagram_id"`
	Status      string                `json:"status"`
	Error       string                `json:"error,omitempty"`
	Variables   map[string]any        `json:"variables,omitempty"`
	Nodes       map[string]NodeRecord `json:"nodes"`
	Tokens      runtime.TokenUsage    `json:"tokens"`
	StartedAt   time.Time             `json:"started_at"`
	EndedAt     *time.Time            `json:"ended_at,omitempty"`
}

// Store is the persistence interface the state observer writes through.
// Implementations accumulate token usage from the outputs passed to
// UpdateNodeStatus.
type Store interface {
	CreateExecution(ctx context.Context, executionID, diagramID string, variables map[string]any) error
	UpdateNodeStatus(ctx context.Context, executionID, nodeID string, status runtime.NodeStatus, output *runtime.NodeOutput) error
	UpdateStatus(ctx context.Context, executionID, status, errMsg string) error
	GetState(ctx context.Context, executionID string) (*ExecutionState, error)
}

// MemoryStore keeps execution state in process. It is the default store for
// tests and single-shot CLI runs.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*ExecutionState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]*ExecutionState{}}
}

func (s *MemoryStore) CreateExecution(_ context.Context, executionID, diagramID string, variables map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[executionID]; exists {
		return fmt.Errorf("execution %s already exists", executionID)
	}
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	s.runs[executionID] = &ExecutionState{
		ExecutionID: executionID,
		DiagramID:   diagramID,
		Status:      RunRunning,
		Variables:   vars,
		Nodes:       map[string]NodeRecord{},
		StartedAt:   time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) UpdateNodeStatus(_ context.Context, executionID, nodeID string, status runtime.NodeStatus, output *runtime.NodeOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[executionID]
	if !ok {
		return fmt.Errorf("execution %s not found", executionID)
	}
	run.Nodes[nodeID] = NodeRecord{
		NodeID:    nodeID,
		Status:    status,
		Output:    output,
		UpdatedAt: time.Now().UTC(),
	}
	if u, ok := output.Tokens(); ok {
		run.Tokens = run.Tokens.Add(u)
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, executionID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[executionID]
	if !ok {
		return fmt.Errorf("execution %s not found", executionID)
	}
	run.Status = status
	run.Error = errMsg
	if status == RunCompleted || status == RunFailed {
		now := time.Now().UTC()
		run.EndedAt = &now
	}
	return nil
}

func (s *MemoryStore) GetState(_ context.Context, executionID string) (*ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", executionID)
	}
	out := *run
	out.Nodes = make(map[string]NodeRecord, len(run.Nodes))
	for k, v := range run.Nodes {
		out.Nodes[k] = v
	}
	out.Variables = make(map[string]any, len(run.Variables))
	for k, v := range run.Variables {
		out.Variables[k] = v
	}
	return &out, nil
}
