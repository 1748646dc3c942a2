package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/dipeo/engine/internal/events"
	"github.com/dipeo/engine/internal/state"
)

// ExecutionEntry tracks one running or completed execution hosted by this
// server.
type ExecutionEntry struct {
	ID          string
	Broadcaster *Broadcaster
	Interviewer *WebInterviewer
	Cancel      func()
	StartedAt   time.Time

	mu     sync.Mutex
	done   bool
	status string
	errMsg string
}

// SetDone records the terminal event's outcome.
func (e *ExecutionEntry) SetDone(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = true
	e.status = ev.Status
	e.errMsg = ev.Error
}

// LiveStatus builds a minimal status for executions the persistent store has
// not seen yet (or when no store is configured).
func (e *ExecutionEntry) LiveStatus() *state.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &state.ExecutionState{
		ExecutionID: e.ID,
		Status:      state.RunRunning,
		StartedAt:   e.StartedAt,
	}
	if e.done {
		st.Status = e.status
		st.Error = e.errMsg
	}
	return st
}

// ExecutionRegistry tracks all executions managed by this server instance.
type ExecutionRegistry struct {
	mu      sync.RWMutex
	entries map[string]*ExecutionEntry
}

// NewExecutionRegistry creates a new empty registry.
func NewExecutionRegistry() *ExecutionRegistry {
	return &ExecutionRegistry{entries: make(map[string]*ExecutionEntry)}
}

// Register adds an execution. Returns an error if the ID already exists.
func (r *ExecutionRegistry) Register(id string, e *ExecutionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("execution %s already exists", id)
	}
	r.entries[id] = e
	return nil
}

// Remove drops an execution, used when a submit fails after registration.
func (r *ExecutionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns an execution by ID.
func (r *ExecutionRegistry) Get(id string) (*ExecutionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns all execution IDs.
func (r *ExecutionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll cancels every running execution and unblocks their parked
// prompts.
func (r *ExecutionRegistry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Cancel != nil {
			e.Cancel()
		}
		if e.Interviewer != nil {
			e.Interviewer.Cancel()
		}
	}
}
