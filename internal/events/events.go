// Package events defines the execution lifecycle events, the observer
// contract, and the fan-out machinery (sequential bus, bounded subscriber
// streams) the scheduler publishes through.
package events

import (
	"time"

	"github.com/dipeo/engine/internal/runtime"
)

type Type string

const (
	ExecutionStart    Type = "execution_start"
	NodeStart         Type = "node_start"
	NodeComplete      Type = "node_complete"
	NodeError         Type = "node_error"
	IterationTick     Type = "iteration_tick"
	ExecutionComplete Type = "execution_complete"
	ExecutionError    Type = "execution_error"
)

// Node states carried on node_complete / node_error events.
const (
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// Execution statuses carried on terminal events.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Event is one lifecycle record. Fields beyond Type/ExecutionID/Timestamp are
// populated per variant; zero values are omitted from the wire form.
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`

	NodeID   string              `json:"node_id,omitempty"`
	NodeType string              `json:"node_type,omitempty"`
	State    string              `json:"state,omitempty"`
	Output   *runtime.NodeOutput `json:"output,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`

	Status string `json:"status,omitempty"`

	Iteration       int  `json:"iteration,omitempty"`
	ExecutedNodes   int  `json:"executed_nodes,omitempty"`
	EndpointReached bool `json:"endpoint_reached,omitempty"`
}

// Terminal reports whether the event ends its execution's stream.
func (e Event) Terminal() bool {
	return e.Type == ExecutionComplete || e.Type == ExecutionError
}

func now() time.Time { return time.Now().UTC() }

func NewExecutionStart(executionID string) Event {
	return Event{Type: ExecutionStart, ExecutionID: executionID, Timestamp: now()}
}

func NewNodeStart(executionID, nodeID, nodeType string) Event {
	return Event{Type: NodeStart, ExecutionID: executionID, Timestamp: now(), NodeID: nodeID, NodeType: nodeType}
}

func NewNodeComplete(executionID, nodeID, nodeType string, output *runtime.NodeOutput) Event {
	return Event{
		Type:        NodeComplete,
		ExecutionID: executionID,
		Timestamp:   now(),
		NodeID:      nodeID,
		NodeType:    nodeType,
		State:       StateCompleted,
		Output:      output,
	}
}

func NewNodeError(executionID, nodeID, nodeType string, kind runtime.ErrorKind, msg string) Event {
	return Event{
		Type:        NodeError,
		ExecutionID: executionID,
		Timestamp:   now(),
		NodeID:      nodeID,
		NodeType:    nodeType,
		State:       StateFailed,
		Error:       msg,
		Kind:        string(kind),
	}
}

func NewIterationTick(executionID string, iteration, executedNodes int, endpointReached bool) Event {
	return Event{
		Type:            IterationTick,
		ExecutionID:     executionID,
		Timestamp:       now(),
		Iteration:       iteration,
		ExecutedNodes:   executedNodes,
		EndpointReached: endpointReached,
	}
}

func NewExecutionComplete(executionID, status string) Event {
	return Event{Type: ExecutionComplete, ExecutionID: executionID, Timestamp: now(), Status: status}
}

func NewExecutionError(executionID string, kind runtime.ErrorKind, msg string) Event {
	return Event{
		Type:        ExecutionError,
		ExecutionID: executionID,
		Timestamp:   now(),
		Status:      RunFailed,
		Error:       msg,
		Kind:        string(kind),
	}
}

// Observer receives lifecycle hooks. Implementations must be cheap and
// idempotent; returned errors are logged by the bus and never abort the run.
type Observer interface {
	OnExecutionStart(ev Event) error
	OnExecutionComplete(ev Event) error
	OnExecutionError(ev Event) error
	OnNodeStart(ev Event) error
	OnNodeComplete(ev Event) error
	OnNodeError(ev Event) error
	OnIterationTick(ev Event) error
}

// NopObserver is a no-op base for observers that care about a subset of
// hooks.
type NopObserver struct{}

func (NopObserver) OnExecutionStart(Event) error    { return nil }
func (NopObserver) OnExecutionComplete(Event) error { return nil }
func (NopObserver) OnExecutionError(Event) error    { return nil }
func (NopObserver) OnNodeStart(Event) error         { return nil }
func (NopObserver) OnNodeComplete(Event) error      { return nil }
func (NopObserver) OnNodeError(Event) error         { return nil }
func (NopObserver) OnIterationTick(Event) error     { return nil }
