package state

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/events"
	"github.com/dipeo/engine/internal/runtime"
)

// Observer mirrors lifecycle events into a Store. Its writes are awaited in
// the event path (the store must never drop), so store implementations
// should keep per-event work cheap.
type Observer struct {
	events.NopObserver

	store     Store
	diagramID string
	variables map[string]any
	logger    zerolog.Logger
}

func NewObserver(store Store, diagramID string, variables map[string]any, logger zerolog.Logger) *Observer {
	return &Observer{
		store:     store,
		diagramID: diagramID,
		variables: variables,
		logger:    logger,
	}
}

func (o *Observer) OnExecutionStart(ev events.Event) error {
	return o.store.CreateExecution(context.Background(), ev.ExecutionID, o.diagramID, o.variables)
}

func (o *Observer) OnNodeStart(ev events.Event) error {
	return o.store.UpdateNodeStatus(context.Background(), ev.ExecutionID, ev.NodeID, runtime.StatusRunning, nil)
}

func (o *Observer) OnNodeComplete(ev events.Event) error {
	status := runtime.StatusCompleted
	if ev.Output != nil && ev.Output.Status() != "" {
		status = ev.Output.Status()
	}
	return o.store.UpdateNodeStatus(context.Background(), ev.ExecutionID, ev.NodeID, status, ev.Output)
}

func (o *Observer) OnNodeError(ev events.Event) error {
	out := runtime.FailedOutput(runtime.ErrorKind(ev.Kind), ev.Error)
	status := runtime.StatusFailed
	if runtime.ErrorKind(ev.Kind) == runtime.KindCancelled {
		status = runtime.StatusCancelled
		out.Metadata[runtime.MetaStatus] = string(runtime.StatusCancelled)
	}
	return o.store.UpdateNodeStatus(context.Background(), ev.ExecutionID, ev.NodeID, status, out)
}

func (o *Observer) OnExecutionComplete(ev events.Event) error {
	return o.store.UpdateStatus(context.Background(), ev.ExecutionID, ev.Status, "")
}

func (o *Observer) OnExecutionError(ev events.Event) error {
	return o.store.UpdateStatus(context.Background(), ev.ExecutionID, RunFailed, ev.Error)
}
