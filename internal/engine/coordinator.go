package engine

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/events"
	"github.com/dipeo/engine/internal/runtime"
	"github.com/dipeo/engine/internal/services"
	"github.com/dipeo/engine/internal/state"
)

// Options configures one execution.
type Options struct {
	// Variables seed the execution context and are visible to handlers.
	Variables map[string]any

	// APIKeys maps key ids referenced by person definitions to secrets.
	// They reach handlers through the context snapshot and never appear
	// in emitted events.
	APIKeys map[string]string

	// MaxIterations caps ready-set batches (default 100).
	MaxIterations int

	// MaxParallelNodes bounds concurrent handler invocations (default 10).
	MaxParallelNodes int

	// TimeoutSeconds cancels the whole run when positive.
	TimeoutSeconds int

	// Interactive answers user_response prompts for this run.
	Interactive services.InteractiveHandler

	// DebugMode drops the run logger to debug level.
	DebugMode bool
}

// Coordinator is the public entrypoint: it validates a diagram, builds the
// execution view and context, wires observers, and streams events while the
// scheduler runs.
type Coordinator struct {
	Handlers  *HandlerRegistry
	Services  *services.Registry
	Store     state.Store       // optional; persisted through the state observer
	Observers []events.Observer // extra observers, invoked after persistence
	Log       zerolog.Logger

	// StreamBuffer sizes the subscriber queue of the event stream
	// (default events.DefaultStreamBuffer).
	StreamBuffer int
}

// Execute starts the run and returns the event channel. The channel closes
// after the terminal event. Structural problems (validation, unknown node
// types, unparseable arrows) fail synchronously before any event is emitted.
func (c *Coordinator) Execute(ctx context.Context, d *diagram.Diagram, opts Options, executionID string) (<-chan events.Event, error) {
	if executionID == "" {
		executionID = ulid.Make().String()
	}
	log := c.Log.With().Str("execution_id", executionID).Logger()
	if opts.DebugMode {
		log = log.Level(zerolog.DebugLevel)
	}

	if err := diagram.ValidateOrError(d, diagram.NewTypeKnownRule(c.Handlers.Types())); err != nil {
		return nil, runtime.WrapError(runtime.KindValidation, "", err)
	}
	view, err := BuildView(d, c.Handlers, log)
	if err != nil {
		return nil, runtime.WrapError(runtime.KindValidation, "", err)
	}

	rt := runtime.NewContext(executionID, d.ID)
	rt.Seed(opts.Variables, opts.APIKeys, d.Persons, nodeRefs(view), edgeRefs(view))

	local := map[string]any{}
	if opts.Interactive != nil {
		local[services.KeyInteractive] = opts.Interactive
	}

	bus := events.NewBus(log)
	if c.Store != nil {
		bus.Register(state.NewObserver(c.Store, d.ID, opts.Variables, log))
	}
	for _, o := range c.Observers {
		bus.Register(o)
	}
	buffer := c.StreamBuffer
	if buffer <= 0 {
		buffer = events.DefaultStreamBuffer
	}
	stream := events.NewStream(log, buffer)
	bus.Register(stream)
	ch, _ := stream.Subscribe()

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
	}

	sched := newScheduler(view, rt, c.Services, local, bus, log, opts.MaxIterations, opts.MaxParallelNodes)

	go func() {
		if cancel != nil {
			defer cancel()
		}
		bus.Publish(events.NewExecutionStart(executionID))
		err := sched.run(runCtx)
		switch {
		case err != nil:
			kind := runtime.KindOf(err)
			log.Error().Str("kind", string(kind)).Err(err).Msg("execution failed")
			bus.Publish(events.NewExecutionError(executionID, kind, err.Error()))
		case sched.failed():
			log.Warn().Msg("execution finished with failed nodes")
			bus.Publish(events.NewExecutionComplete(executionID, events.RunFailed))
		default:
			log.Info().
				Int("completed_nodes", sched.completedCount()).
				Interface("tokens", rt.Tokens()).
				Msg("execution complete")
			bus.Publish(events.NewExecutionComplete(executionID, events.RunCompleted))
		}
	}()

	return ch, nil
}

func nodeRefs(v *View) []runtime.NodeRef {
	refs := make([]runtime.NodeRef, 0, len(v.Order))
	for _, nv := range v.Order {
		refs = append(refs, runtime.NodeRef{
			ID:            nv.ID(),
			Type:          nv.Type(),
			Label:         nv.Node.DisplayLabel(),
			MaxIterations: nv.MaxIterations,
		})
	}
	return refs
}

func edgeRefs(v *View) []runtime.EdgeRef {
	var refs []runtime.EdgeRef
	for _, nv := range v.Order {
		for _, e := range nv.Outgoing {
			refs = append(refs, runtime.EdgeRef{
				Source:       e.Source.ID(),
				SourceHandle: e.SourceHandle,
				Target:       e.Target.ID(),
				TargetHandle: e.TargetHandle,
				Label:        e.Label,
			})
		}
	}
	return refs
}
