package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/events"
	"github.com/dipeo/engine/internal/runtime"
	"github.com/dipeo/engine/internal/services"
)

const (
	// DefaultMaxIterations caps the number of ready-set batches per run.
	DefaultMaxIterations = 100
	// DefaultMaxParallel bounds concurrent handler invocations.
	DefaultMaxParallel = 10
)

// scheduler owns the run loop for one execution: ready-set computation,
// bounded-parallel batches, condition re-arming, and skip propagation for
// untaken branches. It is created by the Coordinator and discarded with it.
type scheduler struct {
	view  *View
	rt    *runtime.Context
	svc   *services.Registry
	local map[string]any // per-run service overlay, consulted before svc
	bus   *events.Bus
	log   zerolog.Logger

	maxIter int
	maxPar  int
	sem     chan struct{}

	endpointReached atomic.Bool
	anyFailed       atomic.Bool
}

func newScheduler(view *View, rt *runtime.Context, svc *services.Registry, local map[string]any, bus *events.Bus, log zerolog.Logger, maxIter, maxPar int) *scheduler {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if maxPar <= 0 {
		maxPar = DefaultMaxParallel
	}
	return &scheduler{
		view:    view,
		rt:      rt,
		svc:     svc,
		local:   local,
		bus:     bus,
		log:     log,
		maxIter: maxIter,
		maxPar:  maxPar,
		sem:     make(chan struct{}, maxPar),
	}
}

// resolveService checks the per-run overlay first, then the shared registry.
// The overlay carries run-scoped capabilities such as the interactive
// handler without mutating shared state.
func (s *scheduler) resolveService(key string) (any, error) {
	if v, ok := s.local[key]; ok {
		return v, nil
	}
	return s.svc.Resolve(key)
}

// run drives batches until an endpoint is reached, the graph quiesces, the
// global iteration cap trips, or the context is cancelled. A nil return is a
// normal termination; the error carries the kind for execution_error.
func (s *scheduler) run(ctx context.Context) error {
	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			return runtime.WrapError(cancelKind(ctx), "", err)
		}
		if s.endpointReached.Load() {
			s.log.Debug().Int("iterations", iter).Msg("endpoint reached, stopping")
			break
		}
		if iter >= s.maxIter {
			s.log.Warn().Int("iterations", iter).Msg("global iteration cap reached, stopping")
			break
		}

		s.propagateSkips()
		ready := s.readySet()
		if len(ready) == 0 {
			if !s.anyExecuted() {
				return runtime.Errorf(runtime.KindDeadlock, "", "deadlock: no ready nodes and nothing has executed")
			}
			s.log.Debug().Int("iterations", iter).Msg("quiescent, stopping")
			break
		}

		s.runBatch(ctx, iter, ready)
		s.rearmConditions()

		s.bus.Publish(events.NewIterationTick(s.rt.ExecutionID, iter+1, s.completedCount(), s.endpointReached.Load()))
	}
	return nil
}

// failed reports whether any node step ended in node_error or returned
// failure metadata; the coordinator uses it for the run's final status.
func (s *scheduler) failed() bool { return s.anyFailed.Load() }

// readySet returns, in declaration order, every node whose iteration budget
// remains and whose dependencies are satisfied.
func (s *scheduler) readySet() []*NodeView {
	var ready []*NodeView
	for _, nv := range s.view.Order {
		if s.view.CompletedOf(nv) || s.view.FailedOf(nv) || s.view.SkippedOf(nv) {
			continue
		}
		if s.view.ExecCountOf(nv) >= nv.MaxIterations {
			continue
		}
		if s.depsSatisfied(nv) {
			ready = append(ready, nv)
		}
	}
	return ready
}

func (s *scheduler) depsSatisfied(nv *NodeView) bool {
	if nv.Type() == diagram.NodeStart {
		return true
	}
	// A person_job with "first"-handle edges seeds from any one of them on
	// its first run, so a loop can start before its back-edge is live.
	if nv.Type() == diagram.NodePersonJob && nv.firstEdges() {
		if s.view.ExecCountOf(nv) == 0 {
			for _, e := range nv.Incoming {
				if e.TargetHandle == diagram.FirstHandle && s.edgeSatisfied(e) {
					return true
				}
			}
			return false
		}
		for _, e := range nv.Incoming {
			if e.TargetHandle == diagram.FirstHandle {
				continue
			}
			if !s.edgeSatisfied(e) {
				return false
			}
		}
		return true
	}
	for _, e := range nv.Incoming {
		if !s.edgeSatisfied(e) {
			return false
		}
	}
	return true
}

// edgeSatisfied decides whether one incoming edge lets its target run.
//
//   - a failed source never satisfies: its consumers drop at quiescence
//   - a skipped source waives the edge (branch joins run on the taken side)
//   - a condition source gates by branch match against its recorded result
//   - an edge leaving an iterative node's cycle waits for source completion,
//     so downstream work sees only the final iteration
//   - otherwise one produced output suffices
func (s *scheduler) edgeSatisfied(e *EdgeView) bool {
	src := e.Source
	if s.view.FailedOf(src) {
		return false
	}
	if s.view.SkippedOf(src) {
		return true
	}
	out := s.view.OutputOf(src)
	if out == nil {
		return false
	}
	if src.Type() == diagram.NodeCondition {
		if e.Branch != nil {
			result, ok := s.view.conditionResult(src)
			if !ok || result != *e.Branch {
				return false
			}
		}
		return true
	}
	if src.MaxIterations > 1 && !e.inLoop {
		return s.view.CompletedOf(src)
	}
	return true
}

// propagateSkips marks nodes that can never run this execution because every
// incoming edge is dead: its source is itself skipped, or it is the untaken
// branch of a condition that will not re-fire. Failed sources do not count
// as dead; their consumers stay blocked and drop at quiescence instead.
func (s *scheduler) propagateSkips() {
	for changed := true; changed; {
		changed = false
		for _, nv := range s.view.Order {
			if len(nv.Incoming) == 0 || nv.Type() == diagram.NodeStart {
				continue
			}
			if s.view.SkippedOf(nv) || s.view.FailedOf(nv) || s.view.ExecCountOf(nv) > 0 {
				continue
			}
			dead := true
			for _, e := range nv.Incoming {
				if !s.edgeDead(e) {
					dead = false
					break
				}
			}
			if dead {
				s.view.markSkipped(nv)
				s.log.Debug().Str("node_id", nv.ID()).Msg("node unreachable this run, skipping")
				changed = true
			}
		}
	}
}

func (s *scheduler) edgeDead(e *EdgeView) bool {
	src := e.Source
	if s.view.SkippedOf(src) {
		return true
	}
	if src.Type() == diagram.NodeCondition && e.Branch != nil {
		result, ok := s.view.conditionResult(src)
		if ok && result != *e.Branch && !s.mayRefire(src) {
			return true
		}
	}
	return false
}

// mayRefire reports whether a condition could still be re-armed: some
// producer of it has runnable iterations left.
func (s *scheduler) mayRefire(cond *NodeView) bool {
	for _, e := range cond.Incoming {
		src := e.Source
		if s.view.FailedOf(src) || s.view.SkippedOf(src) || s.view.CompletedOf(src) {
			continue
		}
		return true
	}
	return false
}

// rearmConditions runs between batches. A condition whose output has been
// consumed by a downstream node, and whose producer has run again since the
// condition last fired, gets its output cleared and its iteration handed
// back so it re-evaluates the fresh value on the next pass. This is the only
// mutation that ungets an output.
func (s *scheduler) rearmConditions() {
	for _, nv := range s.view.Order {
		if nv.Type() != diagram.NodeCondition || s.view.OutputOf(nv) == nil {
			continue
		}
		firedAt := s.view.outputBatchOf(nv)
		consumed := false
		for _, e := range nv.Outgoing {
			if s.view.lastRunOf(e.Target) > firedAt {
				consumed = true
				break
			}
		}
		if !consumed {
			continue
		}
		fresh := false
		for _, e := range nv.Incoming {
			if s.view.lastRunOf(e.Source) > firedAt {
				fresh = true
				break
			}
		}
		if !fresh {
			continue
		}
		s.view.Rearm(nv)
		s.rt.ClearNodeOutput(nv.ID())
		s.rt.DecExecCount(nv.ID())
		s.log.Debug().Str("node_id", nv.ID()).Msg("condition re-armed")
	}
}

// runBatch executes one ready set concurrently under the semaphore. The
// cancel signal is observed before every semaphore acquisition; nodes not
// yet started then stay unstarted.
func (s *scheduler) runBatch(ctx context.Context, batch int, ready []*NodeView) {
	var wg sync.WaitGroup
	for _, nv := range ready {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case s.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(nv *NodeView) {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.step(ctx, batch, nv)
		}(nv)
	}
	wg.Wait()
}

// step runs one node iteration end to end: node_start, property validation,
// input collection, service resolution, handler invocation, bookkeeping,
// node_complete or node_error.
func (s *scheduler) step(ctx context.Context, batch int, nv *NodeView) {
	started := time.Now()
	s.bus.Publish(events.NewNodeStart(s.rt.ExecutionID, nv.ID(), string(nv.Type())))

	if err := nv.Def.ValidateProps(nv.Node.Properties); err != nil {
		s.fail(batch, nv, runtime.WrapError(runtime.KindValidation, nv.ID(), err))
		return
	}

	inputs := collectInputs(s.view, nv)

	svcs := make(map[string]any, len(nv.Def.RequiresServices))
	for _, key := range nv.Def.RequiresServices {
		val, err := s.resolveService(key)
		if err != nil {
			s.fail(batch, nv, runtime.WrapError(runtime.KindMissingService, nv.ID(), err))
			return
		}
		svcs[key] = val
	}

	snap := s.rt.Snapshot(nv.ID())
	req := &Request{
		Node:     nv.Node,
		Props:    nv.Node.Properties,
		Snapshot: &snap,
		Inputs:   inputs,
		Services: svcs,
		Log:      s.log.With().Str("node_id", nv.ID()).Str("node_type", string(nv.Type())).Logger(),
	}

	hctx := ctx
	if d := nv.Node.DurationProp("timeout", 0); d > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out, err := s.invoke(hctx, nv, req)
	if err != nil {
		s.fail(batch, nv, s.classify(ctx, nv.ID(), err))
		return
	}
	if out == nil {
		out = runtime.NewValueOutput(nil)
	}
	switch out.Status() {
	case runtime.StatusFailed:
		msg, _ := out.Metadata[runtime.MetaError].(string)
		if msg == "" {
			msg = "handler reported failure"
		}
		kind := runtime.KindHandlerFailure
		if k, ok := out.Metadata[runtime.MetaErrorKind].(string); ok && k != "" {
			kind = runtime.ErrorKind(k)
		}
		s.fail(batch, nv, runtime.Errorf(kind, nv.ID(), "%s", msg))
		return
	case runtime.StatusCancelled:
		s.fail(batch, nv, runtime.Errorf(runtime.KindCancelled, nv.ID(), "handler cancelled"))
		return
	}

	out.StampTiming(started, time.Now())
	if u, ok := out.Tokens(); ok {
		s.rt.AddTokens(u)
	}
	execCount, completed := s.view.Record(nv, out, batch)
	s.rt.SetNodeOutput(nv.ID(), out)
	s.rt.IncExecCount(nv.ID())
	if nv.Type() == diagram.NodeEndpoint {
		s.endpointReached.Store(true)
	}

	s.bus.Publish(events.NewNodeComplete(s.rt.ExecutionID, nv.ID(), string(nv.Type()), out))
	s.log.Debug().
		Str("node_id", nv.ID()).
		Int("exec_count", execCount).
		Bool("completed", completed).
		Dur("took", time.Since(started)).
		Msg("node step done")
}

// invoke calls the handler with panic containment, so one broken handler
// cannot take down the run.
func (s *scheduler) invoke(ctx context.Context, nv *NodeView, req *Request) (out *runtime.NodeOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = runtime.Errorf(runtime.KindHandlerFailure, nv.ID(), "handler panic: %v", r)
		}
	}()
	return nv.Def.Run(ctx, req)
}

// fail records a terminal per-node failure and emits node_error. The node's
// consumers see no output from it and will drop at quiescence.
func (s *scheduler) fail(batch int, nv *NodeView, execErr *runtime.ExecError) {
	s.anyFailed.Store(true)
	s.view.RecordFailure(nv, batch)
	s.rt.IncExecCount(nv.ID())
	s.bus.Publish(events.NewNodeError(s.rt.ExecutionID, nv.ID(), string(nv.Type()), execErr.Kind, execErr.Error()))
	s.log.Warn().
		Str("node_id", nv.ID()).
		Str("kind", string(execErr.Kind)).
		Err(execErr).
		Msg("node step failed")
}

// classify maps a handler error to its kind. Context errors distinguish the
// run-wide deadline from an external cancel; anything else keeps an explicit
// ExecError kind or falls back to handler_failure.
func (s *scheduler) classify(parent context.Context, nodeID string, err error) *runtime.ExecError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return runtime.WrapError(runtime.KindTimeout, nodeID, err)
	case errors.Is(err, context.Canceled):
		return runtime.WrapError(cancelKind(parent), nodeID, err)
	default:
		return runtime.WrapError(runtime.KindHandlerFailure, nodeID, err)
	}
}

func cancelKind(ctx context.Context) runtime.ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return runtime.KindTimeout
	}
	return runtime.KindCancelled
}

func (s *scheduler) anyExecuted() bool {
	for _, nv := range s.view.Order {
		if s.view.ExecCountOf(nv) > 0 || s.view.FailedOf(nv) {
			return true
		}
	}
	return false
}

func (s *scheduler) completedCount() int {
	n := 0
	for _, nv := range s.view.Order {
		if s.view.CompletedOf(nv) {
			n++
		}
	}
	return n
}
