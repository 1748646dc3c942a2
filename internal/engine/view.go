package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/runtime"
)

// EdgeView is an arrow with both endpoints resolved and handles split off.
type EdgeView struct {
	Source       *NodeView
	Target       *NodeView
	SourceHandle string
	TargetHandle string
	Label        string
	Branch       *bool
	ContentType  string

	// inLoop marks edges whose endpoints share a strongly connected
	// component. A loop edge is satisfied as soon as its source has any
	// output; an edge leaving an iterative node's cycle waits for the
	// source to exhaust its iterations.
	inLoop bool
}

// NodeView pairs a diagram node with its bound handler and the runtime
// counters the scheduler maintains. Structural fields are immutable after
// BuildView; runtime fields are guarded by the owning View's mutex.
type NodeView struct {
	Node          *diagram.Node
	Def           *Definition
	Person        *diagram.Person
	PersonID      string
	Incoming      []*EdgeView
	Outgoing      []*EdgeView
	MaxIterations int

	typ diagram.NodeType

	execCount   int
	output      *runtime.NodeOutput
	completed   bool
	failed      bool
	skipped     bool
	lastRun     int // batch index of the most recent execution
	outputBatch int // batch index when output was last written
}

func (n *NodeView) ID() string             { return n.Node.ID }
func (n *NodeView) Type() diagram.NodeType { return n.typ }

// firstEdges reports whether the node has any incoming edge bound to the
// "first" handle. Person-job nodes treat those as their seed inputs.
func (n *NodeView) firstEdges() bool {
	for _, e := range n.Incoming {
		if e.TargetHandle == diagram.FirstHandle {
			return true
		}
	}
	return false
}

// View is the immutable structural projection of one diagram plus the
// per-node runtime state for one execution.
type View struct {
	Diagram *diagram.Diagram
	Nodes   map[string]*NodeView
	Order   []*NodeView

	// Levels is the initial Kahn levelling. It is diagnostic only; the
	// scheduler's ready-set loop is what decides execution order.
	Levels [][]string

	mu sync.RWMutex
}

// BuildView is a pure function of the diagram: indexes nodes, resolves arrow
// endpoints and handles, binds handlers, and computes the initial levels.
func BuildView(d *diagram.Diagram, reg *HandlerRegistry, log zerolog.Logger) (*View, error) {
	v := &View{
		Diagram: d,
		Nodes:   make(map[string]*NodeView, len(d.Nodes)),
		Order:   make([]*NodeView, 0, len(d.Nodes)),
	}
	for i := range d.Nodes {
		n := &d.Nodes[i]
		nt, err := diagram.ParseNodeType(n.Type)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		def, ok := reg.Lookup(nt)
		if !ok {
			return nil, fmt.Errorf("node %s: no handler registered for type %q", n.ID, n.Type)
		}
		nv := &NodeView{
			Node:          n,
			Def:           def,
			MaxIterations: n.MaxIteration(),
			typ:           nt,
			lastRun:       -1,
			outputBatch:   -1,
		}
		if nt == diagram.NodePersonJob {
			if pid := n.Prop("person", ""); pid != "" {
				nv.PersonID = pid
				if p, ok := d.Persons[pid]; ok {
					nv.Person = &p
				}
			}
		}
		if _, dup := v.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		v.Nodes[n.ID] = nv
		v.Order = append(v.Order, nv)
	}

	for i := range d.Arrows {
		a := &d.Arrows[i]
		srcID, srcHandle := diagram.SplitEndpoint(a.Source)
		tgtID, tgtHandle := diagram.SplitEndpoint(a.Target)
		src, ok := v.Nodes[srcID]
		if !ok {
			return nil, fmt.Errorf("arrow %s -> %s: unknown source node %s", a.Source, a.Target, srcID)
		}
		tgt, ok := v.Nodes[tgtID]
		if !ok {
			return nil, fmt.Errorf("arrow %s -> %s: unknown target node %s", a.Source, a.Target, tgtID)
		}
		ev := &EdgeView{
			Source:       src,
			Target:       tgt,
			SourceHandle: srcHandle,
			TargetHandle: tgtHandle,
			Label:        a.EffectiveLabel(),
			ContentType:  a.ContentType,
		}
		if val, ok, err := a.BranchBool(); err != nil {
			return nil, fmt.Errorf("arrow %s -> %s: %w", a.Source, a.Target, err)
		} else if ok {
			b := val
			ev.Branch = &b
		}
		src.Outgoing = append(src.Outgoing, ev)
		tgt.Incoming = append(tgt.Incoming, ev)
	}

	markLoopEdges(v)
	warnDuplicateLabels(v, log)
	v.Levels = kahnLevels(v, log)
	return v, nil
}

// warnDuplicateLabels flags nodes with two incoming edges carrying the same
// label: the collector resolves those last-write-wins, which is rarely what
// the author meant.
func warnDuplicateLabels(v *View, log zerolog.Logger) {
	for _, nv := range v.Order {
		seen := map[string]int{}
		for _, e := range nv.Incoming {
			seen[e.Label]++
		}
		for label, c := range seen {
			if c > 1 {
				log.Warn().
					Str("node_id", nv.ID()).
					Str("label", label).
					Int("count", c).
					Msg("duplicate incoming edge label, last write wins")
			}
		}
	}
}

// kahnLevels computes the initial topological levelling. The in-degree of a
// person_job node counts only its "first"-handle edges when it has any, so a
// loop seeded through "first" still levels cleanly. Nodes left over after
// Kahn (cycle members) are logged and appended as a trailing level; the
// ready-set loop schedules them regardless.
func kahnLevels(v *View, log zerolog.Logger) [][]string {
	counts := func(e *EdgeView) bool {
		t := e.Target
		if t.Type() == diagram.NodePersonJob && t.firstEdges() {
			return e.TargetHandle == diagram.FirstHandle
		}
		return true
	}

	indeg := make(map[string]int, len(v.Nodes))
	for _, nv := range v.Order {
		for _, e := range nv.Incoming {
			if counts(e) {
				indeg[nv.ID()]++
			}
		}
	}

	var levels [][]string
	var frontier []*NodeView
	for _, nv := range v.Order {
		if indeg[nv.ID()] == 0 {
			frontier = append(frontier, nv)
		}
	}
	placed := make(map[string]bool, len(v.Nodes))
	for len(frontier) > 0 {
		level := make([]string, 0, len(frontier))
		var next []*NodeView
		for _, nv := range frontier {
			placed[nv.ID()] = true
			level = append(level, nv.ID())
		}
		for _, nv := range frontier {
			for _, e := range nv.Outgoing {
				if !counts(e) || placed[e.Target.ID()] {
					continue
				}
				indeg[e.Target.ID()]--
				if indeg[e.Target.ID()] == 0 {
					next = append(next, e.Target)
				}
			}
		}
		levels = append(levels, level)
		frontier = next
	}

	var orphans []string
	for _, nv := range v.Order {
		if !placed[nv.ID()] {
			orphans = append(orphans, nv.ID())
		}
	}
	if len(orphans) > 0 {
		log.Debug().Strs("nodes", orphans).Msg("nodes outside the topological levelling, scheduled via ready set")
		levels = append(levels, orphans)
	}
	return levels
}

// markLoopEdges runs Tarjan's strongly-connected-components pass and marks
// every edge whose endpoints share a component.
func markLoopEdges(v *View) {
	index := 0
	indices := make(map[string]int, len(v.Nodes))
	low := make(map[string]int, len(v.Nodes))
	onStack := make(map[string]bool, len(v.Nodes))
	comp := make(map[string]int, len(v.Nodes))
	var stack []*NodeView
	compID := 0

	var strongconnect func(nv *NodeView)
	strongconnect = func(nv *NodeView) {
		id := nv.ID()
		indices[id] = index
		low[id] = index
		index++
		stack = append(stack, nv)
		onStack[id] = true

		for _, e := range nv.Outgoing {
			wid := e.Target.ID()
			if _, seen := indices[wid]; !seen {
				strongconnect(e.Target)
				if low[wid] < low[id] {
					low[id] = low[wid]
				}
			} else if onStack[wid] && indices[wid] < low[id] {
				low[id] = indices[wid]
			}
		}

		if low[id] == indices[id] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w.ID()] = false
				comp[w.ID()] = compID
				if w == nv {
					break
				}
			}
			compID++
		}
	}

	for _, nv := range v.Order {
		if _, seen := indices[nv.ID()]; !seen {
			strongconnect(nv)
		}
	}
	for _, nv := range v.Order {
		for _, e := range nv.Outgoing {
			e.inLoop = comp[e.Source.ID()] == comp[e.Target.ID()]
		}
	}
}

// Runtime state accessors. Reads and writes go through the view mutex so a
// consumer batch may read a producer's output while the producer re-runs.

func (v *View) OutputOf(n *NodeView) *runtime.NodeOutput {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return n.output
}

func (v *View) ExecCountOf(n *NodeView) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return n.execCount
}

func (v *View) CompletedOf(n *NodeView) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return n.completed
}

func (v *View) FailedOf(n *NodeView) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return n.failed
}

func (v *View) SkippedOf(n *NodeView) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return n.skipped
}

// Record writes a successful step's output, bumps the exec count, and flips
// completed when the iteration cap is reached. A re-armed condition hands
// its iteration back (see Rearm), so a condition inside a live cycle keeps
// firing without ever exceeding its cap.
func (v *View) Record(n *NodeView, out *runtime.NodeOutput, batch int) (execCount int, completed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n.output = out
	n.execCount++
	n.lastRun = batch
	n.outputBatch = batch
	if n.execCount >= n.MaxIterations {
		n.completed = true
	}
	return n.execCount, n.completed
}

// RecordFailure marks the node terminally failed. Failed nodes produce no
// consumable output; their consumers stay unready and drop at quiescence.
func (v *View) RecordFailure(n *NodeView, batch int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n.execCount++
	n.lastRun = batch
	n.failed = true
}

// Rearm is the condition re-arming step, the one legal "unget" of a node's
// output: it clears the output and hands the iteration back so the condition
// may fire again on the producer's next pass. Only the scheduler calls it,
// only for condition nodes.
func (v *View) Rearm(n *NodeView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n.output = nil
	if n.execCount > 0 {
		n.execCount--
	}
	n.completed = false
}

func (v *View) markSkipped(n *NodeView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n.skipped = true
}

// conditionResult reads the branch decision from a condition node's current
// output. ok is false when the node has no output or no recorded decision.
func (v *View) conditionResult(n *NodeView) (result, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if n.output == nil {
		return false, false
	}
	return n.output.ConditionResult()
}

func (v *View) lastRunOf(n *NodeView) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return n.lastRun
}

func (v *View) outputBatchOf(n *NodeView) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return n.outputBatch
}
