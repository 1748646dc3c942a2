package runtime

import (
	"sync"

	"github.com/dipeo/engine/internal/diagram"
)

// NodeRef and EdgeRef are the structural tables exposed to handlers through
// the context snapshot. They are filled once at execution setup and never
// mutated.
type NodeRef struct {
	ID            string
	Type          diagram.NodeType
	Label         string
	MaxIterations int
}

type EdgeRef struct {
	Source       string
	SourceHandle string
	Target       string
	TargetHandle string
	Label        string
}

// Context is the mutable per-run state owned by the coordinator. The
// scheduler writes node outputs and execution counts through it; handlers
// only ever see read-only Snapshots.
type Context struct {
	ExecutionID string
	DiagramID   string

	mu          sync.RWMutex
	variables   map[string]any
	apiKeys     map[string]string
	persons     map[string]diagram.Person
	nodes       []NodeRef
	edges       []EdgeRef
	nodeOutputs map[string]*NodeOutput
	execCounts  map[string]int
	tokens      TokenUsage
}

func NewContext(executionID, diagramID string) *Context {
	return &Context{
		ExecutionID: executionID,
		DiagramID:   diagramID,
		variables:   map[string]any{},
		apiKeys:     map[string]string{},
		persons:     map[string]diagram.Person{},
		nodeOutputs: map[string]*NodeOutput{},
		execCounts:  map[string]int{},
	}
}

// Seed installs the run inputs and structural tables. Called once by the
// coordinator before any node runs.
func (c *Context) Seed(variables map[string]any, apiKeys map[string]string, persons map[string]diagram.Person, nodes []NodeRef, edges []EdgeRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range variables {
		c.variables[k] = v
	}
	for k, v := range apiKeys {
		c.apiKeys[k] = v
	}
	for k, v := range persons {
		c.persons[k] = v
	}
	c.nodes = append([]NodeRef(nil), nodes...)
	c.edges = append([]EdgeRef(nil), edges...)
}

func (c *Context) SetNodeOutput(nodeID string, out *NodeOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs[nodeID] = out
}

func (c *Context) NodeOutputOf(nodeID string) (*NodeOutput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.nodeOutputs[nodeID]
	return out, ok
}

// ClearNodeOutput removes a stored output. Only the scheduler calls this, and
// only for condition nodes being re-armed inside an iterative cycle.
func (c *Context) ClearNodeOutput(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodeOutputs, nodeID)
}

// IncExecCount bumps and returns the node's execution count.
func (c *Context) IncExecCount(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execCounts[nodeID]++
	return c.execCounts[nodeID]
}

// DecExecCount ungets one execution, flooring at zero. Paired with
// ClearNodeOutput when a condition node is re-armed.
func (c *Context) DecExecCount(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execCounts[nodeID] > 0 {
		c.execCounts[nodeID]--
	}
	return c.execCounts[nodeID]
}

func (c *Context) ExecCount(nodeID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.execCounts[nodeID]
}

func (c *Context) AddTokens(u TokenUsage) {
	if u.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = c.tokens.Add(u)
}

func (c *Context) Tokens() TokenUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Outputs returns a copy of the node-output table. The NodeOutput values are
// shared; callers must treat them as immutable.
func (c *Context) Outputs() map[string]*NodeOutput {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*NodeOutput, len(c.nodeOutputs))
	for k, v := range c.nodeOutputs {
		out[k] = v
	}
	return out
}

func (c *Context) ExecCounts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.execCounts))
	for k, v := range c.execCounts {
		out[k] = v
	}
	return out
}

func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// Snapshot captures a read-only view for one handler invocation.
// CurrentNodeID is the node being executed.
func (c *Context) Snapshot(currentNodeID string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		ExecutionID:   c.ExecutionID,
		DiagramID:     c.DiagramID,
		CurrentNodeID: currentNodeID,
		Variables:     make(map[string]any, len(c.variables)),
		APIKeys:       make(map[string]string, len(c.apiKeys)),
		Persons:       make(map[string]diagram.Person, len(c.persons)),
		Nodes:         c.nodes,
		Edges:         c.edges,
		NodeOutputs:   make(map[string]*NodeOutput, len(c.nodeOutputs)),
		ExecCounts:    make(map[string]int, len(c.execCounts)),
	}
	for k, v := range c.variables {
		snap.Variables[k] = v
	}
	for k, v := range c.apiKeys {
		snap.APIKeys[k] = v
	}
	for k, v := range c.persons {
		snap.Persons[k] = v
	}
	for k, v := range c.nodeOutputs {
		snap.NodeOutputs[k] = v
	}
	for k, v := range c.execCounts {
		snap.ExecCounts[k] = v
	}
	return snap
}

// Snapshot is the read-only context view handlers receive. Map values are
// copies taken at snapshot time; NodeOutput pointers are shared and must not
// be mutated.
type Snapshot struct {
	ExecutionID   string
	DiagramID     string
	CurrentNodeID string
	Variables     map[string]any
	APIKeys       map[string]string
	Persons       map[string]diagram.Person
	Nodes         []NodeRef
	Edges         []EdgeRef
	NodeOutputs   map[string]*NodeOutput
	ExecCounts    map[string]int
}

func (s Snapshot) Person(id string) (diagram.Person, bool) {
	p, ok := s.Persons[id]
	return p, ok
}

func (s Snapshot) APIKey(id string) (string, bool) {
	k, ok := s.APIKeys[id]
	return k, ok
}

func (s Snapshot) Variable(name string) (any, bool) {
	v, ok := s.Variables[name]
	return v, ok
}
