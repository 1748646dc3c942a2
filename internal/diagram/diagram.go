// Package diagram defines the input model the execution engine consumes: a
// directed, possibly-cyclic multigraph of typed nodes connected by arrows that
// carry labelled values, plus the person (LLM agent) definitions referenced by
// person_job nodes.
package diagram

import (
	"fmt"
	"strings"
	"time"
)

type NodeType string

const (
	NodeStart         NodeType = "start"
	NodeCondition     NodeType = "condition"
	NodePersonJob     NodeType = "person_job"
	NodeEndpoint      NodeType = "endpoint"
	NodeDB            NodeType = "db"
	NodeCodeJob       NodeType = "code_job"
	NodeAPIJob        NodeType = "api_job"
	NodeUserResponse  NodeType = "user_response"
	NodeIntegratedAPI NodeType = "integrated_api"
)

// Arrow endpoint handles. "first" marks the seed inputs of a person_job
// loop; everything else defaults to "default".
const (
	DefaultHandle = "default"
	FirstHandle   = "first"
)

// ParseNodeType normalizes a raw type tag, accepting the historical aliases
// still present in older diagram files.
func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return NodeStart, nil
	case "condition":
		return NodeCondition, nil
	case "person_job", "personjob", "person-job":
		return NodePersonJob, nil
	case "endpoint":
		return NodeEndpoint, nil
	case "db", "database":
		return NodeDB, nil
	case "code_job", "job", "code":
		return NodeCodeJob, nil
	case "api_job", "api":
		return NodeAPIJob, nil
	case "user_response", "user-response":
		return NodeUserResponse, nil
	case "integrated_api", "notion":
		return NodeIntegratedAPI, nil
	case "":
		return "", fmt.Errorf("invalid node type: empty string")
	default:
		return "", fmt.Errorf("invalid node type: %q", s)
	}
}

// Node is one unit of work. Properties is a free-form bag validated against
// the node type's schema when the handler binds; max_iteration lives inside
// it (default 1).
type Node struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	Label      string         `json:"label,omitempty" yaml:"label,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// DisplayLabel is the label shown in events and conversation prefixes.
func (n Node) DisplayLabel() string {
	if strings.TrimSpace(n.Label) != "" {
		return n.Label
	}
	return n.ID
}

// Prop returns a string property with a default.
func (n Node) Prop(key, def string) string {
	if n.Properties == nil {
		return def
	}
	if v, ok := n.Properties[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

// IntProp returns an integer property with a default, tolerating the numeric
// types YAML and JSON decoders produce.
func (n Node) IntProp(key string, def int) int {
	if n.Properties == nil {
		return def
	}
	switch v := n.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var out int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &out); err == nil {
			return out
		}
	}
	return def
}

// DurationProp reads a timeout-style property. Numbers are seconds; strings
// may be bare seconds ("30") or Go durations ("30s", "5m").
func (n Node) DurationProp(key string, def time.Duration) time.Duration {
	if n.Properties == nil {
		return def
	}
	switch v := n.Properties[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return def
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		var secs int
		if _, err := fmt.Sscanf(s, "%d", &secs); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

// MaxIteration reads the per-node iteration cap (accepting both the singular
// and plural property spelling), defaulting to 1 and flooring at 1.
func (n Node) MaxIteration() int {
	v := n.IntProp("max_iteration", 0)
	if v == 0 {
		v = n.IntProp("max_iterations", 0)
	}
	if v < 1 {
		return 1
	}
	return v
}

// Arrow connects source to target. Endpoints are written "node" or
// "node:handle"; Label keys the value a consumer reads (default "default");
// Branch is "true" or "false" when the source is a condition node.
type Arrow struct {
	Source      string `json:"source" yaml:"source"`
	Target      string `json:"target" yaml:"target"`
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	Branch      string `json:"branch,omitempty" yaml:"branch,omitempty"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
}

// EffectiveLabel applies the default-label rule.
func (a Arrow) EffectiveLabel() string {
	if strings.TrimSpace(a.Label) == "" {
		return DefaultHandle
	}
	return a.Label
}

// BranchBool parses the branch field; ok is false when unset.
func (a Arrow) BranchBool() (val bool, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(a.Branch)) {
	case "":
		return false, false, nil
	case "true":
		return true, true, nil
	case "false":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("invalid branch value %q (want true or false)", a.Branch)
	}
}

// SplitEndpoint splits an arrow endpoint at the first colon into node id and
// handle; the handle defaults to "default" when absent.
func SplitEndpoint(s string) (nodeID, handle string) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ":"); i >= 0 {
		h := strings.TrimSpace(s[i+1:])
		if h == "" {
			h = DefaultHandle
		}
		return strings.TrimSpace(s[:i]), h
	}
	return s, DefaultHandle
}

// Person is a named LLM agent configuration consumed by person_job nodes.
type Person struct {
	Service      string  `json:"service" yaml:"service"`
	Model        string  `json:"model" yaml:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	APIKeyID     string  `json:"api_key_id,omitempty" yaml:"api_key_id,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Diagram is the complete input document.
type Diagram struct {
	ID      string            `json:"id,omitempty" yaml:"id,omitempty"`
	Version string            `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes   []Node            `json:"nodes" yaml:"nodes"`
	Arrows  []Arrow           `json:"arrows,omitempty" yaml:"arrows,omitempty"`
	Persons map[string]Person `json:"persons,omitempty" yaml:"persons,omitempty"`
}

// Node returns the node with the given id, or nil.
func (d *Diagram) Node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodesOfType lists ids of nodes whose type normalizes to t. Unparseable
// types are skipped; validation reports those separately.
func (d *Diagram) NodesOfType(t NodeType) []string {
	var ids []string
	for _, n := range d.Nodes {
		nt, err := ParseNodeType(n.Type)
		if err != nil {
			continue
		}
		if nt == t {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
