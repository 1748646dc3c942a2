package diagram

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule      string   `json:"rule"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	NodeID    string   `json:"node_id,omitempty"`
	ArrowFrom string   `json:"arrow_from,omitempty"`
	ArrowTo   string   `json:"arrow_to,omitempty"`
	Fix       string   `json:"fix,omitempty"`
}

// LintRule is the interface for caller-supplied rules appended after the
// built-in set (the coordinator adds a registry-aware type check this way).
type LintRule interface {
	Name() string
	Apply(d *Diagram) []Diagnostic
}

// Validate runs all built-in lint rules and any extra rules against the
// diagram.
func Validate(d *Diagram, extraRules ...LintRule) []Diagnostic {
	if d == nil {
		return []Diagnostic{{Rule: "diagram_nil", Severity: SeverityError, Message: "diagram is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintNodeIDsUnique(d)...)
	diags = append(diags, lintNodeTypesParse(d)...)
	diags = append(diags, lintArrowEndpointsExist(d)...)
	diags = append(diags, lintBranchValues(d)...)
	diags = append(diags, lintPersonRefsResolve(d)...)
	diags = append(diags, lintStartPresent(d)...)
	diags = append(diags, lintEndpointNoOutgoing(d)...)
	diags = append(diags, lintDuplicateIncomingLabels(d)...)
	diags = append(diags, lintMaxIterationPositive(d)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(d)...)
		}
	}
	return diags
}

// ValidateOrError returns an error summarizing all ERROR diagnostics, or nil.
func ValidateOrError(d *Diagram, extraRules ...LintRule) error {
	diags := Validate(d, extraRules...)
	var errs []string
	for _, diag := range diags {
		if diag.Severity == SeverityError {
			errs = append(errs, diag.Rule+": "+diag.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("diagram validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintNodeIDsUnique(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, n := range d.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_present",
				Severity: SeverityError,
				Message:  "node has empty id",
			})
			continue
		}
		if seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_unique",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node id %q", id),
				NodeID:   id,
			})
		}
		seen[id] = true
	}
	return diags
}

func lintNodeTypesParse(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.Nodes {
		if _, err := ParseNodeType(n.Type); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "node_type_known",
				Severity: SeverityError,
				Message:  err.Error(),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintArrowEndpointsExist(d *Diagram) []Diagnostic {
	ids := map[string]bool{}
	for _, n := range d.Nodes {
		ids[n.ID] = true
	}
	var diags []Diagnostic
	for _, a := range d.Arrows {
		src, _ := SplitEndpoint(a.Source)
		dst, _ := SplitEndpoint(a.Target)
		if !ids[src] {
			diags = append(diags, Diagnostic{
				Rule:      "arrow_endpoints_exist",
				Severity:  SeverityError,
				Message:   fmt.Sprintf("arrow references missing source node %q", src),
				ArrowFrom: a.Source,
				ArrowTo:   a.Target,
			})
		}
		if !ids[dst] {
			diags = append(diags, Diagnostic{
				Rule:      "arrow_endpoints_exist",
				Severity:  SeverityError,
				Message:   fmt.Sprintf("arrow references missing target node %q", dst),
				ArrowFrom: a.Source,
				ArrowTo:   a.Target,
			})
		}
	}
	return diags
}

func lintBranchValues(d *Diagram) []Diagnostic {
	condIDs := map[string]bool{}
	for _, id := range d.NodesOfType(NodeCondition) {
		condIDs[id] = true
	}
	var diags []Diagnostic
	for _, a := range d.Arrows {
		_, set, err := a.BranchBool()
		if err != nil {
			diags = append(diags, Diagnostic{
				Rule:      "branch_value",
				Severity:  SeverityError,
				Message:   err.Error(),
				ArrowFrom: a.Source,
				ArrowTo:   a.Target,
			})
			continue
		}
		if !set {
			continue
		}
		src, _ := SplitEndpoint(a.Source)
		if !condIDs[src] {
			diags = append(diags, Diagnostic{
				Rule:      "branch_on_condition",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("branch=%s on arrow from non-condition node %q has no effect", a.Branch, src),
				ArrowFrom: a.Source,
				ArrowTo:   a.Target,
			})
		}
	}
	return diags
}

func lintPersonRefsResolve(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.Nodes {
		nt, err := ParseNodeType(n.Type)
		if err != nil || nt != NodePersonJob {
			continue
		}
		var ref string
		switch v := n.Properties["person"].(type) {
		case string:
			ref = strings.TrimSpace(v)
		case map[string]any:
			// Inline person config; the handler schema checks it.
			continue
		}
		if ref == "" {
			if s, ok := n.Properties["person_id"].(string); ok {
				ref = strings.TrimSpace(s)
			}
		}
		if ref == "" {
			continue
		}
		if _, ok := d.Persons[ref]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "person_ref_resolves",
				Severity: SeverityError,
				Message:  fmt.Sprintf("person_job references undefined person %q", ref),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

// lintStartPresent warns rather than errors: a diagram without a start node
// can still be legal input, it just deadlocks at runtime unless some node has
// no dependencies.
func lintStartPresent(d *Diagram) []Diagnostic {
	if len(d.Nodes) == 0 {
		return []Diagnostic{{
			Rule:     "nodes_present",
			Severity: SeverityError,
			Message:  "diagram has no nodes",
		}}
	}
	if len(d.NodesOfType(NodeStart)) == 0 {
		return []Diagnostic{{
			Rule:     "start_present",
			Severity: SeverityWarning,
			Message:  "diagram has no start node; execution deadlocks unless another node has no incoming arrows",
		}}
	}
	return nil
}

func lintEndpointNoOutgoing(d *Diagram) []Diagnostic {
	endpointIDs := map[string]bool{}
	for _, id := range d.NodesOfType(NodeEndpoint) {
		endpointIDs[id] = true
	}
	var diags []Diagnostic
	for _, a := range d.Arrows {
		src, _ := SplitEndpoint(a.Source)
		if endpointIDs[src] {
			diags = append(diags, Diagnostic{
				Rule:      "endpoint_no_outgoing",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("endpoint node %q has an outgoing arrow that will never fire", src),
				ArrowFrom: a.Source,
				ArrowTo:   a.Target,
			})
		}
	}
	return diags
}

// lintDuplicateIncomingLabels flags two incoming arrows delivering the same
// label to one node: the later arrow silently wins at input collection.
func lintDuplicateIncomingLabels(d *Diagram) []Diagnostic {
	type key struct{ node, label string }
	seen := map[key]bool{}
	var diags []Diagnostic
	for _, a := range d.Arrows {
		dst, handle := SplitEndpoint(a.Target)
		k := key{node: dst + "\x00" + handle, label: a.EffectiveLabel()}
		if seen[k] {
			diags = append(diags, Diagnostic{
				Rule:      "duplicate_input_label",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("node %q receives label %q from more than one arrow; the later value wins", dst, a.EffectiveLabel()),
				NodeID:    dst,
				ArrowFrom: a.Source,
				ArrowTo:   a.Target,
			})
		}
		seen[k] = true
	}
	return diags
}

func lintMaxIterationPositive(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.Nodes {
		if n.Properties == nil {
			continue
		}
		raw, ok := n.Properties["max_iteration"]
		if !ok {
			raw, ok = n.Properties["max_iterations"]
		}
		if !ok {
			continue
		}
		if v := n.IntProp("max_iteration", n.IntProp("max_iterations", 1)); v < 1 {
			diags = append(diags, Diagnostic{
				Rule:     "max_iteration_positive",
				Severity: SeverityError,
				Message:  fmt.Sprintf("max_iteration %v must be >= 1", raw),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

// TypeKnownRule checks explicit node types against the set a handler registry
// actually serves. Provided as an extra rule so this package does not depend
// on the registry.
type TypeKnownRule struct {
	KnownTypes map[string]bool
}

func NewTypeKnownRule(knownTypes []string) *TypeKnownRule {
	m := make(map[string]bool, len(knownTypes))
	for _, t := range knownTypes {
		m[t] = true
	}
	return &TypeKnownRule{KnownTypes: m}
}

func (r *TypeKnownRule) Name() string { return "type_registered" }

func (r *TypeKnownRule) Apply(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.Nodes {
		nt, err := ParseNodeType(n.Type)
		if err != nil {
			continue // node_type_known already covers this
		}
		if !r.KnownTypes[string(nt)] {
			diags = append(diags, Diagnostic{
				Rule:     "type_registered",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node type %q has no registered handler", nt),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}
