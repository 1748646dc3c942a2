package diagram

import (
	"strings"
	"testing"
)

func findRule(diags []Diagnostic, rule string) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Rule == rule {
			out = append(out, d)
		}
	}
	return out
}

func TestValidate_CleanDiagramIsQuiet(t *testing.T) {
	d := &Diagram{
		Nodes: []Node{
			{ID: "start", Type: "start"},
			{ID: "ask", Type: "person_job", Properties: map[string]any{"person": "poet", "prompt": "go", "max_iteration": 2}},
			{ID: "check", Type: "condition", Properties: map[string]any{"expression": "true"}},
			{ID: "done", Type: "endpoint"},
		},
		Arrows: []Arrow{
			{Source: "start", Target: "ask:first"},
			{Source: "ask", Target: "check"},
			{Source: "check", Target: "done", Branch: "true"},
			{Source: "check", Target: "ask", Branch: "false"},
		},
		Persons: map[string]Person{"poet": {Service: "anthropic", Model: "m"}},
	}
	if diags := Validate(d); len(diags) != 0 {
		t.Fatalf("clean diagram produced diagnostics: %+v", diags)
	}
	if err := ValidateOrError(d); err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
}

func TestValidate_FlagsStructuralErrors(t *testing.T) {
	t.Run("empty and duplicate ids", func(t *testing.T) {
		d := &Diagram{Nodes: []Node{
			{ID: "", Type: "start"},
			{ID: "a", Type: "start"},
			{ID: "a", Type: "endpoint"},
		}}
		diags := Validate(d)
		if got := findRule(diags, "node_id_present"); len(got) != 1 || got[0].Severity != SeverityError {
			t.Fatalf("node_id_present: %+v", got)
		}
		if got := findRule(diags, "node_id_unique"); len(got) != 1 || got[0].NodeID != "a" {
			t.Fatalf("node_id_unique: %+v", got)
		}
	})

	t.Run("unknown node type", func(t *testing.T) {
		d := &Diagram{Nodes: []Node{{ID: "x", Type: "warp_drive"}}}
		got := findRule(Validate(d), "node_type_known")
		if len(got) != 1 || got[0].Severity != SeverityError || got[0].NodeID != "x" {
			t.Fatalf("node_type_known: %+v", got)
		}
	})

	t.Run("arrow endpoints must exist", func(t *testing.T) {
		d := &Diagram{
			Nodes:  []Node{{ID: "a", Type: "start"}},
			Arrows: []Arrow{{Source: "ghost", Target: "wraith"}},
		}
		got := findRule(Validate(d), "arrow_endpoints_exist")
		if len(got) != 2 {
			t.Fatalf("arrow_endpoints_exist: want one per missing end, got %+v", got)
		}
		if got[0].ArrowFrom != "ghost" || got[0].ArrowTo != "wraith" {
			t.Fatalf("arrow fields: %+v", got[0])
		}
	})

	t.Run("branch values", func(t *testing.T) {
		d := &Diagram{
			Nodes: []Node{
				{ID: "s", Type: "start"},
				{ID: "c", Type: "condition"},
				{ID: "e", Type: "endpoint"},
			},
			Arrows: []Arrow{
				{Source: "c", Target: "e", Branch: "maybe"},
				{Source: "s", Target: "e", Branch: "true"},
			},
		}
		diags := Validate(d)
		if got := findRule(diags, "branch_value"); len(got) != 1 || got[0].Severity != SeverityError {
			t.Fatalf("branch_value: %+v", got)
		}
		if got := findRule(diags, "branch_on_condition"); len(got) != 1 || got[0].Severity != SeverityWarning {
			t.Fatalf("branch_on_condition: %+v", got)
		}
	})

	t.Run("person references", func(t *testing.T) {
		d := &Diagram{Nodes: []Node{
			{ID: "s", Type: "start"},
			{ID: "p1", Type: "person_job", Properties: map[string]any{"person": "ghost"}},
			{ID: "p2", Type: "person_job", Properties: map[string]any{"person_id": "ghost"}},
			{ID: "p3", Type: "person_job", Properties: map[string]any{
				"person": map[string]any{"service": "openai", "model": "m"},
			}},
		}}
		got := findRule(Validate(d), "person_ref_resolves")
		if len(got) != 2 {
			t.Fatalf("person_ref_resolves: want p1 and p2 only, got %+v", got)
		}
		for _, diag := range got {
			if diag.NodeID == "p3" {
				t.Fatalf("inline person flagged: %+v", diag)
			}
		}
	})

	t.Run("max_iteration must be positive", func(t *testing.T) {
		d := &Diagram{Nodes: []Node{
			{ID: "s", Type: "start"},
			{ID: "p", Type: "person_job", Properties: map[string]any{"max_iteration": 0}},
			{ID: "q", Type: "person_job", Properties: map[string]any{"max_iterations": -3}},
		}}
		got := findRule(Validate(d), "max_iteration_positive")
		if len(got) != 2 {
			t.Fatalf("max_iteration_positive: %+v", got)
		}
	})

	t.Run("empty diagram", func(t *testing.T) {
		got := findRule(Validate(&Diagram{}), "nodes_present")
		if len(got) != 1 || got[0].Severity != SeverityError {
			t.Fatalf("nodes_present: %+v", got)
		}
		if got := Validate(nil); len(got) != 1 || got[0].Rule != "diagram_nil" {
			t.Fatalf("nil diagram: %+v", got)
		}
	})
}

func TestValidate_WarningsDoNotBlockExecution(t *testing.T) {
	d := &Diagram{
		Nodes: []Node{
			{ID: "work", Type: "code_job", Properties: map[string]any{"language": "expression", "code": "1"}},
			{ID: "end", Type: "endpoint"},
			{ID: "late", Type: "code_job"},
		},
		Arrows: []Arrow{
			{Source: "work", Target: "end"},
			{Source: "end", Target: "late"},
			{Source: "work", Target: "late"},
			{Source: "end", Target: "late"},
		},
	}
	diags := Validate(d)
	if got := findRule(diags, "start_present"); len(got) != 1 || got[0].Severity != SeverityWarning {
		t.Fatalf("start_present: %+v", got)
	}
	if got := findRule(diags, "endpoint_no_outgoing"); len(got) != 2 || got[0].Severity != SeverityWarning {
		t.Fatalf("endpoint_no_outgoing: %+v", got)
	}
	// Three default-label arrows land on "late"; the second and third repeat.
	if got := findRule(diags, "duplicate_input_label"); len(got) != 2 || got[0].NodeID != "late" {
		t.Fatalf("duplicate_input_label: %+v", got)
	}

	if err := ValidateOrError(d); err != nil {
		t.Fatalf("warnings escalated to an error: %v", err)
	}
}

func TestValidateOrError_JoinsErrorRules(t *testing.T) {
	d := &Diagram{Nodes: []Node{
		{ID: "x", Type: "warp_drive"},
		{ID: "x", Type: "start"},
	}}
	err := ValidateOrError(d)
	if err == nil {
		t.Fatal("broken diagram validated")
	}
	for _, rule := range []string{"node_type_known", "node_id_unique"} {
		if !strings.Contains(err.Error(), rule) {
			t.Fatalf("error %v does not name %s", err, rule)
		}
	}
}

func TestTypeKnownRule(t *testing.T) {
	rule := NewTypeKnownRule([]string{"start", "endpoint"})
	if rule.Name() != "type_registered" {
		t.Fatalf("Name = %q", rule.Name())
	}
	d := &Diagram{Nodes: []Node{
		{ID: "s", Type: "start"},
		{ID: "c", Type: "condition"},
		{ID: "z", Type: "gibberish"},
	}}
	diags := Validate(d, rule, nil)
	got := findRule(diags, "type_registered")
	if len(got) != 1 || got[0].NodeID != "c" || got[0].Severity != SeverityError {
		t.Fatalf("type_registered: %+v", got)
	}
	// The unparseable type is node_type_known's job, not this rule's.
	if got := findRule(diags, "node_type_known"); len(got) != 1 || got[0].NodeID != "z" {
		t.Fatalf("node_type_known: %+v", got)
	}
}
