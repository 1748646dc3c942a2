package engine

import (
	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/runtime"
)

// collectInputs gathers the input map for a node about to run. It depends
// only on the current outputs of the node's immediate producers and the
// node's exec count, so recomputing it against unchanged state is stable.
//
// Selection: a person_job on its first run with any "first"-handle edges
// reads only those; afterwards it reads only its non-first edges. Every
// other node type treats "first" as an ordinary handle.
func collectInputs(v *View, n *NodeView) map[string]any {
	var first, rest []*EdgeView
	for _, e := range n.Incoming {
		if e.TargetHandle == diagram.FirstHandle {
			first = append(first, e)
		} else {
			rest = append(rest, e)
		}
	}

	var selected []*EdgeView
	switch {
	case n.Type() == diagram.NodePersonJob && v.ExecCountOf(n) == 0 && len(first) > 0:
		selected = first
	case n.Type() == diagram.NodePersonJob:
		selected = rest
	default:
		selected = n.Incoming
	}

	inputs := map[string]any{}
	for _, e := range selected {
		out := v.OutputOf(e.Source)
		if out == nil {
			continue
		}
		if e.Source.Type() == diagram.NodeCondition && e.Branch != nil {
			result, ok := out.ConditionResult()
			if !ok || result != *e.Branch {
				continue
			}
		}
		label := e.Label
		if val, ok := out.Value[label]; ok {
			inputs[label] = val
			continue
		}
		// Conversation passthrough: a producer that emitted conversation
		// state satisfies a default-labelled edge with it.
		if label == runtime.DefaultLabel {
			if conv, ok := out.Value["conversation"]; ok {
				inputs[runtime.DefaultLabel] = conv
			}
		}
	}
	return inputs
}
