package runtime

import (
	"fmt"
	"strings"
	"time"
)

// NodeStatus is the per-node status recorded in output metadata.
type NodeStatus string

const (
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusCancelled NodeStatus = "cancelled"
)

func ParseNodeStatus(s string) (NodeStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StatusRunning, nil
	case "completed", "complete", "ok", "success":
		return StatusCompleted, nil
	case "failed", "fail", "failure", "error":
		return StatusFailed, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	case "":
		return "", fmt.Errorf("invalid node status: empty string")
	default:
		return "", fmt.Errorf("invalid node status: %q", s)
	}
}

// Metadata keys written by the scheduler and read by consumers.
const (
	MetaStatus          = "status"
	MetaError           = "error"
	MetaErrorKind       = "kind"
	MetaTokenUsage      = "tokenUsage"
	MetaConditionResult = "condition_result"
	MetaStartedAt       = "started_at"
	MetaEndedAt         = "ended_at"
	MetaDurationMS      = "duration_ms"
)

// DefaultLabel is the arrow label used when a diagram author writes none.
const DefaultLabel = "default"

// NodeOutput is the single value a handler returns per iteration. Value is
// keyed by outgoing-edge label; Metadata carries status, errors, token usage
// and timing. Once stored in the execution context a NodeOutput is treated as
// immutable by every reader.
type NodeOutput struct {
	Value    map[string]any `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewOutput returns an output with the given value under the default label
// and status completed.
func NewOutput(v any) *NodeOutput {
	return &NodeOutput{
		Value:    map[string]any{DefaultLabel: v},
		Metadata: map[string]any{MetaStatus: string(StatusCompleted)},
	}
}

// NewValueOutput wraps an already label-keyed value map.
func NewValueOutput(value map[string]any) *NodeOutput {
	if value == nil {
		value = map[string]any{}
	}
	return &NodeOutput{
		Value:    value,
		Metadata: map[string]any{MetaStatus: string(StatusCompleted)},
	}
}

// FailedOutput records a failure for a node that produced no value.
func FailedOutput(kind ErrorKind, msg string) *NodeOutput {
	return &NodeOutput{
		Value: map[string]any{},
		Metadata: map[string]any{
			MetaStatus:    string(StatusFailed),
			MetaError:     msg,
			MetaErrorKind: string(kind),
		},
	}
}

func (o *NodeOutput) Status() NodeStatus {
	if o == nil || o.Metadata == nil {
		return ""
	}
	s, _ := o.Metadata[MetaStatus].(string)
	st, err := ParseNodeStatus(s)
	if err != nil {
		return ""
	}
	return st
}

func (o *NodeOutput) Failed() bool { return o.Status() == StatusFailed }

// ConditionResult reports the boolean a condition node stored, and whether
// one is present.
func (o *NodeOutput) ConditionResult() (bool, bool) {
	if o == nil || o.Metadata == nil {
		return false, false
	}
	r, ok := o.Metadata[MetaConditionResult].(bool)
	return r, ok
}

func (o *NodeOutput) SetConditionResult(r bool) {
	o.ensureMetadata()
	o.Metadata[MetaConditionResult] = r
}

// Tokens returns the token usage attached to the output, if any.
func (o *NodeOutput) Tokens() (TokenUsage, bool) {
	if o == nil || o.Metadata == nil {
		return TokenUsage{}, false
	}
	switch v := o.Metadata[MetaTokenUsage].(type) {
	case TokenUsage:
		return v, true
	case *TokenUsage:
		if v != nil {
			return *v, true
		}
	case map[string]any:
		return tokenUsageFromMap(v), true
	}
	return TokenUsage{}, false
}

func (o *NodeOutput) SetTokens(u TokenUsage) {
	o.ensureMetadata()
	o.Metadata[MetaTokenUsage] = u
}

// StampTiming records start/end wall times and the duration in metadata.
func (o *NodeOutput) StampTiming(started, ended time.Time) {
	o.ensureMetadata()
	o.Metadata[MetaStartedAt] = started.UTC().Format(time.RFC3339Nano)
	o.Metadata[MetaEndedAt] = ended.UTC().Format(time.RFC3339Nano)
	o.Metadata[MetaDurationMS] = ended.Sub(started).Milliseconds()
}

func (o *NodeOutput) ensureMetadata() {
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
}

// TokenUsage is the per-call token breakdown reported by LLM services and
// accumulated per execution.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
	Cached int `json:"cached,omitempty"`
}

func (u TokenUsage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.Total == 0 && u.Cached == 0
}

func (u TokenUsage) Add(v TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + v.Input,
		Output: u.Output + v.Output,
		Total:  u.Total + v.Total,
		Cached: u.Cached + v.Cached,
	}
}

func tokenUsageFromMap(m map[string]any) TokenUsage {
	return TokenUsage{
		Input:  intFrom(m["input"]),
		Output: intFrom(m["output"]),
		Total:  intFrom(m["total"]),
		Cached: intFrom(m["cached"]),
	}
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}
