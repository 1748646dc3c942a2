package runtime

import (
	"testing"
	"time"
)

func TestParseNodeStatus(t *testing.T) {
	cases := map[string]NodeStatus{
		"running":   StatusRunning,
		"completed": StatusCompleted,
		"complete":  StatusCompleted,
		"ok":        StatusCompleted,
		"success":   StatusCompleted,
		"failed":    StatusFailed,
		"FAILURE":   StatusFailed,
		"error":     StatusFailed,
		"skip":      StatusSkipped,
		"canceled":  StatusCancelled,
		"cancelled": StatusCancelled,
		" Running ": StatusRunning,
	}
	for in, want := range cases {
		got, err := ParseNodeStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseNodeStatus(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "bogus"} {
		if _, err := ParseNodeStatus(in); err == nil {
			t.Fatalf("ParseNodeStatus(%q) accepted", in)
		}
	}
}

func TestOutputConstructors(t *testing.T) {
	out := NewOutput(5)
	if out.Value[DefaultLabel] != 5 {
		t.Fatalf("Value = %#v", out.Value)
	}
	if out.Status() != StatusCompleted || out.Failed() {
		t.Fatalf("status = %q failed = %v", out.Status(), out.Failed())
	}

	empty := NewValueOutput(nil)
	if empty.Value == nil || len(empty.Value) != 0 {
		t.Fatalf("nil value map = %#v", empty.Value)
	}

	failed := FailedOutput(KindTimeout, "slow node")
	if !failed.Failed() || failed.Status() != StatusFailed {
		t.Fatalf("failed output status = %q", failed.Status())
	}
	if failed.Metadata[MetaError] != "slow node" || failed.Metadata[MetaErrorKind] != "timeout" {
		t.Fatalf("failed metadata = %#v", failed.Metadata)
	}

	var nilOut *NodeOutput
	if nilOut.Status() != "" || nilOut.Failed() {
		t.Fatal("nil output should have no status")
	}
}

func TestConditionResult(t *testing.T) {
	out := NewOutput("x")
	if _, ok := out.ConditionResult(); ok {
		t.Fatal("unset condition result reported present")
	}
	out.SetConditionResult(true)
	if r, ok := out.ConditionResult(); !ok || !r {
		t.Fatalf("ConditionResult = %v/%v", r, ok)
	}
	var nilOut *NodeOutput
	if _, ok := nilOut.ConditionResult(); ok {
		t.Fatal("nil output reported a condition result")
	}
}

func TestTokensRoundTrip(t *testing.T) {
	out := NewOutput("x")
	if _, ok := out.Tokens(); ok {
		t.Fatal("tokens reported before set")
	}
	u := TokenUsage{Input: 3, Output: 4, Total: 7}
	out.SetTokens(u)
	if got, ok := out.Tokens(); !ok || got != u {
		t.Fatalf("Tokens = %#v/%v", got, ok)
	}

	// After a JSON round trip the metadata holds a plain map.
	decoded := &NodeOutput{Metadata: map[string]any{
		MetaTokenUsage: map[string]any{"input": float64(1), "output": float64(2), "total": float64(3), "cached": float64(4)},
	}}
	got, ok := decoded.Tokens()
	if !ok || got != (TokenUsage{Input: 1, Output: 2, Total: 3, Cached: 4}) {
		t.Fatalf("decoded tokens = %#v/%v", got, ok)
	}
}

func TestTokenUsageMath(t *testing.T) {
	if !(TokenUsage{}).IsZero() {
		t.Fatal("zero usage not zero")
	}
	if (TokenUsage{Cached: 1}).IsZero() {
		t.Fatal("cached-only usage reported zero")
	}
	sum := TokenUsage{Input: 1, Output: 2, Total: 3}.Add(TokenUsage{Input: 10, Output: 20, Total: 30, Cached: 5})
	if sum != (TokenUsage{Input: 11, Output: 22, Total: 33, Cached: 5}) {
		t.Fatalf("Add = %#v", sum)
	}
}

func TestStampTiming(t *testing.T) {
	out := NewOutput("x")
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	out.StampTiming(started, started.Add(1500*time.Millisecond))
	if out.Metadata[MetaDurationMS] != int64(1500) {
		t.Fatalf("duration = %#v", out.Metadata[MetaDurationMS])
	}
	for _, key := range []string{MetaStartedAt, MetaEndedAt} {
		s, ok := out.Metadata[key].(string)
		if !ok {
			t.Fatalf("%s = %#v", key, out.Metadata[key])
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			t.Fatalf("%s %q does not parse: %v", key, s, err)
		}
	}
}
