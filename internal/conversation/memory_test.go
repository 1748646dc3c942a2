package conversation

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/dipeo/engine/internal/runtime"
)

func contentsOf(msgs []VisibleMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestVisibleMessages_RewritesRolesPerReader(t *testing.T) {
	s := NewStore()
	s.AddMessage("hello from alice", "alice", "e1", []string{"alice", "bob"},
		"assistant", "n1", "Writer", runtime.TokenUsage{})
	s.AddMessage("context", "", "e1", []string{"alice", "bob"},
		"user", "n2", "Seed", runtime.TokenUsage{})

	alice := s.VisibleMessages("alice")
	if len(alice) != 2 {
		t.Fatalf("alice sees %d messages, want 2", len(alice))
	}
	if alice[0].Role != "assistant" || alice[0].Content != "hello from alice" {
		t.Fatalf("own message: got %#v", alice[0])
	}
	if alice[1].Role != "user" || alice[1].Content != "[Seed]: context" {
		t.Fatalf("foreign message: got %#v", alice[1])
	}

	bob := s.VisibleMessages("bob")
	if bob[0].Role != "user" || bob[0].Content != "[Writer]: hello from alice" {
		t.Fatalf("bob reads alice as user with label prefix: got %#v", bob[0])
	}
	if bob[0].PersonID != "alice" {
		t.Fatalf("sender id: got %q", bob[0].PersonID)
	}

	if got := s.VisibleMessages("nobody"); got != nil {
		t.Fatalf("unknown person: got %#v, want nil", got)
	}
}

func TestVisibleMessages_NoLabelNoPrefix(t *testing.T) {
	s := NewStore()
	s.AddMessage("bare", "", "e1", []string{"p"}, "user", "n1", "", runtime.TokenUsage{})
	got := s.VisibleMessages("p")
	if len(got) != 1 || got[0].Content != "bare" {
		t.Fatalf("unlabelled message: got %#v", got)
	}
}

func TestForgetForPerson_ScopedToExecution(t *testing.T) {
	s := NewStore()
	s.AddMessage("first run", "", "e1", []string{"p"}, "user", "n", "", runtime.TokenUsage{})
	s.AddMessage("second run", "", "e2", []string{"p"}, "user", "n", "", runtime.TokenUsage{})

	s.ForgetForPerson("p", "e1")
	if got := contentsOf(s.VisibleMessages("p")); !reflect.DeepEqual(got, []string{"second run"}) {
		t.Fatalf("after scoped forget: got %q", got)
	}

	s.ForgetForPerson("p", "")
	if got := s.VisibleMessages("p"); len(got) != 0 {
		t.Fatalf("after full forget: got %#v", got)
	}

	// Forgetting is a mask, not a delete.
	if global, person := s.Len("p"); global != 2 || person != 2 {
		t.Fatalf("Len after forget = %d/%d, want 2/2", global, person)
	}

	s.ForgetForPerson("nobody", "") // no log, no panic
}

func TestForgetOwnMessages_LeavesForeignTurns(t *testing.T) {
	s := NewStore()
	s.AddMessage("own e1", "p", "e1", []string{"p"}, "assistant", "n", "", runtime.TokenUsage{})
	s.AddMessage("own e2", "p", "e2", []string{"p"}, "assistant", "n", "", runtime.TokenUsage{})
	s.AddMessage("foreign e1", "q", "e1", []string{"p"}, "user", "n", "", runtime.TokenUsage{})

	s.ForgetOwnMessages("p", "e1")
	got := contentsOf(s.VisibleMessages("p"))
	want := []string{"own e2", "foreign e1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("after own-forget: got %q, want %q", got, want)
	}
}

func TestPerPersonBoundKeepsNewestMessages(t *testing.T) {
	s := NewStoreWithLimits(2, 100)
	for i := 1; i <= 3; i++ {
		s.AddMessage(fmt.Sprintf("m%d", i), "", "e1", []string{"p"}, "user", "n", "", runtime.TokenUsage{})
	}
	if got := contentsOf(s.VisibleMessages("p")); !reflect.DeepEqual(got, []string{"m2", "m3"}) {
		t.Fatalf("person log: got %q, want the two newest", got)
	}
	// The store itself still holds all three; only the person's window moved.
	if global, person := s.Len("p"); global != 3 || person != 2 {
		t.Fatalf("Len = %d/%d, want 3/2", global, person)
	}
}

func TestGlobalBoundEvictsOldestEverywhere(t *testing.T) {
	s := NewStoreWithLimits(100, 2)
	s.AddMessage("m1", "", "e1", []string{"p"}, "user", "n", "", runtime.TokenUsage{})
	s.ForgetForPerson("p", "") // mask m1 so eviction must also clean the mask
	s.AddMessage("m2", "", "e1", []string{"p"}, "user", "n", "", runtime.TokenUsage{})
	s.AddMessage("m3", "", "e1", []string{"p"}, "user", "n", "", runtime.TokenUsage{})

	if global, person := s.Len("p"); global != 2 || person != 2 {
		t.Fatalf("Len = %d/%d, want 2/2 after eviction", global, person)
	}
	if got := contentsOf(s.VisibleMessages("p")); !reflect.DeepEqual(got, []string{"m2", "m3"}) {
		t.Fatalf("after eviction: got %q", got)
	}
}

func TestExecutionTokens_AccumulatePerExecution(t *testing.T) {
	s := NewStore()
	s.AddMessage("a", "p", "e1", []string{"p"}, "assistant", "n", "",
		runtime.TokenUsage{Input: 10, Output: 5, Total: 15})
	s.AddMessage("b", "p", "e1", []string{"p"}, "assistant", "n", "",
		runtime.TokenUsage{Input: 1, Output: 2, Total: 3, Cached: 4})
	s.AddMessage("c", "p", "e2", []string{"p"}, "assistant", "n", "",
		runtime.TokenUsage{Input: 7, Output: 7, Total: 14})

	want := runtime.TokenUsage{Input: 11, Output: 7, Total: 18, Cached: 4}
	if got := s.ExecutionTokens("e1"); got != want {
		t.Fatalf("e1 tokens = %#v, want %#v", got, want)
	}
	if got := s.ExecutionTokens("e2"); got.Total != 14 {
		t.Fatalf("e2 tokens = %#v", got)
	}
	if got := s.ExecutionTokens("missing"); !got.IsZero() {
		t.Fatalf("unknown execution tokens = %#v, want zero", got)
	}
}

func TestLimitsFloorAtDefaults(t *testing.T) {
	s := NewStoreWithLimits(0, -1)
	if s.maxPerPerson != DefaultMaxPerPerson || s.maxGlobal != DefaultMaxGlobal {
		t.Fatalf("limits = %d/%d, want defaults", s.maxPerPerson, s.maxGlobal)
	}
	if global, person := s.Len("p"); global != 0 || person != 0 {
		t.Fatalf("empty store Len = %d/%d", global, person)
	}
}
