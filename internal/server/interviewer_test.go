package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// waitForPending polls until at least n prompts are pending, returning them.
func waitForPending(t *testing.T, wi *WebInterviewer, n int) []PendingPrompt {
	t.Helper()
	for i := 0; i < 100; i++ {
		pps := wi.Pending()
		if len(pps) >= n {
			return pps
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least %d pending prompt(s), got %d", n, len(wi.Pending()))
	return nil
}

type askResult struct {
	answer string
	err    error
}

func TestWebInterviewer_AskAndAnswer(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)

	done := make(chan askResult, 1)
	go func() {
		a, err := wi.Ask(context.Background(), "Approve?", 0)
		done <- askResult{a, err}
	}()

	pps := waitForPending(t, wi, 1)
	pp := pps[0]
	if pp.Prompt != "Approve?" {
		t.Fatalf("unexpected prompt text: %s", pp.Prompt)
	}
	if pp.AskedAt.IsZero() {
		t.Fatal("prompt missing asked_at")
	}

	if ok := wi.Answer(pp.PromptID, "y"); !ok {
		t.Fatal("answer should have succeeded")
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Ask returned error: %v", res.err)
		}
		if res.answer != "y" {
			t.Fatalf("unexpected answer: %q", res.answer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Ask to return")
	}

	if len(wi.Pending()) != 0 {
		t.Fatal("expected no pending prompts after answer")
	}
}

func TestWebInterviewer_EmptyIDMatchesSinglePending(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)

	done := make(chan askResult, 1)
	go func() {
		a, err := wi.Ask(context.Background(), "only one", 0)
		done <- askResult{a, err}
	}()
	waitForPending(t, wi, 1)

	if ok := wi.Answer("", "sure"); !ok {
		t.Fatal("empty prompt id should match the single pending prompt")
	}
	res := <-done
	if res.err != nil || res.answer != "sure" {
		t.Fatalf("Ask = %q, %v", res.answer, res.err)
	}
}

func TestWebInterviewer_EmptyIDAmbiguousWithTwoPending(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)

	for i := 0; i < 2; i++ {
		go wi.Ask(context.Background(), "parallel", 0)
	}
	waitForPending(t, wi, 2)

	if ok := wi.Answer("", "x"); ok {
		t.Fatal("empty prompt id must not match when two prompts are pending")
	}
	wi.Cancel()
}

func TestWebInterviewer_Timeout(t *testing.T) {
	wi := NewWebInterviewer(time.Minute)

	start := time.Now()
	_, err := wi.Ask(context.Background(), "will expire", 50*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestWebInterviewer_DefaultTimeoutWhenUnset(t *testing.T) {
	wi := NewWebInterviewer(50 * time.Millisecond)

	_, err := wi.Ask(context.Background(), "uses default", 0)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected default-timeout error, got %v", err)
	}
}

func TestWebInterviewer_AnswerWrongID(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)

	go wi.Ask(context.Background(), "test", 0)
	waitForPending(t, wi, 1)

	if ok := wi.Answer("wrong-id", "x"); ok {
		t.Fatal("answer with wrong prompt id should return false")
	}
	wi.Cancel()
}

func TestWebInterviewer_NoPending(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)
	if len(wi.Pending()) != 0 {
		t.Fatal("expected no pending prompts initially")
	}
	if ok := wi.Answer("q-1", "x"); ok {
		t.Fatal("answer with no pending prompt should return false")
	}
}

func TestWebInterviewer_Cancel(t *testing.T) {
	wi := NewWebInterviewer(30 * time.Minute)

	done := make(chan askResult, 1)
	go func() {
		a, err := wi.Ask(context.Background(), "will be cancelled", 0)
		done <- askResult{a, err}
	}()
	waitForPending(t, wi, 1)

	start := time.Now()
	wi.Cancel()

	select {
	case res := <-done:
		if res.err == nil || !strings.Contains(res.err.Error(), "cancelled") {
			t.Fatalf("expected cancel error, got %v", res.err)
		}
		if time.Since(start) > time.Second {
			t.Fatal("Cancel() should unblock Ask() immediately")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask() did not unblock after Cancel()")
	}
}

func TestWebInterviewer_CancelIdempotent(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)
	wi.Cancel()
	wi.Cancel()
}

func TestWebInterviewer_ContextCancellation(t *testing.T) {
	wi := NewWebInterviewer(30 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan askResult, 1)
	go func() {
		a, err := wi.Ask(ctx, "ctx-bound", 0)
		done <- askResult{a, err}
	}()
	waitForPending(t, wi, 1)
	cancel()

	select {
	case res := <-done:
		if res.err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask() did not unblock on context cancellation")
	}
}

func TestWebInterviewer_DuplicateAnswerReturnsFalse(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)

	go wi.Ask(context.Background(), "dup test", 0)
	pps := waitForPending(t, wi, 1)
	pp := pps[0]

	if ok := wi.Answer(pp.PromptID, "a"); !ok {
		t.Fatal("first answer should succeed")
	}
	if ok := wi.Answer(pp.PromptID, "b"); ok {
		t.Fatal("duplicate answer should return false")
	}
}

func TestWebInterviewer_ConcurrentAsk(t *testing.T) {
	wi := NewWebInterviewer(5 * time.Second)

	// Parallel branches can each park a prompt at the same time.
	const n = 3
	results := make([]askResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			a, err := wi.Ask(context.Background(), "approve branch?", 0)
			results[i] = askResult{a, err}
		}()
	}

	pps := waitForPending(t, wi, n)
	if len(pps) != n {
		t.Fatalf("expected %d pending prompts, got %d", n, len(pps))
	}

	ids := make(map[string]bool)
	for _, pp := range pps {
		if ids[pp.PromptID] {
			t.Fatalf("duplicate prompt ID: %s", pp.PromptID)
		}
		ids[pp.PromptID] = true
	}

	// Answer each with its own ID so delivery can be traced.
	for i, pp := range pps {
		if ok := wi.Answer(pp.PromptID, pp.PromptID); !ok {
			t.Fatalf("answer %d should have succeeded", i)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent Ask() calls did not all return")
	}

	for i, res := range results {
		if res.err != nil {
			t.Fatalf("ask %d failed: %v", i, res.err)
		}
		if !ids[res.answer] {
			t.Fatalf("ask %d got answer %q, want one of the prompt ids", i, res.answer)
		}
	}
	if len(wi.Pending()) != 0 {
		t.Fatalf("expected 0 pending after all answered, got %d", len(wi.Pending()))
	}
}

func TestWebInterviewer_CancelUnblocksAllConcurrent(t *testing.T) {
	wi := NewWebInterviewer(30 * time.Minute)

	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := wi.Ask(context.Background(), "blocked", 0); err == nil {
				t.Error("expected error on cancel")
			}
		}()
	}

	waitForPending(t, wi, n)
	wi.Cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel() did not unblock all concurrent Ask() calls")
	}
}
