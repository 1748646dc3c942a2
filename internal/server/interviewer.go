package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WebInterviewer satisfies services.InteractiveHandler by parking prompts
// until an HTTP client answers them. The handler goroutine blocks in Ask()
// until an answer is posted via Answer(), the prompt times out, or the run is
// cancelled.
//
// Multiple prompts can be pending concurrently when parallel branches each
// hit a user_response node at the same time.
type WebInterviewer struct {
	mu             sync.Mutex
	pending        map[string]*pendingPrompt // keyed by prompt ID
	defaultTimeout time.Duration
	seq            uint64
	cancelCh       chan struct{}
}

type pendingPrompt struct {
	ID       string
	Prompt   string
	AskedAt  time.Time
	answerCh chan string
}

// NewWebInterviewer creates a WebInterviewer whose default timeout applies
// when a node passes none. If defaultTimeout <= 0, it falls back to 30
// minutes.
func NewWebInterviewer(defaultTimeout time.Duration) *WebInterviewer {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	return &WebInterviewer{
		defaultTimeout: defaultTimeout,
		cancelCh:       make(chan struct{}),
		pending:        make(map[string]*pendingPrompt),
	}
}

// Ask parks the prompt and blocks until it is answered, times out, or the
// context is cancelled. Safe for concurrent use; each call gets its own
// prompt ID.
func (wi *WebInterviewer) Ask(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = wi.defaultTimeout
	}

	wi.mu.Lock()
	wi.seq++
	pid := fmt.Sprintf("q-%d", wi.seq)
	ch := make(chan string, 1)
	wi.pending[pid] = &pendingPrompt{
		ID:       pid,
		Prompt:   prompt,
		AskedAt:  time.Now().UTC(),
		answerCh: ch,
	}
	wi.mu.Unlock()

	defer func() {
		wi.mu.Lock()
		delete(wi.pending, pid)
		wi.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-ch:
		return answer, nil
	case <-timer.C:
		return "", fmt.Errorf("prompt %s timed out after %s", pid, timeout)
	case <-wi.cancelCh:
		return "", fmt.Errorf("prompt %s abandoned: run cancelled", pid)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending returns all currently waiting prompts.
func (wi *WebInterviewer) Pending() []PendingPrompt {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	out := make([]PendingPrompt, 0, len(wi.pending))
	for _, pp := range wi.pending {
		out = append(out, PendingPrompt{
			PromptID: pp.ID,
			Prompt:   pp.Prompt,
			AskedAt:  pp.AskedAt,
		})
	}
	return out
}

// Cancel unblocks all in-flight Ask() calls. Safe to call multiple times.
func (wi *WebInterviewer) Cancel() {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	select {
	case <-wi.cancelCh:
	default:
		close(wi.cancelCh)
	}
}

// Answer delivers an answer to a pending prompt by ID. An empty ID matches
// when exactly one prompt is pending. Returns false if no prompt matches or
// it was already answered.
func (wi *WebInterviewer) Answer(pid, answer string) bool {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	if pid == "" {
		if len(wi.pending) != 1 {
			return false
		}
		for id := range wi.pending {
			pid = id
		}
	}
	pp, ok := wi.pending[pid]
	if !ok {
		return false
	}
	select {
	case pp.answerCh <- answer:
		delete(wi.pending, pid) // prevent duplicate answers
		return true
	default:
		return false // already answered
	}
}
