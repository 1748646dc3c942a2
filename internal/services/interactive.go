package services

import (
	"context"
	"fmt"
	"time"
)

// InteractiveHandler answers a user_response prompt. Implementations block
// until an answer arrives, the timeout elapses, or ctx is cancelled.
type InteractiveHandler func(ctx context.Context, prompt string, timeout time.Duration) (string, error)

// AutoResponder returns an InteractiveHandler that always answers with the
// same text. Useful for headless runs and tests.
func AutoResponder(answer string) InteractiveHandler {
	return func(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
		return answer, nil
	}
}

// DenyingResponder refuses every prompt; the default when no interactive
// surface is wired.
func DenyingResponder() InteractiveHandler {
	return func(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
		return "", fmt.Errorf("no interactive handler configured")
	}
}
