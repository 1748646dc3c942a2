package llm

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// BackoffConfig configures retry delays for transient provider failures.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  3,
	}
}

// delayForAttempt computes initial * factor^(attempt-1), capped. attempt is
// 1-indexed: the first retry is attempt 1.
func delayForAttempt(attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		d = math.Min(d, float64(cfg.MaxDelay))
	}
	return time.Duration(d)
}

// retryingClient wraps a provider client and retries completions that fail
// with a retryable classification, honoring Retry-After hints when the
// provider sends one.
type retryingClient struct {
	inner Client
	cfg   BackoffConfig
	log   zerolog.Logger
}

func (r *retryingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := delayForAttempt(attempt, r.cfg)
			if hint := RetryAfterHint(lastErr); hint != nil && *hint > delay {
				delay = *hint
			}
			r.log.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("cause", lastErr.Error()).
				Msg("retrying llm call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
