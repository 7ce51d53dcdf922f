// Package poll provides a bounded poll-until-terminal combinator shared by
// every task kind of the external job client.
package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
)

// Policy bounds one polling run. Retryable classifies an attempt error:
// retryable errors consume an attempt and polling continues; anything else
// terminates the run immediately.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Retryable   func(error) bool
}

// Attempt performs one status query. done=true with a nil error stops
// polling and yields the value.
type Attempt[T any] func(ctx context.Context) (value T, done bool, err error)

// Until polls fn at a fixed interval until it reports done, returns a fatal
// error, the attempt budget is exhausted, or ctx is canceled. Budget
// exhaustion yields *domain.PollTimeoutError.
func Until[T any](ctx context.Context, p Policy, fn Attempt[T]) (T, error) {
	var zero T

	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 60
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, done, err := fn(ctx)
		if err == nil && done {
			return value, nil
		}
		if err != nil {
			if p.Retryable == nil || !p.Retryable(err) {
				return zero, err
			}
			slog.Debug("poll attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(interval):
		}
	}

	return zero, &domain.PollTimeoutError{Attempts: maxAttempts}
}
