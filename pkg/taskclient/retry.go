package taskclient

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(maxDelay, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Do runs fn, retrying only errors marked ErrTransient.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			logger.Warn("vendor call failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

// Retrying wraps a Client with bounded exponential retries.
type Retrying struct {
	next   Client
	policy RetryPolicy
	logger *zap.Logger
}

func NewRetrying(next Client, policy RetryPolicy, logger *zap.Logger) *Retrying {
	return &Retrying{next: next, policy: policy, logger: logger}
}

func (r *Retrying) Submit(ctx context.Context, req Request) (string, error) {
	var taskID string
	err := r.policy.Do(ctx, r.logger, "submit", func(ctx context.Context) error {
		id, err := r.next.Submit(ctx, req)
		if err != nil {
			return err
		}
		taskID = id
		return nil
	})
	return taskID, err
}

func (r *Retrying) Poll(ctx context.Context, kind Kind, taskID string) (*Status, error) {
	var status *Status
	err := r.policy.Do(ctx, r.logger, "poll", func(ctx context.Context) error {
		s, err := r.next.Poll(ctx, kind, taskID)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	return status, err
}
