package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"fieldsync/internal/model"
	"fieldsync/internal/queue"
)

// RetryScheduler decides what happens to an operation after a transient
// failure: wait and re-arm it for another attempt, or give up once the
// retry budget is spent.
//
// Delays grow exponentially from the policy's base delay up to its cap,
// with a random jitter on top so a fleet of clients coming back online
// does not hammer the server in lockstep. Rate-limit responses use a
// longer fixed delay instead of the exponential schedule.
type RetryScheduler struct {
	queue  *queue.Queue
	policy Policy
	jitter func(max time.Duration) time.Duration
	now    func() time.Time
}

// NewRetryScheduler builds a scheduler over the queue.
func NewRetryScheduler(q *queue.Queue, p Policy, opts ...RetryOption) *RetryScheduler {
	s := &RetryScheduler{
		queue:  q,
		policy: p,
		jitter: randomJitter,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RetryOption configures a RetryScheduler.
type RetryOption func(*RetryScheduler)

// WithJitterFunc overrides the jitter source, for deterministic tests.
func WithJitterFunc(f func(max time.Duration) time.Duration) RetryOption {
	return func(s *RetryScheduler) {
		s.jitter = f
	}
}

// WithRetryNowFunc overrides the clock, for deterministic tests.
func WithRetryNowFunc(f func() time.Time) RetryOption {
	return func(s *RetryScheduler) {
		s.now = f
	}
}

// Delay returns the wait before attempt retryCount+1. The schedule is
// min(maxDelay, baseDelay * 2^retryCount) plus jitter, except rate-limit
// failures which always wait the fixed rate-limit delay.
func (s *RetryScheduler) Delay(retryCount int, code SyncErrorCode) time.Duration {
	if code == ErrCodeRateLimited {
		return s.policy.RateLimitDelay + s.jitter(s.policy.JitterMax)
	}

	d := s.policy.BaseDelay
	for i := 0; i < retryCount && d < s.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}
	return d + s.jitter(s.policy.JitterMax)
}

// Handle processes a transient failure for an in-flight operation.
//
// It bumps the retry counter, and either fails the operation terminally
// once the counter reaches the policy maximum, or re-arms the operation to
// pending behind a persisted not-before gate. Handle never blocks on the
// backoff delay: the gate lives in the store, so a sync pass keeps
// draining other work and the operation becomes claimable again once the
// delay has passed, even across process restarts. The returned bool is
// true when the operation was re-armed.
func (s *RetryScheduler) Handle(ctx context.Context, op model.Operation, cause *SyncError) (bool, error) {
	// Status transitions run on a detached context: a cancelled pass must
	// never leave an operation stuck in_flight.
	state := context.WithoutCancel(ctx)

	count, err := s.queue.IncrementRetry(state, op.ID, cause)
	if err != nil {
		return false, err
	}

	if count >= s.policy.MaxRetries {
		if err := s.queue.MarkFailed(state, op.ID, NewRetriesExhaustedError(op.ID, count, cause)); err != nil {
			return false, err
		}
		return false, nil
	}

	delay := s.Delay(count-1, cause.Code)
	notBefore := s.now().UTC().Add(delay)
	slog.Debug("retrying operation",
		"op_id", op.ID,
		"attempt", count,
		"max_attempts", s.policy.MaxRetries,
		"delay", delay,
		"code", cause.Code,
	)

	if err := s.queue.RequeueAfter(state, op.ID, notBefore); err != nil {
		return false, err
	}
	return true, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
