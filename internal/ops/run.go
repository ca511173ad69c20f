package ops

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/metrics"
)

// Executor runs ops of one kind. Execute returns nil on success; the error
// message of a failure becomes the op's terminal message.
type Executor interface {
	Execute(ctx context.Context, run *Run) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *Run) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, run *Run) error { return f(ctx, run) }

// Run is the handle an executor uses while its op is running.
type Run struct {
	payload   Payload
	policy    retryPolicy
	cancelled *atomic.Bool
	mu        sync.Mutex
	message   string
	id        uint64
}

type retryPolicy struct {
	permanent      func(error) bool
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	rpcTimeout     time.Duration
}

// ID returns the op id.
func (r *Run) ID() uint64 { return r.id }

// Payload returns the op payload.
func (r *Run) Payload() Payload { return r.payload }

// Cancelled reports whether cancellation was requested.
func (r *Run) Cancelled() bool { return r.cancelled.Load() }

// SetMessage replaces the success message recorded when the op finishes.
func (r *Run) SetMessage(msg string) {
	r.mu.Lock()
	r.message = msg
	r.mu.Unlock()
}

func (r *Run) finalMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.message
}

// Step runs fn with a per-attempt timeout, retrying transient failures with
// exponential backoff up to the configured attempt count. Errors the
// permanent classifier accepts are returned after the first attempt.
// Cancellation is checked before every attempt and reported as ErrCancelled.
//
// Example:
//
//	err := run.Step(ctx, "create partition", func(ctx context.Context) error {
//	    return client.CreatePartition(ctx, des, req)
//	})
func (r *Run) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.initialBackoff
	b.MaxInterval = r.policy.maxBackoff
	b.MaxElapsedTime = 0

	attempts := r.policy.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		if r.Cancelled() {
			return backoff.Permanent(ErrCancelled)
		}
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.policy.rpcTimeout)
		defer cancel()

		err := fn(actx)
		if err != nil && r.policy.permanent != nil && r.policy.permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.StepRetries.WithLabelValues(string(r.payload.Kind()), name).Inc()
		log.Warn().Err(err).Uint64("op_id", r.id).Str("step", name).
			Int("attempt", attempt).Dur("backoff", wait).Msg("op step failed, retrying")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && !errors.Is(err, ErrCancelled) {
		return &StepError{Step: name, Attempts: attempt, Err: err}
	}
	return err
}

// StepError is a step that failed after all its attempts.
type StepError struct {
	Err      error
	Step     string
	Attempts int
}

func (e *StepError) Error() string {
	return e.Step + " failed: " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }
