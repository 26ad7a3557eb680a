// Package retry provides exponential backoff with jitter as a policy object.
//
// A Policy answers two questions, ShouldRetry(err) and NextDelay(attempt),
// and Do runs a function under it. The default classifier inspects a status
// code carried by the error (see StatusCoder) against a set of retryable
// statuses; callers with other notions of "transient" (e.g. SQLite busy
// errors) supply their own Classify func.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// DefaultRetryableStatuses are retried unless the policy says otherwise.
var DefaultRetryableStatuses = []int{429, 500, 502, 503, 504}

// ErrExhausted wraps the last error once the attempt budget is spent.
var ErrExhausted = errors.New("retry budget exhausted")

// StatusCoder is implemented by errors that carry an integer status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError is a convenience error carrying a status code.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Status }

// StatusOf returns the status carried anywhere in err's chain, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// Policy controls retry behavior. MaxAttempts counts the first call, so
// MaxAttempts=1 means no retry.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Retryable    []int

	// Classify overrides the status-based predicate when set.
	Classify func(error) bool

	// Jitter adds a random duration in [0, InitialDelay) to each delay.
	Jitter bool
}

// Default returns the policy used for external effects.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Retryable:    append([]int(nil), DefaultRetryableStatuses...),
		Jitter:       true,
	}
}

// ShouldRetry reports whether err is worth another attempt. Errors without
// a status are not retried by the default classifier.
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Classify != nil {
		return p.Classify(err)
	}
	status := StatusOf(err)
	if status == 0 {
		return false
	}
	statuses := p.Retryable
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// NextDelay returns the sleep before retry number attempt (0-based):
// InitialDelay * Multiplier^attempt, capped at MaxDelay, plus jitter.
func (p Policy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			break
		}
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && p.InitialDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(p.InitialDelay)))
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the number of attempts made. On
// exhaustion the error wraps both ErrExhausted and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	budget := p.MaxAttempts
	if budget < 1 {
		budget = 1
	}
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !p.ShouldRetry(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt == budget-1 {
			break
		}
		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return budget, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, budget, lastErr)
}
