package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy(max int) Policy {
	return Policy{MaxAttempts: max, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestShouldRetry(t *testing.T) {
	p := Default()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no status", errors.New("boom"), false},
		{"429", &StatusError{Status: 429}, true},
		{"500", &StatusError{Status: 500}, true},
		{"502", &StatusError{Status: 502}, true},
		{"503", &StatusError{Status: 503}, true},
		{"504", &StatusError{Status: 504}, true},
		{"404", &StatusError{Status: 404}, false},
		{"wrapped 503", fmt.Errorf("post: %w", &StatusError{Status: 503}), true},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestShouldRetryCustomStatuses(t *testing.T) {
	p := Policy{Retryable: []int{418}}
	if !p.ShouldRetry(&StatusError{Status: 418}) {
		t.Error("418 should be retryable under custom set")
	}
	if p.ShouldRetry(&StatusError{Status: 503}) {
		t.Error("503 should not be retryable under custom set")
	}
}

func TestShouldRetryClassifyOverrides(t *testing.T) {
	p := Policy{Classify: func(err error) bool { return err.Error() == "busy" }}
	if !p.ShouldRetry(errors.New("busy")) {
		t.Error("classifier should allow busy")
	}
	if p.ShouldRetry(&StatusError{Status: 503}) {
		t.Error("classifier should take precedence over status codes")
	}
}

func TestDoSucceedsImmediately(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || n != 1 || calls != 1 {
		t.Fatalf("got n=%d calls=%d err=%v", n, calls, err)
	}
}

func TestDoNonRetryableShortCircuits(t *testing.T) {
	calls := 0
	permanent := &StatusError{Status: 400}
	n, err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Fatal("non-retryable error must not report exhaustion")
	}
	if calls != 1 || n != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), fastPolicy(4), func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil after retries, got %v", err)
	}
	if calls != 3 || n != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return &StatusError{Status: 502}
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if StatusOf(err) != 502 {
		t.Fatalf("last status lost: %v", err)
	}
	if calls != 3 || n != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return &StatusError{Status: 503}
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single failing call, got calls=%d err=%v", calls, err)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1}
	calls := 0
	_, err := Do(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return &StatusError{Status: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestNextDelay(t *testing.T) {
	p := Policy{InitialDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond}

	if d := p.NextDelay(0); d != 50*time.Millisecond {
		t.Errorf("attempt 0 delay %v, want 50ms", d)
	}
	if d := p.NextDelay(1); d != 100*time.Millisecond {
		t.Errorf("attempt 1 delay %v, want 100ms", d)
	}
	if d := p.NextDelay(2); d != 200*time.Millisecond {
		t.Errorf("attempt 2 delay %v, want 200ms", d)
	}
	if d := p.NextDelay(10); d != 500*time.Millisecond {
		t.Errorf("attempt 10 delay %v, want cap 500ms", d)
	}
}

func TestNextDelayJitter(t *testing.T) {
	p := Policy{InitialDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond, Jitter: true}
	d := p.NextDelay(1)
	if d < 100*time.Millisecond || d >= 150*time.Millisecond {
		t.Errorf("attempt 1 delay %v not in [100ms, 150ms)", d)
	}
}
