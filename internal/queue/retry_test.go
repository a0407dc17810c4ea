package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := p.NextDelay(i + 1); got != w*time.Millisecond {
			t.Errorf("NextDelay(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestRetryPolicy_RetriesTransientOnly(t *testing.T) {
	p := ProducerRetryPolicy()

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: disk busy", ErrTransientIO)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Execute = %v after %d calls, want nil after 3", err, calls)
	}

	calls = 0
	permanent := errors.New("bad record")
	err = p.Execute(context.Background(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("Execute = %v after %d calls, want permanent error after 1", err, calls)
	}
}
