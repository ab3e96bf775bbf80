package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chorusinsights/chorus-ai/internal/faults"
)

func noSleepPolicy(attempts int) (*Policy, *[]time.Duration) {
	p := NewPolicy(attempts, 100*time.Millisecond, time.Second)
	var slept []time.Duration
	p.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestDoValueSucceedsAfterRetryableFailures(t *testing.T) {
	p, slept := noSleepPolicy(3)
	calls := 0
	v, err := DoValue(context.Background(), p, func() (string, error) {
		calls++
		if calls < 3 {
			return "", faults.New(faults.KindNetwork, "flaky", "transient failure")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("DoValue = %q, %v", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*slept) != 2 {
		t.Errorf("sleeps = %d, want 2", len(*slept))
	}
}

func TestDoValueShortCircuitsNonRetryable(t *testing.T) {
	p, slept := noSleepPolicy(5)
	calls := 0
	_, err := DoValue(context.Background(), p, func() (int, error) {
		calls++
		return 0, faults.New(faults.KindAuth, "bad_key", "credentials rejected")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (auth errors never retry)", calls)
	}
	if faults.KindOf(err) != faults.KindAuth {
		t.Errorf("kind = %s", faults.KindOf(err))
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
}

func TestDoValueExhaustionReturnsLastError(t *testing.T) {
	p, _ := noSleepPolicy(3)
	calls := 0
	_, err := DoValue(context.Background(), p, func() (int, error) {
		calls++
		return 0, faults.Newf(faults.KindNetwork, "flaky", "attempt %d failed", calls)
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if faults.UserMessage(err) != "attempt 3 failed" {
		t.Errorf("last error not returned: %v", err)
	}
}

func TestDoValuePlainErrorsNotRetried(t *testing.T) {
	p, _ := noSleepPolicy(3)
	calls := 0
	_, err := DoValue(context.Background(), p, func() (int, error) {
		calls++
		return 0, errors.New("unclassified")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDelayBackoffAndCap(t *testing.T) {
	p := NewPolicy(10, 100*time.Millisecond, time.Second)
	base := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, want := range base {
		d := p.Delay(attempt, nil)
		// Jitter adds up to 50% on top of the computed delay.
		if d < want || d > want+want/2 {
			t.Errorf("Delay(%d) = %v, want within [%v, %v]", attempt, d, want, want+want/2)
		}
	}
}

func TestDelayHonorsRetryAfterHint(t *testing.T) {
	p := NewPolicy(3, 100*time.Millisecond, time.Second)
	f := faults.New(faults.KindRateLimit, "upstream_429", "throttled")
	f.RetryAfter = 10 * time.Second

	if d := p.Delay(0, f); d != 10*time.Second {
		t.Errorf("Delay with hint = %v, want 10s", d)
	}
	// A hint smaller than the computed delay does not shrink it.
	f.RetryAfter = time.Nanosecond
	if d := p.Delay(0, f); d < 100*time.Millisecond {
		t.Errorf("tiny hint shrank delay to %v", d)
	}
}

func TestSleepRespectsContextCancellation(t *testing.T) {
	p := DefaultPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := DoValue(ctx, p, func() (int, error) {
		calls++
		return 0, faults.New(faults.KindNetwork, "flaky", "transient failure")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
