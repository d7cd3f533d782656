package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Factor: 2, Max: time.Second}
	var got []time.Duration
	for n := range 6 {
		got = append(got, b.Delay(n+1))
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Delays (-want, +got):\n%s", diff)
	}
	if d := (Backoff{}).Delay(1); d != DefaultBackoff.Base {
		t.Errorf("Zero Backoff first delay: got %v, want %v", d, DefaultBackoff.Base)
	}
	if d := b.Delay(1000); d != time.Second {
		t.Errorf("Delay(1000): got %v, want the cap", d)
	}
}

var fast = Backoff{Base: time.Millisecond, Factor: 2, Max: 4 * time.Millisecond}

// failing returns a function that fails n times with err and then succeeds.
func failing(n int, err error) (func(context.Context) error, *int) {
	calls := new(int)
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}, calls
}

func TestRetry(t *testing.T) {
	flaky := errors.New("connection refused")

	t.Run("EventuallySucceeds", func(t *testing.T) {
		fn, calls := failing(3, flaky)
		var waits []int
		err := Retry(t.Context(), fast, nil, fn, func(attempt int, err error, _ time.Duration) {
			waits = append(waits, attempt)
		})
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if *calls != 4 {
			t.Errorf("Calls: got %d, want 4", *calls)
		}
		if diff := cmp.Diff([]int{1, 2, 3}, waits); diff != "" {
			t.Errorf("Notified attempts (-want, +got):\n%s", diff)
		}
	})

	t.Run("MaxAttempts", func(t *testing.T) {
		b := fast
		b.MaxAttempts = 3
		fn, calls := failing(10, flaky)
		if err := Retry(t.Context(), b, nil, fn, nil); !errors.Is(err, flaky) {
			t.Errorf("Retry: got %v, want %v", err, flaky)
		}
		if *calls != 3 {
			t.Errorf("Calls: got %d, want 3", *calls)
		}
	})

	t.Run("Unlimited", func(t *testing.T) {
		fn, calls := failing(12, flaky)
		if err := Retry(t.Context(), fast, nil, fn, nil); err != nil {
			t.Errorf("Retry: %v", err)
		}
		if *calls != 13 {
			t.Errorf("Calls: got %d, want 13", *calls)
		}
	})

	t.Run("Permanent", func(t *testing.T) {
		bad := errors.New("no such driver")
		fn, calls := failing(10, Permanent(bad))
		if err := Retry(t.Context(), fast, nil, fn, nil); !errors.Is(err, bad) {
			t.Errorf("Retry: got %v, want %v", err, bad)
		}
		if *calls != 1 {
			t.Errorf("Calls: got %d, want 1", *calls)
		}
	})

	t.Run("Classifier", func(t *testing.T) {
		fn, calls := failing(10, flaky)
		never := func(error) bool { return false }
		if err := Retry(t.Context(), fast, never, fn, nil); !errors.Is(err, flaky) {
			t.Errorf("Retry: got %v, want %v", err, flaky)
		}
		if *calls != 1 {
			t.Errorf("Calls: got %d, want 1", *calls)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		slow := Backoff{Base: time.Hour, Factor: 2, Max: time.Hour}
		fn := func(context.Context) error {
			cancel()
			return flaky
		}
		if err := Retry(ctx, slow, nil, fn, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("Retry: got %v, want %v", err, context.Canceled)
		}
	})
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("timeout"), true},
		{Permanent(errors.New("bad")), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}
	for _, tc := range tests {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) is not nil")
	}
}
