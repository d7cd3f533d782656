package lifecycle

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff describes an exponential retry schedule. The delay before retry n
// (counting from 1) is Base × Factor^(n-1), capped at Max.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int // total attempts including the first; 0 means unlimited
}

// DefaultBackoff is the schedule used when none is configured.
var DefaultBackoff = Backoff{
	Base:        100 * time.Millisecond,
	Factor:      2,
	Max:         10 * time.Second,
	MaxAttempts: 5,
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoff.Factor
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the delay before retry attempt n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	if n < 1 {
		n = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(n-1))
	if d >= float64(b.Max) || math.IsInf(d, 0) {
		return b.Max
	}
	return time.Duration(d)
}

// policy builds the schedule as a backoff.BackOff bound to ctx.
func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	b = b.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.Multiplier = b.Factor
	eb.MaxInterval = b.Max
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	var p backoff.BackOff = eb
	if b.MaxAttempts > 0 {
		p = backoff.WithMaxRetries(p, uint64(b.MaxAttempts-1))
	}
	return backoff.WithContext(p, ctx)
}

// A Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// Retryable is the default Classifier. Errors marked with Permanent and
// context cancellations are not retryable; everything else is.
func Retryable(err error) bool {
	var pe *backoff.PermanentError
	switch {
	case errors.As(err, &pe):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retry calls fn until it succeeds, fails with an error that classify rejects,
// exhausts the attempts allowed by b, or ctx ends. A nil classify means
// Retryable. The notify callback, if non-nil, is called before each wait.
//
// Retry reports the last error from fn, or the context error if ctx ended
// while waiting.
func Retry(ctx context.Context, b Backoff, classify Classifier, fn func(context.Context) error, notify func(attempt int, err error, wait time.Duration)) error {
	if classify == nil {
		classify = Retryable
	}
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			return err
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var onWait backoff.Notify
	if notify != nil {
		onWait = func(err error, d time.Duration) { notify(attempt, err, d) }
	}
	return backoff.RetryNotify(op, b.policy(ctx), onWait)
}
