// Package retry provides a small retry-with-backoff policy used for source
// API calls and state store writes.
package retry

import (
	"context"
	"time"
)

// Policy describes a retry loop with exponential backoff.
type Policy struct {
	MaxAttempts int           // total attempts; 0 means retry until the context is done
	Initial     time.Duration // delay before the second attempt
	Max         time.Duration // backoff ceiling
	Multiplier  float64       // backoff growth factor, defaults to 2
}

// Do runs fn until it succeeds, the retryable predicate rejects the error,
// the attempt budget is exhausted, or the context is done. A nil retryable
// treats every error as retryable.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	delay := p.Initial
	if delay <= 0 {
		delay = time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return err
		}
		delay = time.Duration(float64(delay) * mult)
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
}

// Sleep waits for d or until the context is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
