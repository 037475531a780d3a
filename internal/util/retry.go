package util

import (
	"context"
	"errors"
	"time"
)

// Backoff configures Retry.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, or the
// attempts are used up. The delay doubles after each failure and is capped
// at b.Max when set. Cancellation of ctx between attempts returns ctx.Err().
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var err error
	delay := b.Base

	for attempt := 0; attempt < b.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		// Don't sleep after the last failed attempt.
		if attempt < b.Attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if b.Max > 0 && delay > b.Max {
				delay = b.Max
			}
		}
	}

	return err
}
