// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// PermanentError marks an error that no further attempt can fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithOnRetry sets a callback run before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

// Retrier makes up to attempts calls separated by delay.
type Retrier struct {
	attempts int
	delay    time.Duration
	onRetry  func(attempt int, err error, delay time.Duration)
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier. attempts below 1 is treated as 1 and a negative
// delay as none.
func New(attempts int, delay time.Duration, opts ...Option) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	r := &Retrier{attempts: attempts, delay: delay, sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do calls operation until it succeeds, returns a Permanent error, the
// attempts run out or ctx is done. The last operation error is returned,
// with any Permanent wrapper removed.
func (r *Retrier) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		lastErr = err

		if attempt == r.attempts {
			break
		}
		if r.onRetry != nil {
			r.onRetry(attempt, err, r.delay)
		}
		if err := r.sleep(ctx, r.delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
