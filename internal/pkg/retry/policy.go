package retry

import (
	"context"
	"errors"
	"time"
)

// Observer receives a report for every attempt a Policy makes. Reports are
// fire-and-forget: a misbehaving observer can never fail the policy.
type Observer interface {
	RecordAttempt(operation string, attempt int, err error)
}

type nopObserver struct{}

func (nopObserver) RecordAttempt(string, int, error) {}

func NopObserver() Observer { return nopObserver{} }

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so a Policy aborts immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy re-runs a fallible unit of work up to a fixed number of attempts
// with a constant pause in between. Anything not marked Permanent counts as
// transient; a context cancellation stops the policy at once.
type Policy struct {
	maxAttempts int
	delay       time.Duration
	observer    Observer

	sleep func(ctx context.Context, d time.Duration) error
}

func New(maxAttempts int, delay time.Duration, observer Observer) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Policy{
		maxAttempts: maxAttempts,
		delay:       delay,
		observer:    observer,
		sleep:       sleepCtx,
	}
}

// Do runs fn until it succeeds, fails permanently, the attempts are
// exhausted, or ctx is cancelled. It returns the first success or the last
// failure.
func (p *Policy) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		p.notify(operation, attempt, lastErr)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.delay); err != nil {
			return err
		}
	}
	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p *Policy, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, operation, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = fn(ctx)
		return innerErr
	})
	return out, err
}

func (p *Policy) notify(operation string, attempt int, err error) {
	defer func() {
		_ = recover()
	}()
	p.observer.RecordAttempt(operation, attempt, err)
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
