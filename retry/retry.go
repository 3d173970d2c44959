// Package retry provides helpers for step handlers that poll or call flaky
// remote services. The workflow engine itself never retries a step.
package retry

import (
	"context"
	"time"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times fn is repeated after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithBaseWait sets the delay before the first retry. Each subsequent delay
// doubles, up to the max wait.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		o.baseWait = d
	}
}

// WithMaxWait caps the delay between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.maxWait = d
	}
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// the retry budget is spent, or ctx is done. The last error is returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		baseWait:   250 * time.Millisecond,
		maxWait:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	wait := o.baseWait
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRecoverable(err) || attempt >= o.maxRetries {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if o.maxWait > 0 && wait > o.maxWait {
			wait = o.maxWait
		}
	}
}
