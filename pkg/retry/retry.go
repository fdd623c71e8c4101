// Package retry implements the bounded exponential-backoff policy applied to
// transient provisioning failures. Non-transient classifications bypass retry
// entirely and are handed straight back to the caller's error routing.
package retry

import (
	"context"
	"time"

	"github.com/capahunt/capahunt/pkg/classify"
)

// DefaultMaxRetries bounds local retries; 3 retries means 4 total tries before
// escalating to the next zone in the candidate list.
const DefaultMaxRetries = 3

// DefaultBase is the first backoff delay.
const DefaultBase = 2 * time.Second

// Backoff returns the delay before the given retry attempt, starting at 1:
// base * 2^(attempt-1). Attempts below 1 are clamped to the base delay. Pure
// function of its inputs so the delay schedule is testable without sleeping.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	return base << uint(attempt-1)
}

// Sleeper is the injectable delay function. Production use passes nil and gets
// a context-aware time.After wait; tests substitute their own to simulate
// elapsed time.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier retries an operation whose failures classify as transient.
type Retrier struct {
	// MaxRetries is the number of retries after the initial try.
	MaxRetries int

	// Base is the first backoff delay.
	Base time.Duration

	// Sleep is the delay function; nil means a real context-aware sleep.
	Sleep Sleeper
}

// New returns a Retrier with the default bounds.
func New() *Retrier {
	return &Retrier{MaxRetries: DefaultMaxRetries, Base: DefaultBase}
}

// Do runs op until it succeeds, returns a non-transient error, or the retry
// bound is exhausted. The last error is returned on exhaustion.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxRetries := r.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	base := r.Base
	if base <= 0 {
		base = DefaultBase
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = contextSleep
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !classify.IsTransient(err) {
			return err
		}
		if attempt > maxRetries {
			return err
		}
		if serr := sleep(ctx, Backoff(attempt, base)); serr != nil {
			return serr
		}
	}
}
