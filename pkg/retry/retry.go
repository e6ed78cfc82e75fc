// Package retry implements exponential backoff with optional full jitter
// and classified retryability, shared by store and stream adapters.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes a backoff schedule. The attempt delays grow as
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay. When Jitter is
// set each delay is drawn uniformly from [0, delay) ("full jitter"). When
// Retryable is set only matching errors are retried; others surface
// immediately.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
	Retryable    func(error) bool
}

// StorePolicy returns the default schedule for store writes: 100ms base,
// doubling to a 1.6s cap, 20 attempts, no jitter.
func StorePolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1600 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  20,
	}
}

// SubscribePolicy returns the default schedule for subscriber delivery:
// 100ms base, doubling to a 6.4s cap, 24 attempts, full jitter.
func SubscribePolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     6400 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  24,
		Jitter:       true,
	}
}

// Delay returns the backoff delay before the given retry, without jitter.
// Attempt 1 is the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.initialDelay())
	mult := p.multiplier()
	ceiling := p.maxDelay()
	for i := 1; i < attempt; i++ {
		d *= mult
		if d >= float64(ceiling) {
			return ceiling
		}
	}
	if d > float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

// Backoff returns the sleep before the given retry, with jitter applied
// when the policy asks for it.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int64N(int64(d)))
	}
	return d
}

func (p Policy) initialDelay() time.Duration {
	if p.InitialDelay <= 0 {
		return 100 * time.Millisecond
	}
	return p.InitialDelay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return 1600 * time.Millisecond
	}
	return p.MaxDelay
}

func (p Policy) multiplier() float64 {
	if p.Multiplier <= 1 {
		return 2
	}
	return p.Multiplier
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 20
	}
	return p.MaxAttempts
}

// ShouldRetry reports whether err is retryable under the policy. A nil
// Retryable classifier retries everything.
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do runs op until it succeeds, the attempt budget is exhausted, the error
// is classified non-retryable, or ctx is done. It returns the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.maxAttempts()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
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
