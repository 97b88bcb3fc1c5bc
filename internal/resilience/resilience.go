// Package resilience makes persistence calls tolerant of lost storage connectivity.
//
// Run wraps a single operation: before every attempt it makes sure the
// connection is healthy, re-establishing it if needed, and when the operation
// fails with a transient (connectivity) error it reconnects and retries the
// whole operation. Any other error is returned unchanged on the first attempt.
// Wrapped operations must be safe to re-issue.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnavailable is returned when the storage stays unreachable after all attempts.
var ErrUnavailable = errors.New("storage unavailable")

// Connection is the lifecycle the wrapper drives between attempts.
type Connection interface {
	IsConnected(ctx context.Context) bool
	Reconnect(ctx context.Context) error
}

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// IsTransient classifies errors that warrant a reconnect and retry.
	IsTransient func(error) bool
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns a bounded exponential policy.
func DefaultPolicy(isTransient func(error) bool) Policy {
	return Policy{
		MaxAttempts:     10,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		IsTransient:     isTransient,
	}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts
	b.Reset()
	return b
}

func (p Policy) transient(err error) bool {
	if p.IsTransient == nil {
		return false
	}
	return p.IsTransient(err)
}

// Run executes op through the reconnect-and-retry loop described by p.
func Run(ctx context.Context, conn Connection, p Policy, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retry := p.newBackOff()
	reconnect := false

	for attempt := 1; ; attempt++ {
		err := attemptOnce(ctx, conn, reconnect, op)
		if err == nil {
			return nil
		}
		if !p.transient(err) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, attempt, err)
		}

		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		case <-time.After(delay):
		}
		reconnect = true
	}
}

func attemptOnce(ctx context.Context, conn Connection, reconnect bool, op func(ctx context.Context) error) error {
	if reconnect || !conn.IsConnected(ctx) {
		if err := conn.Reconnect(ctx); err != nil {
			return err
		}
	}
	return op(ctx)
}
