// Package retry runs ledger operations with a small bounded retry.
// Transient I/O failures get one extra attempt; everything else stops
// immediately. Callers degrade a final failure to a business outcome
// (Rejected / NoOp) instead of propagating it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy controls attempts and spacing. The zero value is invalid; use
// Once() for the standard ledger policy.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	OnRetry     func(attempt int, err error)
}

// Once is the standard ledger policy: the original attempt plus one
// retry after a short pause.
func Once() Policy {
	return Policy{MaxAttempts: 2, Backoff: 100 * time.Millisecond}
}

// Permanent marks an error as not worth retrying.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Do aborts without further attempts.
func Stop(err error) error {
	return &Permanent{Err: err}
}

// Do runs op until it succeeds, returns a Permanent error, or the
// policy's attempts are exhausted.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		select {
		case <-time.After(p.Backoff):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Policy, op func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) { return struct{}{}, op() })
	return err
}
