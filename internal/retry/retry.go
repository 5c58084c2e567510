// Package retry retries calls to upstream model providers with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultPolicy is used for provider calls when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	return p
}

// Do calls op until it succeeds, returns a permanent error, the context
// ends, or the attempts run out. It returns the number of attempts made
// and the last error.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) (int, error) {
	policy = policy.normalize()
	delay := policy.InitialDelay

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, ctxErr
		}

		err = op(ctx)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) {
			return attempt, unmark(err)
		}
		if attempt == policy.MaxAttempts {
			return attempt, err
		}

		sleep := delay
		if policy.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter does not require cryptographic randomness
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * policy.Factor)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return policy.MaxAttempts, err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// unmark removes the permanent mark from err so an enclosing Do keeps
// retrying. Context added around the mark is kept in the message.
func unmark(err error) error {
	var permanent *permanentError
	if !errors.As(err, &permanent) {
		return err
	}
	if err == error(permanent) {
		return permanent.err
	}
	return &unmarkedError{msg: err.Error(), err: permanent.err}
}

type unmarkedError struct {
	msg string
	err error
}

func (e *unmarkedError) Error() string { return e.msg }
func (e *unmarkedError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}
