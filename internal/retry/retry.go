// Package retry computes bounded backoff schedules for gateway calls and
// task dispatch.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"estatepay/internal/breaker"
)

// Policy holds backoff configuration. delay(n) = min(cap, base*2^n)
// multiplied by a jitter factor in [0.5, 1.5).
type Policy struct {
	Base        time.Duration `envconfig:"RETRY_BASE" default:"500ms"`
	Cap         time.Duration `envconfig:"RETRY_CAP" default:"30s"`
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
}

// DefaultPolicy returns the platform defaults.
func DefaultPolicy() Policy {
	return Policy{Base: 500 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 5}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Delay returns the deterministic delay before attempt n+1, without jitter.
// The sequence is non-decreasing and capped.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Class marks whether an operation is safe to retry blindly.
type Class int

const (
	// Safe operations are idempotent at the gateway (status queries).
	Safe Class = iota
	// Unsafe operations mutate gateway state and are retried only because the
	// outbound call carries the gateway's own idempotency reference.
	Unsafe
)

// Permanent wraps an error that must not be retried, such as a
// gateway-reported decline.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Attempt describes a single scheduled retry. Ephemeral; surfaced in logs.
type Attempt struct {
	Operation string
	Number    int
	Delay     time.Duration
}

// Engine retries transient failures with exponential backoff and jitter.
type Engine struct {
	policy Policy
	logger *slog.Logger
}

// NewEngine creates a retry engine.
func NewEngine(policy Policy, logger *slog.Logger) *Engine {
	return &Engine{policy: policy.normalized(), logger: logger}
}

// Policy returns the engine's backoff policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Do runs fn, retrying transient errors until the attempt budget is spent.
// Errors wrapped with Permanent abort immediately, as does breaker.ErrOpen:
// when a gateway's breaker is open, or its half-open trial is held by another
// caller, stampeding it with retries would only delay recovery.
func (e *Engine) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.Base
	b.MaxInterval = e.policy.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempts := 0
	wrapped := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		e.logger.Warn("operation retry scheduled",
			"operation", operation,
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
	}

	budget := backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(e.policy.MaxAttempts-1))
	if err := backoff.RetryNotify(wrapped, budget, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		return err
	}
	return nil
}
