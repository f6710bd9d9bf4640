package retry

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides whether a failed attempt should be retried and, if so,
// after what delay. Implementations are stateless and safe for concurrent
// use across many independent Context values.
type Policy interface {
	// ShouldRetry reports whether another attempt should be made, given the
	// context's attempt history and the error from the most recent attempt.
	ShouldRetry(ctx *Context, err error) bool
	// Delay returns how long to wait before the next attempt, where attempt
	// is the 0-based index of the attempt that just failed (0 for the first retry).
	Delay(attempt int) time.Duration
	// MaxAttempts returns the attempt ceiling, or 0 for no ceiling other
	// than MaxDuration.
	MaxAttempts() int
	// MaxDuration returns the elapsed-time ceiling, or 0 for no ceiling.
	MaxDuration() time.Duration
}

// DefaultRetryableSubstrings is the case-insensitive substring list used by
// IsRetryableMessage to classify an error message as transient.
var DefaultRetryableSubstrings = []string{
	"connection timeout",
	"connection reset",
	"connection refused",
	"temporary failure",
	"service unavailable",
	"rate limit",
	"too many requests",
	"internal server error",
	"network is unreachable",
	"502 bad gateway",
	"503",
	"504 gateway timeout",
	"throttl",
	"quota exceeded",
}

// IsRetryableMessage reports whether msg contains one of the default
// transient-failure substrings (case-insensitive).
func IsRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, substr := range DefaultRetryableSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// withinBounds reports whether ctx is still under the attempt-count and
// elapsed-time ceilings; a zero ceiling is not enforced.
func withinBounds(ctx *Context, maxAttempts int, maxDuration time.Duration) bool {
	if maxAttempts > 0 && ctx.AttemptCount() >= maxAttempts {
		return false
	}
	if maxDuration > 0 && ctx.Elapsed() >= maxDuration {
		return false
	}
	return true
}

// NoRetry never retries; the first failure is terminal.
type NoRetry struct{}

func (NoRetry) ShouldRetry(*Context, error) bool   { return false }
func (NoRetry) Delay(int) time.Duration            { return 0 }
func (NoRetry) MaxAttempts() int                   { return 1 }
func (NoRetry) MaxDuration() time.Duration         { return 0 }

// FixedDelay retries up to MaxAttemptsValue times with a constant delay
// between attempts.
type FixedDelay struct {
	MaxAttemptsValue int
	DelayValue       time.Duration
	MaxDurationValue time.Duration
	// IsRetryable classifies an error as transient; nil means every error
	// is retryable.
	IsRetryable func(error) bool
}

func (p *FixedDelay) ShouldRetry(ctx *Context, err error) bool {
	if !withinBounds(ctx, p.MaxAttemptsValue, p.MaxDurationValue) {
		return false
	}
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return true
}

func (p *FixedDelay) Delay(int) time.Duration      { return p.DelayValue }
func (p *FixedDelay) MaxAttempts() int             { return p.MaxAttemptsValue }
func (p *FixedDelay) MaxDuration() time.Duration   { return p.MaxDurationValue }

// ExponentialBackoff retries with a delay that grows geometrically between
// InitialDelay and MaxDelay, optionally randomized by JitterFactor. Delay
// computation is routed through cenkalti/backoff/v4's ExponentialBackOff so
// the jittered-interval math matches a well-exercised implementation rather
// than a hand-rolled one.
type ExponentialBackoff struct {
	MaxAttemptsValue int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterEnabled    bool
	JitterFactor     float64 // used only when JitterEnabled; default 0.5 if zero
	MaxDurationValue time.Duration
	IsRetryable      func(error) bool
}

func (p *ExponentialBackoff) ShouldRetry(ctx *Context, err error) bool {
	if !withinBounds(ctx, p.MaxAttemptsValue, p.MaxDurationValue) {
		return false
	}
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return true
}

// Delay is a pure function of the 0-based attempt index: it drives a fresh
// backoff.ExponentialBackOff from Reset() for attempt+1 steps so the result
// depends only on attempt and the policy's own parameters, not on any
// previously-computed delay.
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0 // elapsed ceiling is enforced by ShouldRetry, not here

	if p.JitterEnabled {
		factor := p.JitterFactor
		if factor == 0 {
			factor = 0.5
		}
		b.RandomizationFactor = factor
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *ExponentialBackoff) MaxAttempts() int           { return p.MaxAttemptsValue }
func (p *ExponentialBackoff) MaxDuration() time.Duration { return p.MaxDurationValue }
