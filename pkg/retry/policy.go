// Package retry provides the RetryPolicy value object used at every external call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/validation"
)

// Policy describes how an external call is retried
type Policy struct {
	MaxAttempts    int            `toml:"max_attempts" json:"max_attempts" validate:"min=1"`
	BaseDelay      time.Duration  `toml:"base_delay" json:"base_delay" validate:"gte=0"`
	MaxDelay       time.Duration  `toml:"max_delay" json:"max_delay" validate:"omitempty,gtefield=BaseDelay"`
	Multiplier     float64        `toml:"multiplier" json:"multiplier" validate:"gte=1"`
	Jitter         float64        `toml:"jitter" json:"jitter" validate:"gte=0,lte=1"` // Fraction of the delay randomised, 0..1
	AttemptTimeout time.Duration  `toml:"attempt_timeout" json:"attempt_timeout" validate:"gte=0"`
	RetryOn        []ierrors.Kind `toml:"-" json:"-"`
}

// DefaultPolicy retries transient errors three times with capped exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
		RetryOn:        []ierrors.Kind{ierrors.KindTransient},
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if problems := validation.Problems(p); len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Retryable reports whether err belongs to a kind this policy retries.
func (p Policy) Retryable(err error) bool {
	kinds := p.RetryOn
	if len(kinds) == 0 {
		kinds = []ierrors.Kind{ierrors.KindTransient}
	}
	k := ierrors.KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// Backoff returns the delay before retry number attempt (1-based).
// r is a uniform sample in [0,1) used for jitter.
func (p Policy) Backoff(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*r - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
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

type runner struct {
	sleep   Sleeper
	rand    func() float64
	onRetry func(attempt int, err error, delay time.Duration)
}

// Option customises a single Do call
type Option func(*runner)

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) Option {
	return func(r *runner) { r.sleep = s }
}

// WithRand replaces the jitter source.
func WithRand(f func() float64) Option {
	return func(r *runner) { r.rand = f }
}

// OnRetry registers a hook called before each backoff sleep.
func OnRetry(f func(attempt int, err error, delay time.Duration)) Option {
	return func(r *runner) { r.onRetry = f }
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempts run out.
// Each attempt gets its own timeout when AttemptTimeout is set. It returns the number of
// attempts made and the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	r := &runner{sleep: SleepContext, rand: rand.Float64}
	for _, o := range opts {
		o(r)
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		lastErr = p.attempt(ctx, attempt, fn)
		if lastErr == nil {
			return attempt, nil
		}
		if !p.Retryable(lastErr) || attempt == maxAttempts {
			return attempt, lastErr
		}

		delay := p.Backoff(attempt, r.rand())
		if r.onRetry != nil {
			r.onRetry(attempt, lastErr, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

func (p Policy) attempt(ctx context.Context, n int, fn func(ctx context.Context, attempt int) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx, n)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := fn(actx, n)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ierrors.NewTransientError(ierrors.ErrCodeTimeout,
			fmt.Sprintf("attempt %d exceeded %s", n, p.AttemptTimeout), err)
	}
	return err
}
