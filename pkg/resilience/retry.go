package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/richxcame/referral-integrity/pkg/logger"
	"go.uber.org/zap"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	EnableJitter      bool

	// RetryableErrors limits retries to errors matching one of these (errors.Is).
	RetryableErrors []error
	// RetryableChecker overrides RetryableErrors when set.
	RetryableChecker func(err error) bool
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. It always makes at least one attempt.
func Retry(ctx context.Context, config RetryConfig, op Operation) (interface{}, error) {
	var result interface{}

	operation := func() error {
		res, err := op(ctx)
		if err == nil {
			result = res
			return nil
		}
		if !shouldRetry(err, config) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		recordRetry(retryReason(err))
		logger.WithContext(ctx).Debug("retrying operation",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
	}

	policy := backoff.WithContext(&attemptBackOff{config: config}, ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return result, nil
}

// attemptBackOff adapts RetryConfig to backoff.BackOff.
type attemptBackOff struct {
	config  RetryConfig
	attempt int
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.config.MaxAttempts {
		return backoff.Stop
	}
	return calculateBackoff(b.attempt, b.config)
}

func (b *attemptBackOff) Reset() {
	b.attempt = 0
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := config.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	wait := float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if config.MaxBackoff > 0 && wait > float64(config.MaxBackoff) {
		wait = float64(config.MaxBackoff)
	}

	d := time.Duration(wait)
	if config.EnableJitter {
		d = addJitter(d)
	}
	return d
}

// addJitter returns a random duration in [0, d] ("full jitter").
func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func shouldRetry(err error, config RetryConfig) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if config.RetryableChecker != nil {
		return config.RetryableChecker(err)
	}
	if len(config.RetryableErrors) > 0 {
		for _, target := range config.RetryableErrors {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
	return true
}

func retryReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
