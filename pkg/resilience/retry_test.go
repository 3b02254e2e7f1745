package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errStoreTimeout = errors.New("store timeout")
	errExhausted    = errors.New("code space exhausted")
)

func fastConfig(maxAttempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.EnableJitter = false
	return cfg
}

// failingOp returns an operation that fails with errs in order and then succeeds.
func failingOp(calls *int, errs ...error) Operation {
	return func(ctx context.Context) (interface{}, error) {
		*calls++
		if *calls <= len(errs) {
			return nil, errs[*calls-1]
		}
		return "ok", nil
	}
}

func TestRetry_Attempts(t *testing.T) {
	tests := []struct {
		name      string
		config    RetryConfig
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{
			name:      "first attempt succeeds",
			config:    fastConfig(3),
			wantCalls: 1,
		},
		{
			name:      "recovers on third attempt",
			config:    fastConfig(3),
			errs:      []error{errStoreTimeout, errStoreTimeout},
			wantCalls: 3,
		},
		{
			name:      "gives up after max attempts",
			config:    fastConfig(3),
			errs:      []error{errStoreTimeout, errStoreTimeout, errStoreTimeout, errStoreTimeout},
			wantCalls: 3,
			wantErr:   errStoreTimeout,
		},
		{
			name:      "zero max attempts still runs once",
			config:    fastConfig(0),
			wantCalls: 1,
		},
		{
			name:      "open breaker is not retried",
			config:    fastConfig(3),
			errs:      []error{ErrCircuitOpen},
			wantCalls: 1,
			wantErr:   ErrCircuitOpen,
		},
		{
			name:      "canceled context error is not retried",
			config:    fastConfig(3),
			errs:      []error{context.Canceled},
			wantCalls: 1,
			wantErr:   context.Canceled,
		},
		{
			name:      "deadline error is not retried",
			config:    fastConfig(3),
			errs:      []error{fmt.Errorf("insert code: %w", context.DeadlineExceeded)},
			wantCalls: 1,
			wantErr:   context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			result, err := Retry(context.Background(), tt.config, failingOp(&calls, tt.errs...))

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", result)
		})
	}
}

func TestRetry_RetryableErrorsAllowList(t *testing.T) {
	cfg := fastConfig(4)
	cfg.RetryableErrors = []error{errStoreTimeout}

	calls := 0
	_, err := Retry(context.Background(), cfg, failingOp(&calls, errExhausted))
	assert.ErrorIs(t, err, errExhausted)
	assert.Equal(t, 1, calls)

	calls = 0
	_, err = Retry(context.Background(), cfg, failingOp(&calls, fmt.Errorf("lookup: %w", errStoreTimeout)))
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_CheckerOverridesAllowList(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryableErrors = []error{errStoreTimeout}
	cfg.RetryableChecker = func(err error) bool { return !errors.Is(err, errExhausted) }

	calls := 0
	_, err := Retry(context.Background(), cfg, failingOp(&calls, errors.New("unique violation")))
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	_, err = Retry(context.Background(), cfg, failingOp(&calls, errExhausted))
	assert.ErrorIs(t, err, errExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialBackoff = 50 * time.Millisecond

	calls := 0
	_, err := Retry(ctx, cfg, func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return nil, errStoreTimeout
	})

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestRetry_BacksOffBetweenAttempts(t *testing.T) {
	cfg := fastConfig(3)
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond

	calls := 0
	start := time.Now()
	_, err := Retry(context.Background(), cfg, failingOp(&calls, errStoreTimeout, errStoreTimeout))

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, calculateBackoff(i+1, cfg), "attempt %d", i+1)
	}

	cfg.EnableJitter = true
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, calculateBackoff(3, cfg), 400*time.Millisecond)
	}
	assert.Zero(t, addJitter(0))
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.True(t, cfg.EnableJitter)
	assert.False(t, shouldRetry(nil, cfg))
}
