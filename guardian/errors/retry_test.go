package errors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: []ErrorCode{ErrCodeDependency},
	}
}

func execute(ctx context.Context, fn RetryFunc, config *RetryConfig) error {
	op := &RetryOperation{Name: "retry", Fn: fn, Config: config}
	return op.Execute(ctx)
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.Contains(t, config.RetryableErrors, ErrCodeDependency)
	assert.Contains(t, config.RetryableErrors, ErrCodeTimeout)
	assert.NotContains(t, config.RetryableErrors, ErrCodeConflict)
}

func TestRetryOperation_Success(t *testing.T) {
	for _, succeedOn := range []int{1, 2, 3} {
		attempts := 0
		fn := func() error {
			attempts++
			if attempts < succeedOn {
				return NewDependencyError(DependencyLedger, "rpc down", nil)
			}
			return nil
		}

		err := execute(context.Background(), fn, fastConfig(3))
		assert.NoError(t, err)
		assert.Equal(t, succeedOn, attempts)
	}
}

func TestRetryOperation_NonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", NewValidationError("missing session")},
		{"conflict", NewConflictError("already submitted")},
		{"config", NewConfigError(DependencyLedger, "no contract address")},
		{"format", NewFormatError("odd length")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := execute(context.Background(), func() error {
				attempts++
				return tt.err
			}, fastConfig(3))

			require.Error(t, err)
			assert.Equal(t, 1, attempts)
			assert.Equal(t, tt.err, err)
		})
	}
}

func TestRetryOperation_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := execute(context.Background(), func() error {
		attempts++
		return NewDependencyError(DependencyLedger, "rpc down", nil)
	}, fastConfig(3))

	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, ErrCodeDependency, e.Code)
	assert.Equal(t, DependencyLedger, e.Dependency)
	assert.Contains(t, e.Context["wrapped_message"], "failed after retries")
	assert.Equal(t, 3, e.Context["attempts"])
}

func TestRetryOperation_ForeignErrorWrapped(t *testing.T) {
	err := execute(context.Background(), func() error {
		return errors.New("dial tcp: connection refused")
	}, fastConfig(2))

	require.Error(t, err)
	assert.True(t, IsDependency(err))
}

func TestRetryOperation_ContextCancellation(t *testing.T) {
	config := fastConfig(50)
	config.InitialDelay = 20 * time.Millisecond
	config.MaxDelay = 20 * time.Millisecond

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := execute(ctx, func() error {
		attempts.Add(1)
		return NewDependencyError(DependencyClassifier, "down", nil)
	}, config)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, int(attempts.Load()), 50)
}

func TestRetryOperation_NilConfig(t *testing.T) {
	attempts := 0
	err := execute(context.Background(), func() error {
		attempts++
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryOperation_Hooks(t *testing.T) {
	t.Run("success after retry", func(t *testing.T) {
		var retried []int
		succeeded := false
		attempts := 0

		op := &RetryOperation{
			Name:   "send",
			Config: fastConfig(3),
			Fn: func() error {
				attempts++
				if attempts == 1 {
					return NewTimeoutError(DependencyLedger, "slow", nil)
				}
				return nil
			},
			OnRetry:   func(attempt int, err error) { retried = append(retried, attempt) },
			OnSuccess: func() { succeeded = true },
		}

		require.NoError(t, op.Execute(context.Background()))
		assert.True(t, succeeded)
		assert.Equal(t, []int{1}, retried)
	})

	t.Run("failure reported once", func(t *testing.T) {
		failures := 0
		op := &RetryOperation{
			Name:      "send",
			Config:    fastConfig(2),
			Fn:        func() error { return NewDependencyError(DependencyLedger, "down", nil) },
			OnFailure: func(err error) { failures++ },
		}

		err := op.Execute(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, failures)
		assert.Contains(t, err.Error(), "down")
	})
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsDependency(NewTimeoutError(DependencyClassifier, "slow", nil)))
	assert.True(t, IsTimeout(WrapError(context.DeadlineExceeded, ErrCodeDependency, DependencyClassifier, "call")))
	assert.True(t, IsConflict(fmt.Errorf("outer: %w", NewConflictError("x"))))
	assert.False(t, IsConflict(errors.New("plain")))
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, SeverityLow, NewFormatError("bad").Severity)
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(errors.New("read: connection reset by peer")))
	assert.Equal(t, "[ledger:CONFIG] missing key", NewConfigError(DependencyLedger, "missing key").Error())
}
