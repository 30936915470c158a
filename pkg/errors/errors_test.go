package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", NewTransientError(ErrCodeRateLimited, "slow down", nil), KindTransient},
		{"permanent", NewPermanentError(ErrCodeAuthFailed, "bad key", nil), KindPermanent},
		{"data quality", NewInsufficientHistoryError(3, 14), KindDataQuality},
		{"configuration", NewConfigurationError(ErrCodeInvalidConfig, "bad"), KindConfiguration},
		{"wrapped", fmt.Errorf("call failed: %w", NewTransientError(ErrCodeTimeout, "t", nil)), KindTransient},
		{"plain", stderrors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryableAndFatal(t *testing.T) {
	assert.True(t, IsRetryable(NewTransientError(ErrCodeUnavailable, "503", nil)))
	assert.False(t, IsRetryable(NewPermanentError(ErrCodeAuthFailed, "401", nil)))
	assert.True(t, IsFatal(NewConfigurationError(ErrCodeInvalidPreferences, "bad sensitivity")))
	assert.False(t, IsFatal(NewDataQualityError(ErrCodeZeroSeries, "all zero")))
}

func TestInsightErrorMessage(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewTransientError(ErrCodeUnavailable, "llm unavailable", cause).WithComponent("narrative")

	assert.Equal(t, "[transient] narrative/UNAVAILABLE: llm unavailable: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
}
