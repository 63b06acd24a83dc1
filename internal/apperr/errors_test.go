package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotAuthenticated("GetCredentials", "dev"))

	assert.True(t, errors.Is(err, ErrNotAuthenticated))
	assert.False(t, errors.Is(err, ErrTimedOut))
	assert.Equal(t, KindNotAuthenticated, KindOf(err))
	assert.Contains(t, HintOf(err), "cloudchat login dev")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Empty(t, HintOf(errors.New("boom")))
}

func TestUserMessageHidesTransportDetail(t *testing.T) {
	err := Transport("Invoke", errors.New("write |1: broken pipe"))

	msg := UserMessage(err)
	assert.Contains(t, msg, "Invoke failed (transport)")
	assert.NotContains(t, msg, "broken pipe")
	assert.Contains(t, msg, "restarted automatically")
}

func TestUserMessageKeepsValidationDetail(t *testing.T) {
	msg := UserMessage(Validation("Register", "account id must be 12 digits"))
	assert.Contains(t, msg, "account id must be 12 digits")
}

func TestUserMessageShowsToolFailure(t *testing.T) {
	msg := UserMessage(ToolFailed("aws-tools:stop_instances", errors.New("instance i-123 is not running")))
	assert.Contains(t, msg, "aws-tools:stop_instances failed (tool failed)")
	assert.Contains(t, msg, "not running")
	assert.True(t, errors.Is(ToolFailed("x", nil), ErrToolFailed))
}

func TestFromAWS(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"expired", &smithy.GenericAPIError{Code: "ExpiredTokenException"}, KindNotAuthenticated},
		{"denied", &smithy.GenericAPIError{Code: "AccessDenied"}, KindValidation},
		{"throttle", &smithy.GenericAPIError{Code: "ThrottlingException"}, KindTransport},
		{"deadline", context.DeadlineExceeded, KindTimedOut},
		{"cancel", context.Canceled, KindCancelled},
		{"plain", errors.New("dial tcp: refused"), KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromAWS("op", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
	assert.NoError(t, FromAWS("op", nil))
}
