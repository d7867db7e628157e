package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusCoversEveryCode(t *testing.T) {
	codes := []Code{
		CodeInsufficientScope, CodeInvalidTopic, CodePayloadTooLarge,
		CodeValidationFailed, CodeRateLimited, CodeTenantSuspended,
		CodeQuotaExceeded, CodePublishFailed, CodeUnauthenticated,
		CodeNotFound, CodeInternal, CodeConnectionLimitExceeded,
	}
	for _, c := range codes {
		t.Run(string(c), func(t *testing.T) {
			status := HTTPStatus(c)
			assert.NotZero(t, status)
			assert.NotEqual(t, 0, status)
		})
	}
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(CodeRateLimited))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeTenantSuspended))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodePublishFailed, "could not publish event", cause)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodePublishFailed, CodeOf(err))
}

func TestCodeOfNonApiErrorIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestToEnvelope(t *testing.T) {
	err := New(CodeQuotaExceeded, "monthly event quota exceeded").
		WithDetails(map[string]any{"limit": 10000})
	env := ToEnvelope(err, "req-123")
	assert.Equal(t, CodeQuotaExceeded, env.Error.Code)
	assert.Equal(t, "req-123", env.Error.RequestID)
	assert.Equal(t, 10000, env.Error.Details["limit"])

	generic := ToEnvelope(errors.New("unexpected"), "req-456")
	assert.Equal(t, CodeInternal, generic.Error.Code)
	assert.Equal(t, "req-456", generic.Error.RequestID)
}
