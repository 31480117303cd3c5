package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ErrorCodeInvalidRequest.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, ErrorCodeRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, ErrorCodePartitionAbort.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, ErrorCodePrimaryDown.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, ErrorCodeCircuitOpen.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, ErrorCodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, ErrorCodeUnknown.HTTPStatus())
}

func TestHandler_WriteValidationError(t *testing.T) {
	h := NewHandler(zap.NewNop())
	rec := httptest.NewRecorder()

	h.WriteValidationError(rec, "invalid mode \"XY\"", "req-1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrorCodeInvalidRequest, resp.ErrorCode)
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestHandler_WriteRateLimitedError(t *testing.T) {
	h := NewHandler(zap.NewNop())
	rec := httptest.NewRecorder()

	h.WriteRateLimitedError(rec, "")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ErrorCodeRateLimited, resp.ErrorCode)
	assert.Empty(t, resp.RequestID)
}
