package middleware

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/models"
	"github.com/yourusername/upload-gateway/internal/services"
)

func TestReject_StatusMapping(t *testing.T) {
	m := &Admission{logger: zap.NewNop()}

	tests := []struct {
		code   string
		status int
	}{
		{services.DenyAuth, 401},
		{services.DenyBanned, 403},
		{services.DenyRateLimited, 429},
		{services.DenyQuotaExceeded, 429},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		m.reject(rec, services.Decision{Code: tt.code, Message: "m"})
		assert.Equal(t, tt.status, rec.Code, "code %s", tt.code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}

func TestReject_RetryAfterHeader(t *testing.T) {
	m := &Admission{logger: zap.NewNop()}

	rec := httptest.NewRecorder()
	m.reject(rec, services.Decision{
		Code:       services.DenyRateLimited,
		Message:    "slow down",
		RetryAfter: 60 * time.Second,
		Limit:      60,
		Violations: 3,
	})

	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))

	var body rejection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, services.DenyRateLimited, body.Code)
	assert.Equal(t, int64(60), body.RetryAfter)
	assert.Equal(t, int64(3), body.Violations)
}

func TestReject_SubSecondRetryRoundsUp(t *testing.T) {
	m := &Admission{logger: zap.NewNop()}

	rec := httptest.NewRecorder()
	m.reject(rec, services.Decision{
		Code:       services.DenyBanned,
		RetryAfter: 300 * time.Millisecond,
		Ban:        &models.BanState{Level: models.BanFiveMinute},
	})

	assert.Equal(t, "1", rec.Header().Get("Retry-After"), "never advertise a zero-second wait")
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	assert.Equal(t, "203.0.113.9", clientAddr(r))

	r.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", clientAddr(r))
}
