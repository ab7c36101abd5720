package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/yourusername/upload-gateway/internal/models"
	"github.com/yourusername/upload-gateway/internal/services"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Admission gates every provider route through the admission
// controller before any provider-specific work happens.
type Admission struct {
	controller *services.AdmissionController
	logger     *zap.Logger
}

func NewAdmission(controller *services.AdmissionController, logger *zap.Logger) *Admission {
	return &Admission{controller: controller, logger: logger}
}

func (m *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := m.controller.Admit(r.Context(), services.AdmitRequest{
			APIKey:     r.Header.Get("X-API-Key"),
			RemoteAddr: clientAddr(r),
		})

		if !dec.Allowed {
			m.reject(w, dec)
			return
		}

		if dec.Identity != nil {
			r = r.WithContext(context.WithValue(r.Context(), identityContextKey, dec.Identity))
		}
		next.ServeHTTP(w, r)
	})
}

// GetIdentityFromContext returns the resolved identity set by the
// admission middleware, or nil for unauthenticated traffic.
func GetIdentityFromContext(ctx context.Context) *models.IdentityRecord {
	if ident, ok := ctx.Value(identityContextKey).(*models.IdentityRecord); ok {
		return ident
	}
	return nil
}

type rejection struct {
	Error      string           `json:"error"`
	Code       string           `json:"code"`
	RetryAfter int64            `json:"retry_after_seconds,omitempty"`
	Ban        *models.BanState `json:"ban,omitempty"`
	Violations int64            `json:"violation_count,omitempty"`
}

func (m *Admission) reject(w http.ResponseWriter, dec services.Decision) {
	status := http.StatusTooManyRequests
	switch dec.Code {
	case services.DenyAuth:
		status = http.StatusUnauthorized
	case services.DenyBanned:
		status = http.StatusForbidden
	}

	body := rejection{
		Error:      dec.Message,
		Code:       dec.Code,
		Ban:        dec.Ban,
		Violations: dec.Violations,
	}
	if dec.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", dec.Limit))
	}
	if dec.RetryAfter > 0 {
		seconds := int64(dec.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		body.RetryAfter = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.logger.Warn("rejection write failed", zap.Error(err))
	}
}

// clientAddr strips the port from RemoteAddr, falling back to the raw
// value for non host:port forms.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
