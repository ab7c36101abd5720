package middleware

import (
	"mime"
	"net/http"
	"strings"

	"github.com/yourusername/upload-gateway/internal/services"
)

// Usage records write-behind metrics after a provider operation
// succeeds. Recording is fire-and-forget; the response is already on
// its way by the time the counters move.
type Usage struct {
	recorder *services.UsageRecorder
}

func NewUsage(recorder *services.UsageRecorder) *Usage {
	return &Usage{recorder: recorder}
}

// statusWriter captures the status code so only successful provider
// operations count toward usage.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(statusCode int) {
	sw.statusCode = statusCode
	sw.ResponseWriter.WriteHeader(statusCode)
}

func (m *Usage) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		if sw.statusCode < 200 || sw.statusCode >= 300 {
			return
		}

		ident := GetIdentityFromContext(r.Context())
		if ident == nil {
			return
		}

		m.recorder.Record(
			ident.UserID.String(),
			ident.UserID.String(),
			providerFromPath(r.URL.Path),
			mimeTypeOf(r),
			categoryOf(r),
		)
	})
}

// providerFromPath pulls the provider segment out of /v1/<provider>/...
func providerFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" {
		return parts[1]
	}
	if len(parts) >= 1 && parts[0] != "" {
		return parts[0]
	}
	return "unknown"
}

func mimeTypeOf(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return "application/octet-stream"
	}
	parsed, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "application/octet-stream"
	}
	return parsed
}

func categoryOf(r *http.Request) string {
	if c := r.Header.Get("X-File-Category"); c != "" {
		return strings.ToLower(c)
	}
	switch {
	case strings.HasPrefix(mimeTypeOf(r), "image/"):
		return "image"
	case strings.HasPrefix(mimeTypeOf(r), "video/"):
		return "video"
	case strings.HasPrefix(mimeTypeOf(r), "audio/"):
		return "audio"
	default:
		return "other"
	}
}
