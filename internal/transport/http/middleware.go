package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/metrics"
)

// Authenticator resolves a device API key to the device UUID it may ping as.
type Authenticator interface {
	Resolve(ctx context.Context, apiKey string) (string, bool)
}

type bindingKey struct{}

// KeyBinding returns the device binding of the key that authenticated the request.
func KeyBinding(ctx context.Context) string {
	v, _ := ctx.Value(bindingKey{}).(string)
	return v
}

type AuthMiddleware struct {
	auth Authenticator
}

func NewAuthMiddleware(a Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: a}
}

func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			metrics.PingsRejected.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}

		binding, ok := m.auth.Resolve(r.Context(), apiKey)
		if !ok {
			metrics.PingsRejected.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), bindingKey{}, binding)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware guards management routes with a single shared key, taken
// from X-Admin-Key, a bearer token, or the "key" query parameter (websocket
// clients cannot set headers). An empty key disables the routes.
type AdminMiddleware struct {
	key []byte
}

func NewAdminMiddleware(key string) *AdminMiddleware {
	return &AdminMiddleware{key: []byte(key)}
}

func (m *AdminMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.key) == 0 {
			writeError(w, http.StatusServiceUnavailable, "admin API disabled")
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if got == "" {
			got = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(got), m.key) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		ctx := logging.WithCorrelationID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))

		logging.Ctx(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
