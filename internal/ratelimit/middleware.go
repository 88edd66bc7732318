package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Middleware rejects requests over the caller's limit with 429.
type Middleware struct {
	limiter *Limiter
	enabled bool
	logger  zerolog.Logger
	userID  func(context.Context) int64
	// OnReject is called for every rejected request.
	OnReject func()
}

// NewMiddleware builds the middleware. userID extracts the authenticated
// caller from the request context; zero means anonymous and is not limited.
func NewMiddleware(limiter *Limiter, enabled bool, logger zerolog.Logger, userID func(context.Context) int64) *Middleware {
	return &Middleware{limiter: limiter, enabled: enabled, logger: logger, userID: userID}
}

// Wrap applies the limit to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled || m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := m.userID(r.Context())
		if userID <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		d := m.limiter.AllowUser(r.Context(), userID)
		m.setHeaders(w, d)
		if !d.Allowed {
			m.logger.Info().Int64("user_id", userID).Str("path", r.URL.Path).Msg("rate limit exceeded")
			if m.OnReject != nil {
				m.OnReject()
			}
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) setHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", d.Limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(d.Remaining)))
	if d.Remaining < d.Limit {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(m.limiter.ResetAfter(d.Remaining)).Unix(), 10))
	}
}
