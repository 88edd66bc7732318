package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/userstore"
)

// accessLog logs every request and records it in the HTTP metrics, labelled
// by chi route pattern to keep cardinality bounded.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			latency := time.Since(start)
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			s.metrics.ObserveRequest(r.Method, route, ww.Status(), latency)
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", latency).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request completed")
		}()

		next.ServeHTTP(ww, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = w.Write([]byte(`{"error":"Request body too large"}` + "\n"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// sessionMiddleware resolves the caller and places an auth.Principal on the
// request context. Requests without a valid session never reach next.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected unauthenticated request")
			s.respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) authenticate(r *http.Request) (auth.Principal, error) {
	token := sessionToken(r)
	if token == "" {
		return auth.Principal{}, errors.New("missing session")
	}
	userID, err := s.auth.ValidateToken(token)
	if err != nil {
		return auth.Principal{}, err
	}
	user, err := s.identity.FindByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return auth.Principal{}, errors.New("session user no longer exists")
		}
		return auth.Principal{}, err
	}
	return auth.Principal{UserID: user.ID, Username: user.Username, Email: user.Email}, nil
}

func principalUserID(ctx context.Context) int64 {
	p, _ := auth.PrincipalFrom(ctx)
	return p.UserID
}
