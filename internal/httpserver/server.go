package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/health"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/relay"
	"github.com/tokligence/tokligence-chat/internal/userstore"
)

const (
	// SessionCookie carries the session token for browser clients.
	SessionCookie = "tokligence_session"
	// DefaultMaxBodyBytes bounds every request body on the API. It admits a
	// message of chat.MaxContentLength characters even when every character
	// is JSON-escaped as a surrogate pair (12 bytes).
	DefaultMaxBodyBytes = 12*chat.MaxContentLength + 64<<10
)

// Config holds the dependencies of a Server. Chat, Identity, Auth and Relay
// are required.
type Config struct {
	Chat     chat.Store
	Identity userstore.Store
	Auth     *auth.Manager
	Relay    *relay.Relay

	Limiter          *ratelimit.Limiter
	RateLimitEnabled bool

	Health  *health.Checker
	Metrics *metrics.Collector
	// MetricsEnabled mounts /metrics.
	MetricsEnabled bool
	Hooks          *hooks.Dispatcher
	Logger         zerolog.Logger

	CORSOrigins []string
	// SecureCookies marks the session cookie Secure; off for plain-HTTP development.
	SecureCookies bool
	MaxBodyBytes  int64
}

// Server exposes the chat REST and streaming API.
type Server struct {
	chat     chat.Store
	identity userstore.Store
	auth     *auth.Manager
	relay    *relay.Relay

	limiter          *ratelimit.Limiter
	rateLimitEnabled bool

	health         *health.Checker
	metrics        *metrics.Collector
	metricsEnabled bool
	hooks          *hooks.Dispatcher
	logger         zerolog.Logger

	corsOrigins   []string
	secureCookies bool
	maxBodyBytes  int64
}

// New constructs a Server with the required dependencies.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Chat == nil:
		return nil, errors.New("httpserver: chat store required")
	case cfg.Identity == nil:
		return nil, errors.New("httpserver: identity store required")
	case cfg.Auth == nil:
		return nil, errors.New("httpserver: auth manager required")
	case cfg.Relay == nil:
		return nil, errors.New("httpserver: relay required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Health == nil {
		cfg.Health = health.New(health.Config{Targets: []health.Target{
			{Name: "chat_store", Type: health.TypeStorage, Pinger: cfg.Chat},
			{Name: "identity_store", Type: health.TypeStorage, Pinger: cfg.Identity},
		}})
	}
	return &Server{
		chat:             cfg.Chat,
		identity:         cfg.Identity,
		auth:             cfg.Auth,
		relay:            cfg.Relay,
		limiter:          cfg.Limiter,
		rateLimitEnabled: cfg.RateLimitEnabled,
		health:           cfg.Health,
		metrics:          cfg.Metrics,
		metricsEnabled:   cfg.MetricsEnabled,
		hooks:            cfg.Hooks,
		logger:           cfg.Logger,
		corsOrigins:      cfg.CORSOrigins,
		secureCookies:    cfg.SecureCookies,
		maxBodyBytes:     cfg.MaxBodyBytes,
	}, nil
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r, newOpsEndpoint(s))

	r.Route("/api", func(api chi.Router) {
		api.Use(maxBodySize(s.maxBodyBytes))
		s.registerEndpoints(api,
			newAuthEndpoint(s),
			newConversationsEndpoint(s),
			newMessagesEndpoint(s),
		)
	})
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.logger.Debug().Str("endpoint", ep.Name()).Msg("registering endpoint")
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, s.wrapRoute(route))
		}
	}
}

func (s *Server) wrapRoute(route protocol.EndpointRoute) http.Handler {
	h := route.Handler
	for i := len(route.Middlewares) - 1; i >= 0; i-- {
		h = route.Middlewares[i](h)
	}
	if route.Access == protocol.Protected {
		h = s.sessionMiddleware(h)
	}
	return h
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{"error": message})
}

// respondInvalid reports input that failed validation.
func (s *Server) respondInvalid(w http.ResponseWriter, message string, details ...*chat.ValidationError) {
	if details == nil {
		details = []*chat.ValidationError{}
	}
	s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": message, "details": details})
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
// respondDecodeError answers a body that could not be decoded: 413 when the
// size cap cut it short, 400 with message otherwise.
func (s *Server) respondDecodeError(w http.ResponseWriter, message string, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	s.respondInvalid(w, message, &chat.ValidationError{Field: "body", Message: "malformed JSON"})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// conversationID parses the {id} route parameter.
func conversationID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secureCookies,
		Expires:  expires,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secureCookies,
		MaxAge:   -1,
	})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// sessionToken returns the token presented by the request, header first.
func sessionToken(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
