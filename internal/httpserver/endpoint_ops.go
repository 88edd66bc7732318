package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-chat/internal/health"
	"github.com/tokligence/tokligence-chat/internal/httpserver/protocol"
)

// opsEndpoint serves health and metrics outside the /api prefix.
type opsEndpoint struct {
	server *Server
}

func newOpsEndpoint(server *Server) protocol.Endpoint {
	return &opsEndpoint{server: server}
}

func (e *opsEndpoint) Name() string { return "ops" }

func (e *opsEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	routes := []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(s.handleHealth)},
	}
	if s.metricsEnabled && s.metrics != nil {
		routes = append(routes, protocol.EndpointRoute{Method: http.MethodGet, Path: "/metrics", Handler: s.metrics.Handler()})
	}
	return routes
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}
