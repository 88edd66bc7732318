package httpserver

import (
	"errors"
	"net/http"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/sse"
)

type messagesEndpoint struct {
	server *Server
}

func newMessagesEndpoint(server *Server) protocol.Endpoint {
	return &messagesEndpoint{server: server}
}

func (e *messagesEndpoint) Name() string { return "messages" }

func (e *messagesEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	limit := ratelimit.NewMiddleware(s.limiter, s.rateLimitEnabled, s.logger, principalUserID)
	limit.OnReject = s.metrics.RateLimited
	return []protocol.EndpointRoute{
		{
			Method:      http.MethodPost,
			Path:        "/conversations/{id}/messages",
			Handler:     http.HandlerFunc(s.handleSendMessage),
			Access:      protocol.Protected,
			Middlewares: []func(http.Handler) http.Handler{limit.Wrap},
		},
	}
}

// handleSendMessage relays one user message as an SSE reply stream. Errors
// found before the stream starts are plain JSON responses; afterwards they
// can only be reported in-band.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	var req chat.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondDecodeError(w, "Invalid request body", err)
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())

	_, err := s.relay.Send(r.Context(), p, id, req.Content, sse.NewWriter(w))
	if err == nil {
		return
	}
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		s.respondInvalid(w, "Invalid request body", verr)
	case errors.Is(err, chat.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "Conversation not found")
	default:
		s.logger.Error().Err(err).Int64("conversation_id", id).Msg("send message failed")
		s.respondError(w, http.StatusInternalServerError, sse.ErrorMessage)
	}
}
