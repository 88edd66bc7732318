package httpserver

import (
	"errors"
	"net/http"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/httpserver/protocol"
)

type conversationsEndpoint struct {
	server *Server
}

func newConversationsEndpoint(server *Server) protocol.Endpoint {
	return &conversationsEndpoint{server: server}
}

func (e *conversationsEndpoint) Name() string { return "conversations" }

func (e *conversationsEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/conversations", Handler: http.HandlerFunc(s.handleListConversations), Access: protocol.Protected},
		{Method: http.MethodPost, Path: "/conversations", Handler: http.HandlerFunc(s.handleCreateConversation), Access: protocol.Protected},
		{Method: http.MethodGet, Path: "/conversations/{id}", Handler: http.HandlerFunc(s.handleGetConversation), Access: protocol.Protected},
		{Method: http.MethodDelete, Path: "/conversations/{id}", Handler: http.HandlerFunc(s.handleDeleteConversation), Access: protocol.Protected},
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	convs, err := s.chat.ListConversations(r.Context(), p.UserID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", p.UserID).Msg("list conversations failed")
		s.respondError(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	s.respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())
	conv, err := chat.Load(r.Context(), s.chat, p.UserID, id)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		s.logger.Error().Err(err).Int64("conversation_id", id).Msg("load conversation failed")
		s.respondError(w, http.StatusInternalServerError, "Failed to fetch conversation")
		return
	}
	s.respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req chat.CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondDecodeError(w, "Invalid request body", err)
		return
	}
	title, err := chat.NormalizeTitle(req.Title)
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			s.respondInvalid(w, "Invalid request body", verr)
			return
		}
		s.respondInvalid(w, "Invalid request body")
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())
	conv, err := s.chat.CreateConversation(r.Context(), p.UserID, title)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", p.UserID).Msg("create conversation failed")
		s.respondError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}
	s.hooks.Publish(r.Context(), s.logger, hooks.NewEvent(hooks.EventConversationCreated, p.UserID, map[string]any{
		"title": conv.Title,
	}).WithConversation(conv.ID))
	s.respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	p, _ := auth.PrincipalFrom(r.Context())
	if err := s.chat.DeleteConversation(r.Context(), p.UserID, id); err != nil {
		s.logger.Error().Err(err).Int64("conversation_id", id).Msg("delete conversation failed")
		s.respondError(w, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}
	s.hooks.Publish(r.Context(), s.logger, hooks.NewEvent(hooks.EventConversationDeleted, p.UserID, nil).WithConversation(id))
	w.WriteHeader(http.StatusNoContent)
}
