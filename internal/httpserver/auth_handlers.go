package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chat/internal/userstore"
)

type authEndpoint struct {
	server *Server
}

func newAuthEndpoint(server *Server) protocol.Endpoint {
	return &authEndpoint{server: server}
}

func (e *authEndpoint) Name() string { return "auth" }

func (e *authEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/auth/register", Handler: http.HandlerFunc(s.handleRegister)},
		{Method: http.MethodPost, Path: "/auth/login", Handler: http.HandlerFunc(s.handleLogin)},
		{Method: http.MethodPost, Path: "/auth/logout", Handler: http.HandlerFunc(s.handleLogout)},
		{Method: http.MethodGet, Path: "/auth/me", Handler: http.HandlerFunc(s.handleMe), Access: protocol.Protected},
	}
}

type accountResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Token    string `json:"token,omitempty"`
}

func newAccountResponse(u *userstore.User) accountResponse {
	return accountResponse{ID: u.ID, Username: u.Username, Email: u.Email}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

func (req *registerRequest) normalize() {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondDecodeError(w, "Invalid input", err)
		return
	}
	req.normalize()
	if errs := chat.Validate(req); len(errs) > 0 {
		s.respondInvalid(w, "Invalid input", errs...)
		return
	}
	ctx := r.Context()

	if _, err := s.identity.FindByEmail(ctx, req.Email); err == nil {
		s.respondError(w, http.StatusBadRequest, "Email already registered")
		return
	} else if !errors.Is(err, userstore.ErrNotFound) {
		s.logger.Error().Err(err).Msg("registration lookup failed")
		s.respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}
	if _, err := s.identity.FindByUsername(ctx, req.Username); err == nil {
		s.respondError(w, http.StatusBadRequest, "Username already taken")
		return
	} else if !errors.Is(err, userstore.ErrNotFound) {
		s.logger.Error().Err(err).Msg("registration lookup failed")
		s.respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		if auth.IsPasswordTooLong(err) {
			s.respondInvalid(w, "Invalid input", &chat.ValidationError{Field: "password", Message: "must be at most 72 bytes"})
			return
		}
		s.logger.Error().Err(err).Msg("password hashing failed")
		s.respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}
	user, err := s.identity.CreateUser(ctx, req.Username, req.Email, hash)
	switch {
	case errors.Is(err, userstore.ErrDuplicateEmail):
		s.respondError(w, http.StatusBadRequest, "Email already registered")
		return
	case errors.Is(err, userstore.ErrDuplicateUsername):
		s.respondError(w, http.StatusBadRequest, "Username already taken")
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("create user failed")
		s.respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	token, expires := s.auth.IssueToken(user.ID)
	s.setSessionCookie(w, token, expires)
	s.logger.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("account registered")
	s.hooks.Publish(ctx, s.logger, hooks.NewEvent(hooks.EventUserRegistered, user.ID, map[string]any{
		"username": user.Username,
		"email":    user.Email,
	}))

	resp := newAccountResponse(user)
	resp.Token = token
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondDecodeError(w, "Invalid input", err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if errs := chat.Validate(req); len(errs) > 0 {
		s.respondInvalid(w, "Invalid input", errs...)
		return
	}
	user, err := s.identity.FindByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			s.respondError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		s.logger.Error().Err(err).Msg("login lookup failed")
		s.respondError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.respondError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	token, expires := s.auth.IssueToken(user.ID)
	s.setSessionCookie(w, token, expires)
	resp := newAccountResponse(user)
	resp.Token = token
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		s.auth.Revoke(token)
	}
	s.clearSessionCookie(w)
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	s.respondJSON(w, http.StatusOK, accountResponse{ID: p.UserID, Username: p.Username, Email: p.Email})
}
