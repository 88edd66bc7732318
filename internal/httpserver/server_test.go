package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tokligence/tokligence-chat/internal/adapter/loopback"
	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	chatsqlite "github.com/tokligence/tokligence-chat/internal/chat/sqlite"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/relay"
	"github.com/tokligence/tokligence-chat/internal/sse"
	"github.com/tokligence/tokligence-chat/internal/testutil"
	usersqlite "github.com/tokligence/tokligence-chat/internal/userstore/sqlite"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	chat    *chatsqlite.Store
	auth    *auth.Manager
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	chatStore, err := chatsqlite.New(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatalf("chat store: %v", err)
	}
	t.Cleanup(func() { _ = chatStore.Close() })
	identity, err := usersqlite.New(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	t.Cleanup(func() { _ = identity.Close() })

	rl, err := relay.New(relay.Config{Store: chatStore, Upstream: loopback.New(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	cfg := Config{
		Chat:     chatStore,
		Identity: identity,
		Auth:     auth.NewManager("secret", 0),
		Relay:    rl,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{server: srv, handler: srv.Router(), chat: chatStore, auth: cfg.Auth}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// register creates an account and returns its session token.
func (e *testEnv) register(t *testing.T, username string) (int64, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/register", "",
		`{"username":"`+username+`","email":"`+username+`@example.com","password":"secret123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	return resp.ID, resp.Token
}

func (e *testEnv) createConversation(t *testing.T, token, body string) chat.Conversation {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/conversations", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create conversation: status %d body %s", rec.Code, rec.Body.String())
	}
	var conv chat.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return conv
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestRegisterLoginAndMe(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/auth/register", "", `{"username":"alice","email":"alice@example.com","password":"secret123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected register status %d: %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Name != SessionCookie || !cookies[0].HttpOnly {
		t.Fatalf("expected session cookie, got %+v", cookies)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"alice@example.com","password":"wrong-pass"}`)
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec)["error"] != "Invalid email or password" {
		t.Fatalf("expected 401 for bad password, got %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"nobody@example.com","password":"secret123"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"alice@example.com","password":"secret123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected login status %d: %s", rec.Code, rec.Body.String())
	}
	var login accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token == "" || login.Username != "alice" {
		t.Fatalf("unexpected login payload %+v", login)
	}

	// Cookie sessions work as well as bearer tokens.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: login.Token})
	meRec := httptest.NewRecorder()
	env.handler.ServeHTTP(meRec, req)
	if meRec.Code != http.StatusOK {
		t.Fatalf("unexpected me status %d", meRec.Code)
	}
	var me accountResponse
	if err := json.Unmarshal(meRec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ID != login.ID || me.Email != "alice@example.com" || me.Token != "" {
		t.Fatalf("unexpected me payload %+v", me)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/logout", login.Token, "")
	if rec.Code != http.StatusOK || decodeError(t, rec)["success"] != true {
		t.Fatalf("unexpected logout response %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/api/auth/me", login.Token, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", rec.Code)
	}
}

func TestRegisterValidationAndDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"short username", `{"username":"al","email":"al@example.com","password":"secret123"}`, "Invalid input"},
		{"bad email", `{"username":"bobby","email":"bobby","password":"secret123"}`, "Invalid input"},
		{"short password", `{"username":"bobby","email":"bobby@example.com","password":"123"}`, "Invalid input"},
		{"malformed", `{"username":`, "Invalid input"},
		{"duplicate email", `{"username":"alice2","email":"ALICE@example.com","password":"secret123"}`, "Email already registered"},
		{"duplicate username", `{"username":"alice","email":"other@example.com","password":"secret123"}`, "Username already taken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/auth/register", "", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec)["error"]; got != tt.message {
				t.Fatalf("expected %q, got %v", tt.message, got)
			}
		})
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t, nil)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/auth/me"},
		{http.MethodGet, "/api/conversations"},
		{http.MethodPost, "/api/conversations"},
		{http.MethodGet, "/api/conversations/1"},
		{http.MethodDelete, "/api/conversations/1"},
		{http.MethodPost, "/api/conversations/1/messages"},
	}
	for _, route := range routes {
		rec := env.do(t, route.method, route.path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, rec.Code)
		}
		if got := decodeError(t, rec)["error"]; got != "Unauthorized" {
			t.Fatalf("%s %s: unexpected error %v", route.method, route.path, got)
		}
	}
	if rec := env.do(t, http.MethodGet, "/api/conversations", "not-a-token", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", rec.Code)
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.register(t, "alice")

	first := env.createConversation(t, token, "")
	if first.Title != chat.DefaultTitle {
		t.Fatalf("expected default title, got %q", first.Title)
	}
	second := env.createConversation(t, token, `{"title":"Trip planning"}`)

	rec := env.do(t, http.MethodGet, "/api/conversations", token, "")
	var list []chat.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}

	rec = env.do(t, http.MethodGet, "/api/conversations/"+strconv.FormatInt(second.ID, 10), token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get conversation: %d", rec.Code)
	}
	var loaded chat.ConversationWithMessages
	if err := json.Unmarshal(rec.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if loaded.Title != "Trip planning" || loaded.Messages == nil || len(loaded.Messages) != 0 {
		t.Fatalf("unexpected conversation %+v", loaded)
	}
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("expected empty messages array, got %s", rec.Body.String())
	}

	path := "/api/conversations/" + strconv.FormatInt(first.ID, 10)
	if rec := env.do(t, http.MethodDelete, path, token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("repeat delete should be idempotent, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestConversationRequestErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	_, alice := env.register(t, "alice")
	_, bob := env.register(t, "bob_b")
	conv := env.createConversation(t, alice, "")
	path := "/api/conversations/" + strconv.FormatInt(conv.ID, 10)

	if rec := env.do(t, http.MethodGet, "/api/conversations/abc", alice, ""); rec.Code != http.StatusBadRequest || decodeError(t, rec)["error"] != "Invalid conversation id" {
		t.Fatalf("expected invalid id, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, path, bob, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another owner, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, bob, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected no-op delete for another owner, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, alice, ""); rec.Code != http.StatusOK {
		t.Fatalf("another owner's delete must not remove the conversation, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/conversations", alice, `{"title":"`+strings.Repeat("x", chat.MaxTitleLength+1)+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for long title, got %d", rec.Code)
	}
	payload := decodeError(t, rec)
	details, _ := payload["details"].([]any)
	if payload["error"] != "Invalid request body" || len(details) != 1 {
		t.Fatalf("unexpected validation payload %v", payload)
	}
	if rec := env.do(t, http.MethodPost, "/api/conversations", alice, `{"title":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty title, got %d", rec.Code)
	}
}

func TestSendMessageStreamsReply(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.register(t, "alice")
	conv := env.createConversation(t, token, "")

	srv := testutil.NewIPv4Server(t, env.handler)
	defer srv.Close()

	path := "/api/conversations/" + strconv.FormatInt(conv.ID, 10)
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+path+"/messages", bytes.NewBufferString(`{"content":"Hello, how are you?"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	dec := sse.NewDecoder(resp.Body)
	var streamed strings.Builder
	done := false
	for {
		ev, err := dec.Next()
		if err != nil {
			break
		}
		if ev.Error != "" {
			t.Fatalf("unexpected error event %q", ev.Error)
		}
		if ev.Done {
			done = true
			continue
		}
		streamed.WriteString(ev.Content)
	}
	if !done {
		t.Fatalf("stream ended without completion marker")
	}
	if streamed.String() != "[loopback] Hello, how are you?" {
		t.Fatalf("unexpected streamed reply %q", streamed.String())
	}

	rec := env.do(t, http.MethodGet, path, token, "")
	var loaded chat.ConversationWithMessages
	if err := json.Unmarshal(rec.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[1].Content != streamed.String() {
		t.Fatalf("unexpected stored messages %+v", loaded.Messages)
	}
	if loaded.Title != "Hello, how are you?" {
		t.Fatalf("unexpected title %q", loaded.Title)
	}
}

func TestSendMessageRejectedBeforeStream(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.register(t, "alice")
	conv := env.createConversation(t, token, "")
	path := "/api/conversations/" + strconv.FormatInt(conv.ID, 10) + "/messages"

	rec := env.do(t, http.MethodPost, path, token, `{"content":""}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec)["error"] != "Invalid request body" {
		t.Fatalf("expected validation error, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/conversations/999/messages", token, `{"content":"hi"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/conversations/x/messages", token, `{"content":"hi"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
	msgs, err := env.chat.ListMessages(context.Background(), conv.ID)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("rejected sends must not store messages: %d, %v", len(msgs), err)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	collector := metrics.NewCollector()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 1, Logger: zerolog.Nop()})
		cfg.RateLimitEnabled = true
		cfg.Metrics = collector
		cfg.MetricsEnabled = true
	})
	_, token := env.register(t, "alice")
	conv := env.createConversation(t, token, "")
	path := "/api/conversations/" + strconv.FormatInt(conv.ID, 10) + "/messages"

	if rec := env.do(t, http.MethodPost, path, token, `{"content":"first"}`); rec.Code != http.StatusOK {
		t.Fatalf("first send: %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, path, token, `{"content":"second"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("missing rate limit headers: %v", rec.Header())
	}
	msgs, _ := env.chat.ListMessages(context.Background(), conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("rate limited send must not store anything, got %d messages", len(msgs))
	}

	metricsRec := env.do(t, http.MethodGet, "/metrics", "", "")
	body := metricsRec.Body.String()
	if !strings.Contains(body, "chat_rate_limit_hits_total 1") {
		t.Fatalf("expected rate limit counter in metrics output")
	}
	if !strings.Contains(body, `route="/api/conversations/{id}/messages"`) {
		t.Fatalf("expected route pattern label in metrics output")
	}
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", rec.Code)
	}
	var payload struct {
		Status     string `json:"status"`
		Components []struct {
			Name string `json:"name"`
		} `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status == "unhealthy" || len(payload.Components) != 2 {
		t.Fatalf("unexpected health payload %+v", payload)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security headers")
	}
	if rec := env.do(t, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should be disabled by default, got %d", rec.Code)
	}
}

type failingMessageStore struct {
	chat.Store
}

func (failingMessageStore) CreateMessage(ctx context.Context, conversationID int64, role chat.Role, content string) (*chat.Message, error) {
	return nil, errors.New("disk full")
}

func TestSendMessageStorageFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		rl, err := relay.New(relay.Config{Store: failingMessageStore{cfg.Chat}, Upstream: loopback.New(), Logger: zerolog.Nop()})
		if err != nil {
			t.Fatalf("relay: %v", err)
		}
		cfg.Relay = rl
	})
	_, token := env.register(t, "alice")
	conv := env.createConversation(t, token, "")

	rec := env.do(t, http.MethodPost, "/api/conversations/"+strconv.FormatInt(conv.ID, 10)+"/messages", token, `{"content":"Hello"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected a JSON error body, got %q", ct)
	}
	if got := decodeError(t, rec)["error"]; got != sse.ErrorMessage {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestRegisterValidationDetails(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/auth/register", "", `{"username":"al","email":"al-at-example.com","password":"123"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	details, _ := decodeError(t, rec)["details"].([]any)
	var fields []string
	for _, d := range details {
		entry, _ := d.(map[string]any)
		field, _ := entry["field"].(string)
		fields = append(fields, field)
	}
	if strings.Join(fields, ",") != "username,email,password" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestSendMessageEscapedContentAtLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.register(t, "alice")
	conv := env.createConversation(t, token, "")

	body, err := json.Marshal(chat.SendRequest{Content: strings.Repeat("\x01", chat.MaxContentLength)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(body) <= 256<<10 {
		t.Fatalf("escaped body should exceed 256 KiB, got %d bytes", len(body))
	}
	rec := env.do(t, http.MethodPost, "/api/conversations/"+strconv.FormatInt(conv.ID, 10)+"/messages", token, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the stream to start, got %d %.200s", rec.Code, rec.Body.String())
	}
	if !strings.HasSuffix(rec.Body.String(), "data: {\"done\":true}\n\n") {
		t.Fatalf("expected done marker at the end of the stream")
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxBodyBytes = 64 })
	rec := env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"`+strings.Repeat("a", 100)+`@example.com","password":"x"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestBodyTooLargeWithoutContentLength(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxBodyBytes = 96 })
	_, token := env.register(t, "alice")

	tests := []struct {
		name, path, token, body string
	}{
		{"login", "/api/auth/login", "", `{"email":"` + strings.Repeat("a", 100) + `@example.com","password":"x"}`},
		{"create conversation", "/api/conversations", token, `{"title":"` + strings.Repeat("t", 100) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, io.MultiReader(strings.NewReader(tt.body)))
			req.ContentLength = -1
			req.Header.Set("Content-Type", "application/json")
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec)["error"]; got != "Request body too large" {
				t.Fatalf("unexpected error %v", got)
			}
		})
	}
}
