// Package chatclient talks to the chat service over HTTP and drives the
// streaming send flow for interactive front ends.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/sse"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Account is the caller's identity as returned by the auth routes.
type Account struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Token    string `json:"token,omitempty"`
}

// FieldError is one entry of a validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
	Details []FieldError
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+" "+d.Message)
	}
	return fmt.Sprintf("chat api: %d %s (%s)", e.Status, e.Message, strings.Join(parts, "; "))
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// errorResponse matches the service's error payload.
type errorResponse struct {
	Error   string       `json:"error"`
	Details []FieldError `json:"details"`
}

// Client is a typed client for the chat API. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient HTTPClient

	mu    sync.RWMutex
	token string
}

// New constructs a client for the service at baseURL. Streaming replies can
// run for minutes, so the default HTTP client has no overall timeout; pass
// a context deadline instead.
func New(baseURL string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the session token sent as a bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register creates an account and keeps its session token.
func (c *Client) Register(ctx context.Context, username, email, password string) (*Account, error) {
	var acct Account
	payload := map[string]string{"username": username, "email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/register", payload, &acct); err != nil {
		return nil, err
	}
	c.SetToken(acct.Token)
	return &acct, nil
}

// Login authenticates and keeps the session token.
func (c *Client) Login(ctx context.Context, email, password string) (*Account, error) {
	var acct Account
	payload := map[string]string{"email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", payload, &acct); err != nil {
		return nil, err
	}
	c.SetToken(acct.Token)
	return &acct, nil
}

// Logout revokes the session and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.doJSON(ctx, http.MethodGet, "/api/auth/me", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListConversations returns the caller's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation returns a conversation with its messages in order.
func (c *Client) GetConversation(ctx context.Context, id int64) (*chat.ConversationWithMessages, error) {
	var conv chat.ConversationWithMessages
	if err := c.doJSON(ctx, http.MethodGet, conversationPath(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation starts a conversation. An empty title lets the service
// pick its default.
func (c *Client) CreateConversation(ctx context.Context, title string) (*chat.Conversation, error) {
	payload := map[string]string{}
	if title != "" {
		payload["title"] = title
	}
	var conv chat.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations", payload, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, conversationPath(id), nil, nil)
}

// Stream is an open reply stream. Close it when done.
type Stream struct {
	body io.ReadCloser
	dec  *sse.Decoder
}

// Next returns the next event, or io.EOF when the server closes the stream.
func (s *Stream) Next() (sse.Event, error) {
	return s.dec.Next()
}

// Close releases the connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// SendMessage posts content and returns the reply stream. A non-2xx status is
// returned as *APIError before any event is read.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (*Stream, error) {
	req, err := c.newRequest(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", map[string]string{"content": content})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return &Stream{body: resp.Body, dec: sse.NewDecoder(resp.Body)}, nil
}

func conversationPath(id int64) string {
	return "/api/conversations/" + strconv.FormatInt(id, 10)
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		apiErr.Message = payload.Error
		apiErr.Details = payload.Details
	}
	return apiErr
}
