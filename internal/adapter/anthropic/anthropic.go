package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.ChatAdapter = (*AnthropicAdapter)(nil)

const defaultMaxTokens = 4096

// AnthropicAdapter sends requests to the Anthropic Messages API.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
}

// Config holds configuration for the Anthropic adapter.
type Config struct {
	APIKey         string
	BaseURL        string        // optional, defaults to https://api.anthropic.com
	Version        string        // optional, defaults to 2023-06-01
	RequestTimeout time.Duration // bounds the wait for response headers
}

// New creates an AnthropicAdapter instance.
func New(cfg Config) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &AnthropicAdapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		version: version,
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
		}},
	}, nil
}

// BaseURL returns the upstream endpoint root.
func (a *AnthropicAdapter) BaseURL() string {
	return a.baseURL
}

// CreateCompletionStream opens a streaming request and converts text deltas to OpenAI chunks.
func (a *AnthropicAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	resp, err := a.do(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		roleEmitted := false
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "{}" {
				continue
			}
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				adapter.Send(ctx, ch, adapter.StreamEvent{Error: fmt.Errorf("anthropic: parse stream: %w", err)})
				return
			}
			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
					continue
				}
				chunk := openai.NewContentChunk("msg-stream", req.Model, evt.Delta.Text)
				if !roleEmitted {
					roleEmitted = true
					chunk.Choices[0].Delta.Role = openai.RoleAssistant
				}
				if !adapter.Send(ctx, ch, adapter.StreamEvent{Chunk: &chunk}) {
					return
				}
			case "error":
				adapter.Send(ctx, ch, adapter.StreamEvent{Error: fmt.Errorf("anthropic: %s (type=%s)", evt.Error.Message, evt.Error.Type)})
				return
			case "message_stop":
				return
			}
		}
		err := scanner.Err()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if err != nil {
			adapter.Send(ctx, ch, adapter.StreamEvent{Error: fmt.Errorf("anthropic: read stream: %w", err)})
		}
	}()
	return ch, nil
}

func (a *AnthropicAdapter) do(ctx context.Context, req openai.ChatCompletionRequest) (*http.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}
	messages, systemPrompt, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxCompletionTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      mapModelName(req.Model),
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if systemPrompt != "" {
		payload["system"] = systemPrompt
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("anthropic: %s (type=%s)", errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("anthropic: http %d: %s", resp.StatusCode, string(respBody))
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertMessages splits system instructions out of the exchange and maps the rest to
// Anthropic's user/assistant turns.
func convertMessages(in []openai.ChatMessage) ([]anthropicMessage, string, error) {
	var messages []anthropicMessage
	var systemPrompt string

	for _, msg := range in {
		role := strings.ToLower(msg.Role)
		if role == openai.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		if role != openai.RoleAssistant {
			role = openai.RoleUser
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
		})
	}

	if len(messages) == 0 {
		return nil, "", errors.New("no user/assistant messages after filtering system messages")
	}
	return messages, systemPrompt, nil
}

// mapModelName maps short aliases to dated Anthropic model names.
func mapModelName(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))

	switch model {
	case "claude", "claude-sonnet":
		return "claude-3-5-sonnet-20241022"
	case "claude-haiku":
		return "claude-3-5-haiku-20241022"
	case "claude-opus":
		return "claude-3-opus-20240229"
	}
	if strings.HasPrefix(model, "claude-") {
		return model
	}
	return "claude-3-5-sonnet-20241022"
}
