package openai

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

var _ adapter.ChatAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter sends requests to the OpenAI API.
type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	org        string
	httpClient *http.Client
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey         string
	BaseURL        string        // optional, defaults to https://api.openai.com/v1
	Organization   string        // optional
	RequestTimeout time.Duration // bounds the wait for response headers
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIAdapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		org:     cfg.Organization,
		// streams are bounded by the request context, not a wall clock
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
		}},
	}, nil
}

// BaseURL returns the upstream endpoint root.
func (a *OpenAIAdapter) BaseURL() string {
	return a.baseURL
}

// CreateCompletionStream opens a streaming completion and relays each chunk.
func (a *OpenAIAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}
	req.Stream = true

	resp, err := a.do(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				return
			}
			var chunk openai.ChatCompletionChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				adapter.Send(ctx, ch, adapter.StreamEvent{Error: fmt.Errorf("openai: parse stream: %w", err)})
				return
			}
			if !adapter.Send(ctx, ch, adapter.StreamEvent{Chunk: &chunk}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			adapter.Send(ctx, ch, adapter.StreamEvent{Error: fmt.Errorf("openai: read stream: %w", err)})
			return
		}
		// body ended without [DONE]; a cancelled request also ends here on some transports
		if ctxErr := ctx.Err(); ctxErr != nil {
			adapter.Send(ctx, ch, adapter.StreamEvent{Error: fmt.Errorf("openai: read stream: %w", ctxErr)})
		}
	}()
	return ch, nil
}

func (a *OpenAIAdapter) do(ctx context.Context, req openai.ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
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
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("openai: %s (type=%s, code=%s)", errResp.Error.Message, errResp.Error.Type, errResp.Error.Code)
	}
	return fmt.Errorf("openai: http %d: %s", resp.StatusCode, string(respBody))
}
