package fallback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

type mockAdapter struct {
	name string

	mu       sync.Mutex
	calls    int
	failures []error
}

func (m *mockAdapter) next() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *mockAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	ch := make(chan adapter.StreamEvent, 1)
	chunk := openai.NewContentChunk("x", req.Model, m.name)
	ch <- adapter.StreamEvent{Chunk: &chunk}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var req = openai.ChatCompletionRequest{Model: "gpt-4", Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}}}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error with no adapters")
	}
	f, err := New(Config{Adapters: []adapter.ChatAdapter{&mockAdapter{}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.retryCount != 2 || f.retryDelay != time.Second {
		t.Fatalf("unexpected defaults %d %v", f.retryCount, f.retryDelay)
	}
}

func TestCreateCompletionStream_Fallback(t *testing.T) {
	primary := &mockAdapter{name: "primary", failures: []error{errors.New("openai: invalid api key")}}
	secondary := &mockAdapter{name: "secondary"}
	f, _ := New(Config{Adapters: []adapter.ChatAdapter{primary, secondary}, RetryDelay: time.Millisecond})

	ch, err := f.CreateCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCompletionStream: %v", err)
	}
	var got string
	for ev := range ch {
		got += ev.Content()
	}
	if got != "secondary" {
		t.Fatalf("expected secondary stream, got %q", got)
	}
	if primary.callCount() != 1 {
		t.Fatalf("non-retryable error should not retry, calls=%d", primary.callCount())
	}
}

func TestCreateCompletionStream_RetrySuccess(t *testing.T) {
	primary := &mockAdapter{name: "primary", failures: []error{errors.New("openai: http 503: busy")}}
	f, _ := New(Config{Adapters: []adapter.ChatAdapter{primary}, RetryDelay: time.Millisecond})

	ch, err := f.CreateCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCompletionStream: %v", err)
	}
	var got string
	for ev := range ch {
		got += ev.Content()
	}
	if got != "primary" || primary.callCount() != 2 {
		t.Fatalf("unexpected result %q after %d calls", got, primary.callCount())
	}
}

func TestCreateCompletionStream_AllFail(t *testing.T) {
	a := &mockAdapter{failures: []error{errors.New("bad request")}}
	b := &mockAdapter{failures: []error{errors.New("unauthorized")}}
	f, _ := New(Config{Adapters: []adapter.ChatAdapter{a, b}, RetryDelay: time.Millisecond})

	_, err := f.CreateCompletionStream(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "all adapters failed") {
		t.Fatalf("expected aggregate failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected last error wrapped, got %v", err)
	}
}

func TestCreateCompletionStream_ContextCancellation(t *testing.T) {
	a := &mockAdapter{}
	f, _ := New(Config{Adapters: []adapter.ChatAdapter{a}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.CreateCompletionStream(ctx, req); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.callCount() != 0 {
		t.Fatalf("adapter should not be called after cancellation")
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("openai: http 429: slow down"), true},
		{errors.New("anthropic: Overloaded (type=overloaded_error)"), true},
		{errors.New("openai: Invalid API key (type=invalid_request_error, code=invalid_api_key)"), false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Fatalf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
