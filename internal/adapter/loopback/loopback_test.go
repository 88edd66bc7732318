package loopback

import (
	"context"
	"testing"

	"github.com/tokligence/tokligence-chat/internal/openai"
)

func TestLoopbackAdapterFirstChunkRole(t *testing.T) {
	adapter := New()
	ch, err := adapter.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model: "loopback",
		Messages: []openai.ChatMessage{
			{Role: "system", Content: "echo"},
			{Role: "user", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream: %v", err)
	}
	var got string
	for ev := range ch {
		if ev.IsError() {
			t.Fatalf("stream error: %v", ev.Error)
		}
		if ev.Chunk.Model != "loopback" {
			t.Fatalf("unexpected model %q", ev.Chunk.Model)
		}
		got += ev.Content()
	}
	if got != "[loopback] Hello" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestLoopbackAdapterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, err := New().CreateCompletionStream(ctx, openai.ChatCompletionRequest{
		Messages: []openai.ChatMessage{{Role: "user", Content: "one two three"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream: %v", err)
	}
	var last error
	for ev := range ch {
		last = ev.Error
	}
	if last == nil {
		t.Fatalf("expected the stream to end with the cancellation error")
	}
}

func TestLoopbackAdapterStream(t *testing.T) {
	adapter := New()
	ch, err := adapter.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model: "loopback",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "how are you today"},
		},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream: %v", err)
	}
	var fragments []string
	for ev := range ch {
		if ev.IsError() {
			t.Fatalf("stream error: %v", ev.Error)
		}
		fragments = append(fragments, ev.Content())
	}
	if len(fragments) != 5 {
		t.Fatalf("expected 5 fragments, got %d (%q)", len(fragments), fragments)
	}
	var joined string
	for _, f := range fragments {
		joined += f
	}
	if joined != "[loopback] how are you today" {
		t.Fatalf("unexpected joined content %q", joined)
	}
}

func TestLoopbackAdapterNoMessages(t *testing.T) {
	adapter := New()
	if _, err := adapter.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{}); err == nil {
		t.Fatalf("expected error for missing messages")
	}
}
