package adapter

import (
	"context"

	"github.com/tokligence/tokligence-chat/internal/openai"
)

// ChatAdapter streams OpenAI compatible chat completions from a provider.
//
// The returned channel is closed when the upstream stream is exhausted. A
// terminal failure is delivered as a single event with Error set, after which
// the channel is closed.
type ChatAdapter interface {
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// StreamEvent is one item read from an upstream stream.
type StreamEvent struct {
	Chunk *openai.ChatCompletionChunk
	Error error
}

// IsError reports whether the event carries a failure.
func (e StreamEvent) IsError() bool {
	return e.Error != nil
}

// Content returns the text fragment carried by the event.
func (e StreamEvent) Content() string {
	if e.Chunk == nil {
		return ""
	}
	return e.Chunk.GetDelta().Content
}

// Send delivers ev on ch, giving up only when ctx is done and the buffer is full.
func Send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
