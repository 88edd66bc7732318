package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.ChatAdapter = (*LoopbackAdapter)(nil)

// LoopbackAdapter echoes the last user message back to the caller. It lets the
// relay run end to end without upstream credentials.
type LoopbackAdapter struct{}

// New creates a LoopbackAdapter instance.
func New() *LoopbackAdapter {
	return &LoopbackAdapter{}
}

// CreateCompletionStream emits the echoed reply one word at a time.
func (a *LoopbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	reply, err := echo(req)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(reply, " ")
	ch := make(chan adapter.StreamEvent, len(words))
	go func() {
		defer close(ch)
		for _, word := range words {
			if err := ctx.Err(); err != nil {
				adapter.Send(ctx, ch, adapter.StreamEvent{Error: err})
				return
			}
			chunk := openai.NewContentChunk("cmpl-loopback", req.Model, word)
			if !adapter.Send(ctx, ch, adapter.StreamEvent{Chunk: &chunk}) {
				return
			}
		}
	}()
	return ch, nil
}

func echo(req openai.ChatCompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("loopback: no messages provided")
	}
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, openai.RoleUser) {
			message = req.Messages[i]
			break
		}
	}
	return "[loopback] " + strings.TrimSpace(message.Content), nil
}
