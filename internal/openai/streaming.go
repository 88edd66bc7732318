package openai

import "time"

// ChatCompletionChunk represents a chunk in an SSE streaming response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// NewContentChunk wraps a text fragment in a single-choice chunk.
func NewContentChunk(id, model, content string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{
			Index: 0,
			Delta: ChatMessageDelta{Content: content},
		}},
	}
}

// GetDelta returns the delta of the first choice.
func (c *ChatCompletionChunk) GetDelta() ChatMessageDelta {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta
	}
	return ChatMessageDelta{}
}

// GetFinishReason returns the finish reason of the first choice, if set.
func (c *ChatCompletionChunk) GetFinishReason() *string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return nil
}
