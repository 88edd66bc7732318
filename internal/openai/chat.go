package openai

// Role values used in chat exchanges.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatCompletionRequest captures the subset of OpenAI's request the relay sends upstream.
type ChatCompletionRequest struct {
	Model               string            `json:"model"`
	Messages            []ChatMessage     `json:"messages"`
	Stream              bool              `json:"stream,omitempty"`
	MaxCompletionTokens int               `json:"max_completion_tokens,omitempty"`
	Temperature         *float64          `json:"temperature,omitempty"`
	TopP                *float64          `json:"top_p,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema (plain text only).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
