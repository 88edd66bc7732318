package chat

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt defines the assistant's character for every conversation.
const DefaultSystemPrompt = "You are a warm, friendly AI companion. You're here to chat, listen, and provide thoughtful responses. You're empathetic, supportive, and genuinely interested in the person you're talking to. Keep your responses conversational and natural - like talking to a good friend. Be helpful when asked questions, but also comfortable with casual chat. Use a warm, caring tone while being authentic and honest."

const (
	DefaultModel               = "gpt-4o-mini"
	DefaultMaxCompletionTokens = 2048
)

// Persona bundles the system prompt with the generation parameters sent upstream.
type Persona struct {
	Name                string   `yaml:"name"`
	SystemPrompt        string   `yaml:"system_prompt"`
	Model               string   `yaml:"model"`
	MaxCompletionTokens int      `yaml:"max_completion_tokens"`
	Temperature         *float64 `yaml:"temperature,omitempty"`
}

// DefaultPersona returns the built-in companion persona.
func DefaultPersona() Persona {
	return Persona{
		Name:                "companion",
		SystemPrompt:        DefaultSystemPrompt,
		Model:               DefaultModel,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
}

// LoadPersona reads a YAML persona file. Missing fields fall back to the
// built-in defaults. An empty path returns DefaultPersona.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read persona %s: %w", path, err)
	}
	var file Persona
	if err := yaml.Unmarshal(data, &file); err != nil {
		return p, fmt.Errorf("parse persona %s: %w", path, err)
	}
	p.merge(file)
	return p, nil
}

func (p *Persona) merge(o Persona) {
	if v := strings.TrimSpace(o.Name); v != "" {
		p.Name = v
	}
	if v := strings.TrimSpace(o.SystemPrompt); v != "" {
		p.SystemPrompt = v
	}
	if v := strings.TrimSpace(o.Model); v != "" {
		p.Model = v
	}
	if o.MaxCompletionTokens > 0 {
		p.MaxCompletionTokens = o.MaxCompletionTokens
	}
	if o.Temperature != nil {
		t := *o.Temperature
		p.Temperature = &t
	}
}

// WithModel returns a copy of p using model when it is non-empty.
func (p Persona) WithModel(model string) Persona {
	if m := strings.TrimSpace(model); m != "" {
		p.Model = m
	}
	return p
}
