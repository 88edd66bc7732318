// Package relay turns one user message into a streamed assistant reply: it
// stores the message, asks the upstream model for a completion over the whole
// conversation, forwards each fragment as it arrives and stores the finished
// reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

// Sink receives the reply stream. *sse.Writer implements it.
type Sink interface {
	// Start commits the stream; nothing can be reported out of band afterwards.
	Start()
	Content(fragment string) error
	Done() error
	Fail() error
}

// Status is how a stream ended.
type Status string

const (
	StatusCompleted Status = metrics.OutcomeCompleted
	StatusFailed    Status = metrics.OutcomeFailed
	StatusAbandoned Status = metrics.OutcomeAbandoned
)

// Outcome describes a stream that was started.
type Outcome struct {
	StreamID  string
	Status    Status
	Fragments int
	// Reply is the text forwarded to the client, persisted only on completion.
	Reply string
	// Err is the cause of a failed or abandoned stream.
	Err error
}

// Config wires a Relay.
type Config struct {
	Store    chat.Store
	Upstream adapter.ChatAdapter
	Persona  chat.Persona
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
	Hooks    *hooks.Dispatcher
}

// Relay streams assistant replies for conversations.
type Relay struct {
	store    chat.Store
	upstream adapter.ChatAdapter
	persona  chat.Persona
	logger   zerolog.Logger
	metrics  *metrics.Collector
	hooks    *hooks.Dispatcher
	now      func() time.Time
}

// New returns a Relay. Store and Upstream are required.
func New(cfg Config) (*Relay, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: store required")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("relay: upstream adapter required")
	}
	persona := cfg.Persona
	if persona.SystemPrompt == "" {
		persona = chat.DefaultPersona()
	}
	return &Relay{
		store:    cfg.Store,
		upstream: cfg.Upstream,
		persona:  persona,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		hooks:    cfg.Hooks,
		now:      time.Now,
	}, nil
}

// Send relays one message. Errors returned before the stream starts are
// *chat.ValidationError, chat.ErrNotFound or a storage error, and no event has
// been written to sink. Once the stream starts, Send reports through the
// Outcome and returns a nil error.
func (r *Relay) Send(ctx context.Context, p auth.Principal, conversationID int64, content string, sink Sink) (*Outcome, error) {
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}
	conv, err := r.store.GetConversation(ctx, p.UserID, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.CreateMessage(ctx, conv.ID, chat.RoleUser, content); err != nil {
		return nil, fmt.Errorf("relay: store user message: %w", err)
	}
	history, err := r.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("relay: load history: %w", err)
	}

	out := &Outcome{StreamID: ulid.Make().String()}
	log := r.logger.With().
		Str("stream_id", out.StreamID).
		Int64("conversation_id", conv.ID).
		Int64("user_id", p.UserID).
		Logger()

	start := r.now()
	sink.Start()
	r.metrics.StreamStarted()
	defer func() {
		r.metrics.StreamFinished(string(out.Status), out.Fragments, r.now().Sub(start))
	}()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.upstream.CreateCompletionStream(streamCtx, r.buildRequest(history))
	if err != nil {
		return r.fail(ctx, log, out, sink, fmt.Errorf("relay: open upstream: %w", err)), nil
	}

	var reply strings.Builder
	var firstAt time.Time
	for ev := range ch {
		if ev.IsError() {
			return r.fail(ctx, log, out, sink, fmt.Errorf("relay: upstream: %w", ev.Error)), nil
		}
		fragment := ev.Content()
		if fragment == "" {
			continue
		}
		if firstAt.IsZero() {
			firstAt = r.now()
			r.metrics.FirstFragment(firstAt.Sub(start))
		}
		reply.WriteString(fragment)
		out.Fragments++
		out.Reply = reply.String()
		if err := sink.Content(fragment); err != nil {
			return r.abandon(log, out, fmt.Errorf("relay: write fragment: %w", err)), nil
		}
	}
	if ctx.Err() != nil {
		return r.abandon(log, out, ctx.Err()), nil
	}

	msg, err := r.store.CreateMessage(ctx, conv.ID, chat.RoleAssistant, out.Reply)
	if err != nil {
		r.metrics.PersistFailed()
		return r.fail(ctx, log, out, sink, fmt.Errorf("relay: store reply: %w", err)), nil
	}
	if chat.IsFirstExchange(history) {
		if err := r.store.UpdateTitle(ctx, p.UserID, conv.ID, chat.DeriveTitle(content)); err != nil {
			log.Warn().Err(err).Msg("title update failed")
		}
	}
	if err := sink.Done(); err != nil {
		log.Debug().Err(err).Msg("client gone before completion marker")
	}
	out.Status = StatusCompleted

	total := r.now().Sub(start)
	ttfb := time.Duration(0)
	if !firstAt.IsZero() {
		ttfb = firstAt.Sub(start)
	}
	log.Info().
		Int("fragments", out.Fragments).
		Int64("ttfb_ms", ttfb.Milliseconds()).
		Int64("total_ms", total.Milliseconds()).
		Msg("reply stream completed")

	r.hooks.Publish(ctx, r.logger, hooks.NewEvent(hooks.EventMessageCompleted, p.UserID, map[string]any{
		"message_id": msg.ID,
		"stream_id":  out.StreamID,
		"fragments":  out.Fragments,
		"model":      r.persona.Model,
	}).WithConversation(conv.ID))
	return out, nil
}

func (r *Relay) buildRequest(history []chat.Message) openai.ChatCompletionRequest {
	messages := make([]openai.ChatMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatMessage{Role: openai.RoleSystem, Content: r.persona.SystemPrompt})
	for _, m := range history {
		messages = append(messages, openai.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:               r.persona.Model,
		Messages:            messages,
		Stream:              true,
		MaxCompletionTokens: r.persona.MaxCompletionTokens,
		Temperature:         r.persona.Temperature,
	}
}

// fail reports a failure in-band. A cancelled request is treated as the
// client leaving rather than as a failure.
func (r *Relay) fail(ctx context.Context, log zerolog.Logger, out *Outcome, sink Sink, err error) *Outcome {
	if ctx.Err() != nil {
		return r.abandon(log, out, err)
	}
	out.Status = StatusFailed
	out.Err = err
	log.Error().Err(err).Int("fragments", out.Fragments).Msg("reply stream failed")
	if werr := sink.Fail(); werr != nil {
		log.Debug().Err(werr).Msg("could not deliver error event")
	}
	return out
}

func (r *Relay) abandon(log zerolog.Logger, out *Outcome, err error) *Outcome {
	out.Status = StatusAbandoned
	out.Err = err
	log.Info().Err(err).Int("fragments", out.Fragments).Msg("client disconnected, reply discarded")
	return out
}
