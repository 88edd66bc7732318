// Package hooks fans chat lifecycle events out to operator-supplied handlers,
// typically an external script fed the event as JSON on stdin.
package hooks

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names a chat lifecycle transition.
type EventType string

const (
	EventUserRegistered      EventType = "chat.user.registered"
	EventConversationCreated EventType = "chat.conversation.created"
	EventConversationDeleted EventType = "chat.conversation.deleted"
	// EventMessageCompleted fires once an assistant reply has been stored.
	EventMessageCompleted EventType = "chat.message.completed"
)

// Event is the envelope delivered to handlers.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ EventType, userID int64, metadata map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		UserID:     strconv.FormatInt(userID, 10),
		Metadata:   metadata,
	}
}

// WithConversation returns a copy of e scoped to a conversation.
func (e Event) WithConversation(id int64) Event {
	e.ConversationID = strconv.FormatInt(id, 10)
	return e
}

// Handler reacts to an Event.
type Handler func(context.Context, Event) error

// Dispatcher fans events out to registered handlers in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	wg       sync.WaitGroup
}

// Register adds a handler. Nil handlers are ignored.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit runs every handler and joins their errors.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish emits in the background, detached from the request context, and
// logs failures. A nil dispatcher is a no-op.
func (d *Dispatcher) Publish(ctx context.Context, logger zerolog.Logger, event Event) {
	if d == nil || d.Len() == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Emit(context.WithoutCancel(ctx), event); err != nil {
			logger.Warn().Err(err).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("hook dispatch failed")
		}
	}()
}

// Wait blocks until background publishes finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
