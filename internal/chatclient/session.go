package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chat/internal/chat"
)

// State is where a Session is in the send cycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateSettled:
		return "settled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrSendInProgress is returned by Send while a previous send is unfinished.
	ErrSendInProgress = errors.New("chatclient: send already in progress")
	// ErrReplyFailed means the service reported a failure inside the stream.
	ErrReplyFailed = errors.New("chatclient: reply failed")
	// ErrStreamClosed means the stream ended without a completion marker.
	ErrStreamClosed = errors.New("chatclient: stream closed before completion")
	// ErrRefreshFailed means the reply completed but the stored conversation
	// could not be fetched afterwards.
	ErrRefreshFailed = errors.New("chatclient: reply completed but refresh failed")
)

// View is what a front end should display.
type View struct {
	State        State
	Conversation *chat.ConversationWithMessages
	// Pending is the optimistically rendered user message of the current send.
	Pending string
	// Partial is the reply text received so far. After a failure it stays
	// visible but was not stored by the service.
	Partial string
	// Err is the reason the last send ended in StateIdle. When it wraps
	// ErrRefreshFailed the service confirmed the reply, so Pending and Partial
	// match what was stored even though Conversation is stale. A View in
	// StateSettled always has a nil Err.
	Err error
}

// Session drives sends for one conversation and reports every visible
// change to render.
type Session struct {
	client         *Client
	conversationID int64
	render         func(View)

	mu   sync.Mutex
	view View
}

// NewSession returns an idle session. render may be nil.
func NewSession(client *Client, conversationID int64, render func(View)) *Session {
	if render == nil {
		render = func(View) {}
	}
	return &Session{client: client, conversationID: conversationID, render: render}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.State
}

// View returns a snapshot of what is displayed.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Refresh fetches the conversation and renders it.
func (s *Session) Refresh(ctx context.Context) error {
	conv, err := s.client.GetConversation(ctx, s.conversationID)
	if err != nil {
		return err
	}
	s.update(func(v *View) { v.Conversation = conv })
	return nil
}

// Send posts content and consumes the reply stream until it settles or fails.
// Malformed stream lines are skipped.
func (s *Session) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	if s.view.State == StateSending || s.view.State == StateStreaming {
		s.mu.Unlock()
		return ErrSendInProgress
	}
	s.view.State = StateSending
	s.view.Pending = content
	s.view.Partial = ""
	s.view.Err = nil
	snapshot := s.view
	s.mu.Unlock()
	s.render(snapshot)

	stream, err := s.client.SendMessage(ctx, s.conversationID, content)
	if err != nil {
		return s.fail(err)
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			return s.fail(err)
		}
		switch {
		case ev.Error != "":
			return s.fail(fmt.Errorf("%w: %s", ErrReplyFailed, ev.Error))
		case ev.Done:
			return s.settle(ctx)
		case ev.Content != "":
			s.update(func(v *View) {
				v.State = StateStreaming
				v.Partial += ev.Content
			})
		}
	}
}

func (s *Session) settle(ctx context.Context) error {
	// Re-fetch so the stored messages replace the transient ones.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	conv, err := s.client.GetConversation(fetchCtx, s.conversationID)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrRefreshFailed, err))
	}
	s.update(func(v *View) {
		v.State = StateSettled
		v.Conversation = conv
		v.Pending = ""
		v.Partial = ""
		v.Err = nil
	})
	return nil
}

func (s *Session) fail(err error) error {
	s.update(func(v *View) {
		v.State = StateIdle
		v.Err = err
	})
	return err
}

func (s *Session) update(fn func(*View)) {
	s.mu.Lock()
	fn(&s.view)
	snapshot := s.view
	s.mu.Unlock()
	s.render(snapshot)
}
