package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.ChatAdapter = (*FallbackAdapter)(nil)

// FallbackAdapter tries a list of adapters in order, retrying transient failures.
//
// For streams only the open is retried: once a channel has been handed back,
// fragments may already be on their way to a client and the stream is never
// restarted on another adapter.
type FallbackAdapter struct {
	adapters   []adapter.ChatAdapter
	retryCount int
	retryDelay time.Duration
}

// Config holds configuration for the FallbackAdapter.
type Config struct {
	Adapters   []adapter.ChatAdapter
	RetryCount int           // retries per adapter (default: 2)
	RetryDelay time.Duration // delay between retries (default: 1s)
}

// New creates a new FallbackAdapter.
func New(cfg Config) (*FallbackAdapter, error) {
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("fallback: at least one adapter required")
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = 2
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = time.Second
	}
	return &FallbackAdapter{
		adapters:   cfg.Adapters,
		retryCount: retryCount,
		retryDelay: retryDelay,
	}, nil
}

// CreateCompletionStream returns the first stream that opens successfully.
func (f *FallbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	var ch <-chan adapter.StreamEvent
	err := f.try(ctx, func(a adapter.ChatAdapter) error {
		var err error
		ch, err = a.CreateCompletionStream(ctx, req)
		return err
	})
	return ch, err
}

func (f *FallbackAdapter) try(ctx context.Context, call func(adapter.ChatAdapter) error) error {
	var lastErr error
	attempts := 0

	for idx, a := range f.adapters {
		for attempt := 0; attempt <= f.retryCount; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			attempts++
			err := call(a)
			if err == nil {
				return nil
			}
			lastErr = err

			if idx == len(f.adapters)-1 && attempt == f.retryCount {
				break
			}
			if !isRetryableError(err) {
				break
			}
			if attempt < f.retryCount {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(f.retryDelay):
				}
			}
		}
	}
	return fmt.Errorf("fallback: all adapters failed: %w (attempts: %d)", lastErr, attempts)
}

var retryableMarkers = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"temporary failure",
	"rate limit",
	"http 429",
	"too many requests",
	"http 500",
	"http 502",
	"http 503",
	"http 504",
	"overloaded",
	"service unavailable",
}

// isRetryableError reports whether err looks transient (network, throttling, 5xx).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
