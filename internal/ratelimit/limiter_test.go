package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T, rps, burst float64) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStoreWithCleanup(0)
	store.now = clock.Now
	l := NewLimiter(Config{Store: store, RequestsPerSecond: rps, BurstSize: burst, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func TestLimiterAllowUser(t *testing.T) {
	l, clock := newTestLimiter(t, 1, 2)
	ctx := context.Background()

	if d := l.AllowUser(ctx, 1); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("first request: %+v", d)
	}
	if d := l.AllowUser(ctx, 1); !d.Allowed {
		t.Fatalf("second request denied: %+v", d)
	}
	d := l.AllowUser(ctx, 1)
	if d.Allowed || d.RetryAfter != time.Second {
		t.Fatalf("third request: %+v", d)
	}
	if d := l.AllowUser(ctx, 2); !d.Allowed {
		t.Fatalf("other users keep their own bucket")
	}
	if d := l.AllowUser(ctx, 0); !d.Allowed {
		t.Fatalf("anonymous requests are not limited")
	}

	clock.Advance(time.Second)
	if d := l.AllowUser(ctx, 1); !d.Allowed {
		t.Fatalf("expected refill after one second")
	}
	if err := l.ResetUser(ctx, 1); err != nil {
		t.Fatalf("ResetUser: %v", err)
	}
	if got := l.UserRemaining(ctx, 1); got != 2 {
		t.Fatalf("expected full bucket after reset, got %f", got)
	}
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, float64, float64) (bool, float64, error) {
	return false, 0, errors.New("redis down")
}
func (failingStore) Remaining(context.Context, string, float64, float64) (float64, error) {
	return 0, errors.New("redis down")
}
func (failingStore) Reset(context.Context, string) error { return nil }
func (failingStore) Close() error                        { return nil }

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(Config{Store: failingStore{}, Logger: zerolog.Nop()})
	if d := l.AllowUser(context.Background(), 1); !d.Allowed {
		t.Fatalf("expected fail open")
	}
	if got := l.UserRemaining(context.Background(), 1); got != 10 {
		t.Fatalf("expected default capacity, got %f", got)
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1)
	type ctxKey struct{}
	rejected := 0
	mw := NewMiddleware(l, true, zerolog.Nop(), func(ctx context.Context) int64 {
		id, _ := ctx.Value(ctxKey{}).(int64)
		return id
	})
	mw.OnReject = func() { rejected++ }
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(userID int64) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/1/messages", nil)
		req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, userID))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send(9)
	if rec.Code != http.StatusNoContent || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("unexpected first response %d %v", rec.Code, rec.Header())
	}
	rec = send(9)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Too many requests") || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("unexpected 429 response %q %v", rec.Body.String(), rec.Header())
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" || rejected != 1 {
		t.Fatalf("unexpected headers %v rejected=%d", rec.Header(), rejected)
	}
	if rec := send(0); rec.Code != http.StatusNoContent {
		t.Fatalf("anonymous request should pass, got %d", rec.Code)
	}

	disabled := NewMiddleware(l, false, zerolog.Nop(), nil).Wrap(http.NotFoundHandler())
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled middleware should pass through")
	}
}

func TestMemoryStorePrune(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStoreWithCleanup(0)
	defer s.Close()
	s.now = clock.Now
	ctx := context.Background()
	_, _, _ = s.Allow(ctx, "user:1", 2, 1)
	_, _, _ = s.Allow(ctx, "user:2", 2, 1)
	_, _, _ = s.Allow(ctx, "user:2", 2, 1)
	clock.Advance(time.Second)
	s.prune()
	if s.Len() != 1 {
		t.Fatalf("expected idle bucket pruned, have %d", s.Len())
	}
	_ = s.Close()
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TOKLIGENCE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TOKLIGENCE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	defer store.Reset(ctx, key)

	for i := 0; i < 2; i++ {
		if allowed, _, err := store.Allow(ctx, key, 2, 0.001); err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	if allowed, _, err := store.Allow(ctx, key, 2, 0.001); err != nil || allowed {
		t.Fatalf("expected third request denied, allowed=%v err=%v", allowed, err)
	}
	if err := store.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if remaining, err := store.Remaining(ctx, key, 2, 0.001); err != nil || remaining != 2 {
		t.Fatalf("Remaining = %f, %v", remaining, err)
	}
}
