package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func getRedisURL(t *testing.T) string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis window store tests")
	}
	return url
}

func newRedisStore(t *testing.T, w domain.RateLimitWindow) (*RedisWindowStore, Key) {
	t.Helper()
	s, err := NewRedisWindowStore(getRedisURL(t))
	if err != nil {
		t.Fatalf("failed to create redis window store: %v", err)
	}
	key := KeyOf(w)
	ctx := context.Background()
	if err := s.Put(ctx, w); err != nil {
		t.Fatalf("failed to put window: %v", err)
	}
	t.Cleanup(func() {
		s.Delete(context.Background(), key)
		s.Close()
	})
	return s, key
}

func TestRedisWindowStore_RoundTrip(t *testing.T) {
	w := *window(5, 60, true)
	w.ScopeID = "redis-roundtrip"
	s, key := newRedisStore(t, w)

	got, err := s.ActiveWindow(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected window")
	}
	if got.CurrentRequests != 5 || got.MaxRequests != 60 || !got.BlockOnExceed {
		t.Errorf("unexpected window: %+v", got)
	}
	if got.WindowSize != time.Minute || !got.WindowStart.Equal(t0) {
		t.Errorf("unexpected timing: start=%v size=%v", got.WindowStart, got.WindowSize)
	}
}

func TestRedisWindowStore_Increment(t *testing.T) {
	w := *window(0, 60, true)
	w.ScopeID = "redis-increment"
	s, key := newRedisStore(t, w)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Increment(ctx, key, t0.Add(time.Second)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, _ := s.ActiveWindow(ctx, key)
	if got.CurrentRequests != 3 {
		t.Errorf("expected 3 requests, got %d", got.CurrentRequests)
	}

	later := t0.Add(2 * time.Minute)
	s.Increment(ctx, key, later)
	got, _ = s.ActiveWindow(ctx, key)
	if got.CurrentRequests != 1 || !got.WindowStart.Equal(later) {
		t.Errorf("expected restarted window, got %+v", got)
	}
}

func TestRedisWindowStore_Reset(t *testing.T) {
	w := *window(60, 60, true)
	w.ScopeID = "redis-reset"
	s, key := newRedisStore(t, w)
	ctx := context.Background()

	now := t0.Add(10 * time.Minute)
	if err := s.ResetWindow(ctx, key, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.ActiveWindow(ctx, key)
	if got.CurrentRequests != 0 || !got.WindowStart.Equal(now) {
		t.Errorf("unexpected window after reset: %+v", got)
	}
}

func TestRedisWindowStore_MissingWindow(t *testing.T) {
	s, err := NewRedisWindowStore(getRedisURL(t))
	if err != nil {
		t.Fatalf("failed to create redis window store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	key := Key{IntegrationID: "int-none", Scope: domain.ScopeUser, ScopeID: "ghost"}

	if err := s.Increment(ctx, key, t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.ResetWindow(ctx, key, t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.ActiveWindow(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected no window, got %+v", got)
	}
}
