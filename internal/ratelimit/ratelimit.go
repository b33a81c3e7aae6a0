// Package ratelimit evaluates fixed request windows per user and per
// integration. Counters reset when a window expires rather than rolling
// continuously. Windows live in a WindowStore, either in memory (single
// instance) or in Redis (shared across processes).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Key identifies one window.
type Key struct {
	IntegrationID string
	Scope         domain.RateLimitScope
	ScopeID       string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.IntegrationID, k.Scope, k.ScopeID)
}

func KeyOf(w domain.RateLimitWindow) Key {
	return Key{IntegrationID: w.IntegrationID, Scope: w.Scope, ScopeID: w.ScopeID}
}

// WindowStore persists windows. Increment must be atomic with respect to
// other processes sharing the store.
type WindowStore interface {
	// ActiveWindow returns the window for key, or nil when none is configured.
	ActiveWindow(ctx context.Context, key Key) (*domain.RateLimitWindow, error)

	// ResetWindow restarts the window at now with a zero count.
	ResetWindow(ctx context.Context, key Key, now time.Time) error

	// Increment counts one request, restarting the window first if it has
	// expired. It is a no-op when no window is configured.
	Increment(ctx context.Context, key Key, now time.Time) error
}

// Decision is the outcome of evaluating one window.
type Decision struct {
	Allowed bool
	// Reset is set when the window has expired and should be restarted.
	Reset bool
}

// Evaluate decides whether a request may proceed under w. A missing window
// allows. An exhausted window denies only when BlockOnExceed is set.
func Evaluate(w *domain.RateLimitWindow, now time.Time) Decision {
	if w == nil {
		return Decision{Allowed: true}
	}
	if w.Expired(now) {
		return Decision{Allowed: true, Reset: true}
	}
	if w.CurrentRequests >= w.MaxRequests {
		return Decision{Allowed: !w.BlockOnExceed}
	}
	return Decision{Allowed: true}
}

// InMemoryWindowStore keeps windows in process memory.
// Suitable for single-instance deployments and tests.
type InMemoryWindowStore struct {
	mu      sync.Mutex
	windows map[Key]*domain.RateLimitWindow
}

func NewInMemoryWindowStore() *InMemoryWindowStore {
	return &InMemoryWindowStore{
		windows: make(map[Key]*domain.RateLimitWindow),
	}
}

// Put configures or replaces a window.
func (s *InMemoryWindowStore) Put(w domain.RateLimitWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows[KeyOf(w)] = &w
}

func (s *InMemoryWindowStore) ActiveWindow(ctx context.Context, key Key) (*domain.RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *InMemoryWindowStore) ResetWindow(ctx context.Context, key Key, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok {
		w.WindowStart = now
		w.CurrentRequests = 0
	}
	return nil
}

func (s *InMemoryWindowStore) Increment(ctx context.Context, key Key, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return nil
	}
	if w.Expired(now) {
		w.WindowStart = now
		w.CurrentRequests = 1
		return nil
	}
	w.CurrentRequests++
	return nil
}

var _ WindowStore = (*InMemoryWindowStore)(nil)
