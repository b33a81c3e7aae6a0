package manager_test

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/cache"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/manager"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
)

type MockAdapter struct {
	ChatFunc            func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatStreamFunc      func(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error)
	AvailableModelsFunc func(ctx context.Context) []domain.ModelInfo
	TestConnectionFunc  func(ctx context.Context) bool
}

func (m *MockAdapter) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return &domain.ChatResponse{Content: "ok", Model: "mock-model"}, nil
}

func (m *MockAdapter) ChatStream(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
	if m.ChatStreamFunc != nil {
		return m.ChatStreamFunc(ctx, req)
	}
	return sliceStream(nil, nil), nil
}

func (m *MockAdapter) AvailableModels(ctx context.Context) []domain.ModelInfo {
	if m.AvailableModelsFunc != nil {
		return m.AvailableModelsFunc(ctx)
	}
	return []domain.ModelInfo{{ID: "mock-model"}}
}

func (m *MockAdapter) IsModelAvailable(ctx context.Context, modelID string) bool {
	return provider.HasModel(m.AvailableModels(ctx), modelID)
}

func (m *MockAdapter) RateLimitInfo() *domain.RateLimitWindow { return nil }

func (m *MockAdapter) TestConnection(ctx context.Context) bool {
	if m.TestConnectionFunc != nil {
		return m.TestConnectionFunc(ctx)
	}
	return true
}

func (m *MockAdapter) ProviderName() string { return "mock" }

var _ provider.Adapter = (*MockAdapter)(nil)

// sliceStream yields chunks in order, then err (or io.EOF when err is nil).
func sliceStream(chunks []domain.StreamChunk, err error) *provider.Stream {
	i := 0
	return provider.NewStream(func() (domain.StreamChunk, error) {
		if i < len(chunks) {
			c := chunks[i]
			i++
			return c, nil
		}
		if err != nil {
			return domain.StreamChunk{}, err
		}
		return domain.StreamChunk{}, io.EOF
	}, nil)
}

func mockFactory(a provider.Adapter) manager.Factory {
	return func(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error) {
		return a, nil
	}
}

func testIntegration(id string) domain.IntegrationConfig {
	return domain.IntegrationConfig{
		ID:       id,
		Name:     id,
		Provider: domain.ProviderOpenAI,
		Credentials: domain.Credentials{
			APIKey: "sk-test",
		},
		Config: domain.ProviderConfig{
			DefaultModel:       "mock-model",
			CostPerInputToken:  0.01,
			CostPerOutputToken: 0.03,
		},
		Active: true,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestManager_AdapterConstructedOnceUnderConcurrency(t *testing.T) {
	var calls atomic.Int32
	factory := func(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &MockAdapter{}, nil
	}

	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, nil, manager.WithFactory(factory))

	var wg sync.WaitGroup
	adapters := make([]provider.Adapter, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := m.Adapter(context.Background(), "int-1")
			if err != nil {
				t.Errorf("Adapter() error = %v", err)
				return
			}
			adapters[i] = a
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected 1 construction, got %d", calls.Load())
	}
	for i := 1; i < len(adapters); i++ {
		if adapters[i] != adapters[0] {
			t.Fatal("expected every caller to share one adapter")
		}
	}
	if m.CachedAdapters() != 1 {
		t.Errorf("CachedAdapters() = %d, want 1", m.CachedAdapters())
	}
}

func TestManager_FailedConstructionNotCached(t *testing.T) {
	var calls atomic.Int32
	factory := func(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error) {
		if calls.Add(1) == 1 {
			return nil, domain.NewAdapterError("mock", domain.CodeMissingAPIKey, "api key is required")
		}
		return &MockAdapter{}, nil
	}

	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, nil, manager.WithFactory(factory))

	if _, err := m.Adapter(context.Background(), "int-1"); err == nil {
		t.Fatal("expected first construction to fail")
	}
	if m.CachedAdapters() != 0 {
		t.Errorf("failed construction was cached")
	}

	if _, err := m.Adapter(context.Background(), "int-1"); err != nil {
		t.Fatalf("second construction failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 constructions, got %d", calls.Load())
	}
}

func TestManager_ResolutionErrors(t *testing.T) {
	inactive := testIntegration("inactive")
	inactive.Active = false

	unsupported := testIntegration("unsupported")
	unsupported.Provider = "mystery"

	repo := repository.NewInMemoryIntegrationRepository(inactive, unsupported)
	m := manager.New(repo, nil, nil)

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"unknown", "missing", domain.ErrIntegrationNotFound},
		{"inactive", "inactive", domain.ErrIntegrationInactive},
		{"unsupported provider", "unsupported", domain.ErrUnsupportedProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Adapter(context.Background(), tt.id)
			if !errors.Is(err, tt.want) {
				t.Errorf("Adapter() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestManager_Chat_RecordsUsage(t *testing.T) {
	adapter := &MockAdapter{
		ChatFunc: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{
				Content:          "hello",
				Model:            "mock-model",
				PromptTokens:     1000,
				CompletionTokens: 500,
				TotalTokens:      1500,
				FinishReason:     domain.FinishStop,
			}, nil
		},
	}

	tracker := cost.NewInMemoryTracker()
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, tracker, nil, manager.WithFactory(mockFactory(adapter)))

	project := 3
	resp, err := m.Chat(context.Background(), "int-1", domain.ChatRequest{
		Messages:  []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
		UserID:    "user-1",
		ProjectID: &project,
		Feature:   "summarize",
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}

	records := tracker.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if !r.Success || r.Estimated {
		t.Errorf("unexpected flags: success=%v estimated=%v", r.Success, r.Estimated)
	}
	if r.IntegrationID != "int-1" || r.UserID != "user-1" || r.Feature != "summarize" {
		t.Errorf("unexpected attribution: %+v", r)
	}
	if r.ProjectID == nil || *r.ProjectID != 3 {
		t.Errorf("ProjectID = %v", r.ProjectID)
	}
	if r.PromptTokens != 1000 || r.CompletionTokens != 500 || r.TotalTokens != 1500 {
		t.Errorf("unexpected tokens: %+v", r)
	}
	if !approx(r.InputCost, 0.01) || !approx(r.OutputCost, 0.015) || !approx(r.TotalCost, 0.025) {
		t.Errorf("unexpected cost: in=%f out=%f total=%f", r.InputCost, r.OutputCost, r.TotalCost)
	}
}

func TestManager_Chat_FailureRecordedAndReturned(t *testing.T) {
	adapterErr := domain.NewAdapterError("mock", domain.CodeServerError, "upstream exploded").WithStatus(500)
	adapter := &MockAdapter{
		ChatFunc: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, adapterErr
		},
	}

	tracker := cost.NewInMemoryTracker()
	limits := ratelimit.NewInMemoryWindowStore()
	limits.Put(domain.RateLimitWindow{
		IntegrationID: "int-1",
		Scope:         domain.ScopeIntegration,
		ScopeID:       "int-1",
		WindowStart:   time.Now(),
		WindowSize:    time.Hour,
		MaxRequests:   10,
	})
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, tracker, limits, manager.WithFactory(mockFactory(adapter)))

	_, err := m.Chat(context.Background(), "int-1", domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})

	var ae *domain.AdapterError
	if !errors.As(err, &ae) || ae != adapterErr {
		t.Fatalf("expected the adapter's error, got %v", err)
	}

	records := tracker.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Success {
		t.Error("expected failed record")
	}
	if r.Error != "upstream exploded" {
		t.Errorf("Error = %q", r.Error)
	}
	if r.Model != "mock-model" {
		t.Errorf("Model = %q, want default model", r.Model)
	}
	if r.TotalTokens != 0 || r.TotalCost != 0 {
		t.Errorf("failed record carries usage: %+v", r)
	}

	w, _ := limits.ActiveWindow(context.Background(), ratelimit.Key{IntegrationID: "int-1", Scope: domain.ScopeIntegration, ScopeID: "int-1"})
	if w.CurrentRequests != 0 {
		t.Errorf("failed request advanced window to %d", w.CurrentRequests)
	}
}

func TestManager_Chat_ResolutionFailureNotRecorded(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	m := manager.New(repository.NewInMemoryIntegrationRepository(), tracker, nil)

	_, err := m.Chat(context.Background(), "missing", domain.ChatRequest{})
	if !errors.Is(err, domain.ErrIntegrationNotFound) {
		t.Fatalf("expected ErrIntegrationNotFound, got %v", err)
	}
	if len(tracker.Records()) != 0 {
		t.Error("resolution failure should not be recorded")
	}
}

func TestManager_Chat_AdvancesBothWindows(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	limits := ratelimit.NewInMemoryWindowStore()
	userKey := ratelimit.Key{IntegrationID: "int-1", Scope: domain.ScopeUser, ScopeID: "user-1"}
	intKey := ratelimit.Key{IntegrationID: "int-1", Scope: domain.ScopeIntegration, ScopeID: "int-1"}
	for _, k := range []ratelimit.Key{userKey, intKey} {
		limits.Put(domain.RateLimitWindow{
			IntegrationID: k.IntegrationID,
			Scope:         k.Scope,
			ScopeID:       k.ScopeID,
			WindowStart:   now,
			WindowSize:    time.Minute,
			MaxRequests:   60,
		})
	}

	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, limits,
		manager.WithFactory(mockFactory(&MockAdapter{})),
		manager.WithClock(func() time.Time { return now.Add(time.Second) }),
	)

	for i := 0; i < 3; i++ {
		if _, err := m.Chat(context.Background(), "int-1", domain.ChatRequest{UserID: "user-1"}); err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
	}

	for _, k := range []ratelimit.Key{userKey, intKey} {
		w, _ := limits.ActiveWindow(context.Background(), k)
		if w.CurrentRequests != 3 {
			t.Errorf("%s: CurrentRequests = %d, want 3", k, w.CurrentRequests)
		}
	}
}

func TestManager_ChatStream_RecordsEstimateOnCompletion(t *testing.T) {
	adapter := &MockAdapter{
		ChatStreamFunc: func(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
			return sliceStream([]domain.StreamChunk{
				{Delta: "Hello ", Model: "mock-model"},
				{Delta: "world!", Model: "mock-model", FinishReason: domain.FinishStop},
			}, nil), nil
		},
	}

	tracker := cost.NewInMemoryTracker()
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, tracker, nil, manager.WithFactory(mockFactory(adapter)))

	s, err := m.ChatStream(context.Background(), "int-1", domain.ChatRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	text, err := provider.Collect(s)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if text != "Hello world!" {
		t.Errorf("text = %q", text)
	}

	records := tracker.Records()
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(records))
	}
	r := records[0]
	if !r.Success || !r.Estimated {
		t.Errorf("unexpected flags: success=%v estimated=%v", r.Success, r.Estimated)
	}
	if r.CompletionTokens != 3 || r.PromptTokens != 0 {
		t.Errorf("tokens = %d/%d, want 0/3", r.PromptTokens, r.CompletionTokens)
	}
	if !approx(r.OutputCost, 0.00009) || r.InputCost != 0 {
		t.Errorf("cost = in %f out %f", r.InputCost, r.OutputCost)
	}
}

func TestManager_ChatStream_AbandonedStreamRecorded(t *testing.T) {
	adapter := &MockAdapter{
		ChatStreamFunc: func(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
			return sliceStream([]domain.StreamChunk{
				{Delta: "abcdefgh"},
				{Delta: "never read"},
			}, nil), nil
		},
	}

	tracker := cost.NewInMemoryTracker()
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, tracker, nil, manager.WithFactory(mockFactory(adapter)))

	s, err := m.ChatStream(context.Background(), "int-1", domain.ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if !s.Next() {
		t.Fatal("expected a chunk")
	}
	s.Close()
	s.Close()

	records := tracker.Records()
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(records))
	}
	if records[0].CompletionTokens != 2 || !records[0].Estimated {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestManager_ChatStream_ErrorRecordedAsFailure(t *testing.T) {
	streamErr := domain.NewAdapterError("mock", domain.CodeStreamError, "connection reset")
	adapter := &MockAdapter{
		ChatStreamFunc: func(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
			return sliceStream([]domain.StreamChunk{{Delta: "partial"}}, streamErr), nil
		},
	}

	tracker := cost.NewInMemoryTracker()
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, tracker, nil, manager.WithFactory(mockFactory(adapter)))

	s, err := m.ChatStream(context.Background(), "int-1", domain.ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	_, err = provider.Collect(s)
	if !errors.Is(err, streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}

	records := tracker.Records()
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(records))
	}
	if records[0].Success || records[0].Error != "connection reset" {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestManager_ChatStream_OpenFailure(t *testing.T) {
	openErr := domain.NewAdapterError("mock", domain.CodeAuthentication, "bad key").WithStatus(401)
	adapter := &MockAdapter{
		ChatStreamFunc: func(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
			return nil, openErr
		},
	}

	tracker := cost.NewInMemoryTracker()
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, tracker, nil, manager.WithFactory(mockFactory(adapter)))

	if _, err := m.ChatStream(context.Background(), "int-1", domain.ChatRequest{}); !errors.Is(err, openErr) {
		t.Fatalf("expected open error, got %v", err)
	}
	if records := tracker.Records(); len(records) != 1 || records[0].Success {
		t.Errorf("expected one failed record, got %+v", records)
	}
}

func TestManager_CheckRateLimit(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		window      domain.RateLimitWindow
		wantAllowed bool
		wantCurrent int
	}{
		{
			name:        "under limit",
			window:      domain.RateLimitWindow{WindowStart: now, WindowSize: time.Minute, MaxRequests: 60, CurrentRequests: 59, BlockOnExceed: true},
			wantAllowed: true,
			wantCurrent: 59,
		},
		{
			name:        "at limit and blocking",
			window:      domain.RateLimitWindow{WindowStart: now, WindowSize: time.Minute, MaxRequests: 60, CurrentRequests: 60, BlockOnExceed: true},
			wantAllowed: false,
			wantCurrent: 60,
		},
		{
			name:        "at limit without blocking",
			window:      domain.RateLimitWindow{WindowStart: now, WindowSize: time.Minute, MaxRequests: 60, CurrentRequests: 60},
			wantAllowed: true,
			wantCurrent: 60,
		},
		{
			name:        "expired window is reset",
			window:      domain.RateLimitWindow{WindowStart: now.Add(-2 * time.Minute), WindowSize: time.Minute, MaxRequests: 60, CurrentRequests: 60, BlockOnExceed: true},
			wantAllowed: true,
			wantCurrent: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.window
			w.IntegrationID = "int-1"
			w.Scope = domain.ScopeUser
			w.ScopeID = "user-1"

			limits := ratelimit.NewInMemoryWindowStore()
			limits.Put(w)

			m := manager.New(repository.NewInMemoryIntegrationRepository(), nil, limits,
				manager.WithClock(func() time.Time { return now.Add(10 * time.Second) }),
			)

			allowed, err := m.CheckRateLimit(context.Background(), "int-1", "user-1")
			if err != nil {
				t.Fatalf("CheckRateLimit() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.wantAllowed)
			}

			got, _ := limits.ActiveWindow(context.Background(), ratelimit.KeyOf(w))
			if got.CurrentRequests != tt.wantCurrent {
				t.Errorf("CurrentRequests = %d, want %d", got.CurrentRequests, tt.wantCurrent)
			}
		})
	}
}

func TestManager_CheckRateLimit_IntegrationScope(t *testing.T) {
	now := time.Now()
	limits := ratelimit.NewInMemoryWindowStore()
	limits.Put(domain.RateLimitWindow{
		IntegrationID:   "int-1",
		Scope:           domain.ScopeIntegration,
		ScopeID:         "int-1",
		WindowStart:     now,
		WindowSize:      time.Hour,
		MaxRequests:     5,
		CurrentRequests: 5,
		BlockOnExceed:   true,
	})

	m := manager.New(repository.NewInMemoryIntegrationRepository(), nil, limits)

	allowed, err := m.CheckRateLimit(context.Background(), "int-1", "someone")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("expected integration window to deny")
	}

	allowed, _ = m.CheckRateLimit(context.Background(), "int-2", "someone")
	if !allowed {
		t.Error("expected unconfigured integration to allow")
	}
}

func TestManager_CheckRateLimit_NoStore(t *testing.T) {
	m := manager.New(repository.NewInMemoryIntegrationRepository(), nil, nil)

	allowed, err := m.CheckRateLimit(context.Background(), "int-1", "user-1")
	if err != nil || !allowed {
		t.Errorf("CheckRateLimit() = %v, %v; want true, nil", allowed, err)
	}
}

func TestManager_DefaultIntegration(t *testing.T) {
	plain := testIntegration("a-plain")

	inactiveDefault := testIntegration("b-inactive")
	inactiveDefault.Config.IsDefault = true
	inactiveDefault.Active = false

	def := testIntegration("c-default")
	def.Config.IsDefault = true

	t.Run("found", func(t *testing.T) {
		m := manager.New(repository.NewInMemoryIntegrationRepository(plain, inactiveDefault, def), nil, nil)

		id, ok, err := m.DefaultIntegration(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok || id != "c-default" {
			t.Errorf("DefaultIntegration() = %q, %v", id, ok)
		}
	})

	t.Run("none", func(t *testing.T) {
		m := manager.New(repository.NewInMemoryIntegrationRepository(plain, inactiveDefault), nil, nil)

		_, ok, err := m.DefaultIntegration(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("expected no default integration")
		}
	})
}

func TestManager_ClearCache(t *testing.T) {
	var calls atomic.Int32
	factory := func(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error) {
		calls.Add(1)
		return &MockAdapter{}, nil
	}

	repo := repository.NewInMemoryIntegrationRepository(testIntegration("a"), testIntegration("b"))
	m := manager.New(repo, nil, nil, manager.WithFactory(factory))
	ctx := context.Background()

	m.Adapter(ctx, "a")
	m.Adapter(ctx, "b")
	if m.CachedAdapters() != 2 {
		t.Fatalf("CachedAdapters() = %d, want 2", m.CachedAdapters())
	}

	m.ClearCache(ctx, "a")
	if m.CachedAdapters() != 1 {
		t.Errorf("CachedAdapters() = %d after single eviction, want 1", m.CachedAdapters())
	}

	m.Adapter(ctx, "a")
	if calls.Load() != 3 {
		t.Errorf("expected reconstruction after eviction, got %d calls", calls.Load())
	}

	m.ClearCache(ctx)
	if m.CachedAdapters() != 0 {
		t.Errorf("CachedAdapters() = %d after full eviction, want 0", m.CachedAdapters())
	}
}

func TestManager_ClearCache_PicksUpConfigChange(t *testing.T) {
	var seen []string
	factory := func(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error) {
		seen = append(seen, cfg.Credentials.APIKey)
		return &MockAdapter{}, nil
	}

	in := testIntegration("int-1")
	repo := repository.NewInMemoryIntegrationRepository(in)
	m := manager.New(repo, nil, nil, manager.WithFactory(factory))
	ctx := context.Background()

	m.Adapter(ctx, "int-1")

	in.Credentials.APIKey = "sk-rotated"
	if err := repo.Update(ctx, &in); err != nil {
		t.Fatal(err)
	}

	m.Adapter(ctx, "int-1")
	m.ClearCache(ctx, "int-1")
	m.Adapter(ctx, "int-1")

	want := []string{"sk-test", "sk-rotated"}
	if len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] {
		t.Errorf("constructed with keys %v, want %v", seen, want)
	}
}

func TestManager_AvailableModels_Cached(t *testing.T) {
	var calls atomic.Int32
	adapter := &MockAdapter{
		AvailableModelsFunc: func(ctx context.Context) []domain.ModelInfo {
			calls.Add(1)
			return []domain.ModelInfo{{ID: "m1"}, {ID: "m2"}}
		},
	}

	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, nil,
		manager.WithFactory(mockFactory(adapter)),
		manager.WithModelCache(cache.NewInMemoryCache(), time.Minute),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		models, err := m.AvailableModels(ctx, "int-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(models) != 2 {
			t.Fatalf("got %d models", len(models))
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream listing, got %d", calls.Load())
	}

	m.ClearCache(ctx, "int-1")
	m.AvailableModels(ctx, "int-1")
	if calls.Load() != 2 {
		t.Errorf("expected listing after eviction, got %d", calls.Load())
	}
}

func TestManager_TestConnection(t *testing.T) {
	adapter := &MockAdapter{
		TestConnectionFunc: func(ctx context.Context) bool { return false },
	}
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, nil, manager.WithFactory(mockFactory(adapter)))

	ok, err := m.TestConnection(context.Background(), "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected unreachable")
	}

	if _, err := m.TestConnection(context.Background(), "missing"); !errors.Is(err, domain.ErrIntegrationNotFound) {
		t.Errorf("expected ErrIntegrationNotFound, got %v", err)
	}
}

type staticResolver struct{ key string }

func (r staticResolver) Resolve(ctx context.Context, cfg domain.IntegrationConfig) (domain.IntegrationConfig, error) {
	cfg.Credentials.APIKey = r.key
	return cfg, nil
}

func TestManager_CredentialResolver(t *testing.T) {
	var got string
	factory := func(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error) {
		got = cfg.Credentials.APIKey
		return &MockAdapter{}, nil
	}

	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, nil,
		manager.WithFactory(factory),
		manager.WithCredentialResolver(staticResolver{key: "sk-from-store"}),
	)

	if _, err := m.Adapter(context.Background(), "int-1"); err != nil {
		t.Fatal(err)
	}
	if got != "sk-from-store" {
		t.Errorf("factory saw key %q", got)
	}
}

type blockingResolver struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingResolver) Resolve(ctx context.Context, cfg domain.IntegrationConfig) (domain.IntegrationConfig, error) {
	close(r.entered)
	<-r.release
	if err := ctx.Err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func TestManager_CanceledCallerDoesNotFailSharedConstruction(t *testing.T) {
	resolver := &blockingResolver{entered: make(chan struct{}), release: make(chan struct{})}
	adapter := &MockAdapter{}
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, nil,
		manager.WithFactory(mockFactory(adapter)),
		manager.WithCredentialResolver(resolver),
	)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Adapter(firstCtx, "int-1")
		firstErr <- err
	}()
	<-resolver.entered

	type result struct {
		a   provider.Adapter
		err error
	}
	second := make(chan result, 1)
	go func() {
		a, err := m.Adapter(context.Background(), "int-1")
		second <- result{a, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller error = %v, want context.Canceled", err)
	}

	close(resolver.release)
	res := <-second
	if res.err != nil {
		t.Fatalf("second caller error = %v", res.err)
	}
	if res.a != adapter {
		t.Error("second caller got a different adapter")
	}
	if m.CachedAdapters() != 1 {
		t.Errorf("CachedAdapters() = %d, want 1", m.CachedAdapters())
	}
}

func TestManager_AvailableModelsAnnotatesListPrices(t *testing.T) {
	adapter := &MockAdapter{
		AvailableModelsFunc: func(ctx context.Context) []domain.ModelInfo {
			return []domain.ModelInfo{{ID: "gpt-4o"}, {ID: "house-model"}}
		},
	}
	repo := repository.NewInMemoryIntegrationRepository(testIntegration("int-1"))
	m := manager.New(repo, nil, nil, manager.WithFactory(mockFactory(adapter)))

	models, err := m.AvailableModels(context.Background(), "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if models[0].InputCostPer1K == nil || !approx(*models[0].InputCostPer1K, 0.005) {
		t.Errorf("gpt-4o not priced: %+v", models[0])
	}
	if models[1].InputCostPer1K != nil {
		t.Errorf("unknown model priced: %+v", models[1])
	}
}
