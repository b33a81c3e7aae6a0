// Package manager resolves integrations to adapters and orchestrates chat
// calls: usage and cost recording, rate-limit bookkeeping, default
// integration lookup and adapter cache eviction.
//
// A Manager is built once by the process entry point and passed to callers.
// Adapters are constructed lazily per integration and cached until evicted
// with ClearCache.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/cache"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// IntegrationStore supplies integration configuration.
type IntegrationStore interface {
	// Get returns domain.ErrIntegrationNotFound for unknown ids.
	Get(ctx context.Context, id string) (*domain.IntegrationConfig, error)
	List(ctx context.Context) ([]*domain.IntegrationConfig, error)
}

// UsageRecorder persists usage records. Records are append-only.
type UsageRecorder interface {
	Record(ctx context.Context, record domain.UsageRecord) error
}

// RateLimitStore holds user and integration windows.
type RateLimitStore interface {
	ratelimit.WindowStore
}

// CredentialResolver rewrites credential references before construction.
type CredentialResolver interface {
	Resolve(ctx context.Context, cfg domain.IntegrationConfig) (domain.IntegrationConfig, error)
}

type Option func(*Manager)

func WithFactory(f Factory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithModelCache caches model catalogs for ttl.
func WithModelCache(c cache.ModelCache, ttl time.Duration) Option {
	return func(m *Manager) {
		m.models = c
		m.modelsTTL = ttl
	}
}

// WithBuildTimeout bounds a shared adapter construction, which runs detached
// from the callers waiting on it.
func WithBuildTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.buildTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithCalculator(c *cost.Calculator) Option {
	return func(m *Manager) {
		m.calc = c
	}
}

func WithCredentialResolver(r CredentialResolver) Option {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithProviderOptions passes options to every adapter the manager builds.
func WithProviderOptions(opts ...provider.Option) Option {
	return func(m *Manager) {
		m.providerOpts = append(m.providerOpts, opts...)
	}
}

type entry struct {
	adapter provider.Adapter
	config  domain.IntegrationConfig
}

type Manager struct {
	integrations IntegrationStore
	usage        UsageRecorder
	limits       RateLimitStore

	factory      Factory
	providerOpts []provider.Option
	resolver     CredentialResolver
	calc         *cost.Calculator
	models       cache.ModelCache
	modelsTTL    time.Duration
	buildTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu         sync.RWMutex
	adapters   map[string]*entry
	generation uint64
	group      singleflight.Group
}

// New builds a Manager. usage and limits may be nil, in which case usage is
// not persisted and every rate-limit check allows.
func New(integrations IntegrationStore, usage UsageRecorder, limits RateLimitStore, opts ...Option) *Manager {
	m := &Manager{
		integrations: integrations,
		usage:        usage,
		limits:       limits,
		factory:      DefaultFactory,
		calc:         cost.NewCalculator(),
		modelsTTL:    10 * time.Minute,
		buildTimeout: 30 * time.Second,
		logger:       slog.Default(),
		now:          time.Now,
		adapters:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Adapter returns the cached adapter for id, constructing it on first use.
// Concurrent misses for one id share a single construction, and a failed
// construction is not cached.
func (m *Manager) Adapter(ctx context.Context, id string) (provider.Adapter, error) {
	e, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.adapter, nil
}

func (m *Manager) cached(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.adapters[id]
	return e, ok
}

func (m *Manager) resolve(ctx context.Context, id string) (*entry, error) {
	if e, ok := m.cached(id); ok {
		return e, nil
	}

	// The shared construction outlives any single caller's cancellation.
	// Each caller still stops waiting when its own context ends.
	ch := m.group.DoChan(id, func() (any, error) {
		if e, ok := m.cached(id); ok {
			return e, nil
		}

		m.mu.RLock()
		gen := m.generation
		m.mu.RUnlock()

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.buildTimeout)
		defer cancel()

		e, err := m.construct(cctx, id)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		// An eviction during construction means the config may be stale;
		// serve this caller but do not cache.
		if m.generation == gen {
			m.adapters[id] = e
		}
		n := len(m.adapters)
		m.mu.Unlock()
		metrics.SetCachedAdapters(n)

		return e, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) construct(ctx context.Context, id string) (*entry, error) {
	cfg, err := m.integrations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load integration %s: %w", id, err)
	}
	if cfg.Deleted {
		return nil, fmt.Errorf("load integration %s: %w", id, domain.ErrIntegrationNotFound)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("integration %s: %w", id, domain.ErrIntegrationInactive)
	}

	resolved := *cfg
	if m.resolver != nil {
		resolved, err = m.resolver.Resolve(ctx, resolved)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials: %w", err)
		}
	}

	adapter, err := m.factory(resolved, m.providerOpts...)
	if err != nil {
		m.logger.Error("adapter construction failed",
			"integration_id", id,
			"provider", cfg.Provider,
			"error", err,
		)
		return nil, err
	}

	m.logger.Info("adapter constructed", "integration_id", id, "provider", adapter.ProviderName())

	return &entry{adapter: adapter, config: resolved}, nil
}

// ClearCache evicts the given integrations, or every adapter when no ids
// are given. Cached model catalogs for the same ids are dropped too.
func (m *Manager) ClearCache(ctx context.Context, ids ...string) {
	m.mu.Lock()
	m.generation++
	if len(ids) == 0 {
		m.adapters = make(map[string]*entry)
	} else {
		for _, id := range ids {
			delete(m.adapters, id)
		}
	}
	n := len(m.adapters)
	m.mu.Unlock()

	for _, id := range ids {
		m.group.Forget(id)
	}
	metrics.SetCachedAdapters(n)

	if m.models != nil {
		if err := m.models.Delete(ctx, ids...); err != nil {
			m.logger.Warn("model cache eviction failed", "error", err)
		}
	}

	m.logger.Info("adapter cache cleared", "integration_ids", ids, "remaining", n)
}

// Chat dispatches a non-streaming completion and records its outcome. The
// adapter's error is returned unchanged.
func (m *Manager) Chat(ctx context.Context, id string, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "manager.Chat")
	defer span.End()

	e, err := m.resolve(ctx, id)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	model := requestedModel(e.config, req)
	telemetry.AddRequestAttributes(span, id, e.adapter.ProviderName(), model, req.UserID)

	start := m.now()
	resp, err := e.adapter.Chat(ctx, req)
	latency := m.now().Sub(start)

	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		m.recordFailure(ctx, e, req, model, err, latency)
		return nil, err
	}

	b := m.calc.Calculate(e.config.Config, resp.PromptTokens, resp.CompletionTokens)
	telemetry.AddTokenAttributes(span, resp.PromptTokens, resp.CompletionTokens, false)
	telemetry.AddCostAttribute(span, b.Total)

	m.recordSuccess(ctx, e, req, domain.UsageRecord{
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
		InputCost:        b.Input,
		OutputCost:       b.Output,
		TotalCost:        b.Total,
	}, latency)

	return resp, nil
}

// ChatStream opens a streaming completion. The returned stream records an
// estimated usage record when it ends, fails or is closed early.
func (m *Manager) ChatStream(ctx context.Context, id string, req domain.ChatRequest) (*provider.Stream, error) {
	spanCtx, span := telemetry.StartSpan(ctx, "manager.ChatStream")

	e, err := m.resolve(spanCtx, id)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		span.End()
		return nil, err
	}

	model := requestedModel(e.config, req)
	telemetry.AddRequestAttributes(span, id, e.adapter.ProviderName(), model, req.UserID)

	start := m.now()
	inner, err := e.adapter.ChatStream(spanCtx, req)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		m.recordFailure(spanCtx, e, req, model, err, m.now().Sub(start))
		span.End()
		return nil, err
	}

	metrics.IncrementActiveStreams()

	t := &streamTracker{
		m:     m,
		ctx:   spanCtx,
		span:  span,
		entry: e,
		req:   req,
		model: model,
		start: start,
		inner: inner,
	}
	return provider.NewStream(t.next, t.close), nil
}

// CheckRateLimit reports whether userID may send another request through
// integration id. Both the user window and the integration window must
// allow. Expired windows are restarted. Chat and ChatStream do not call
// this; callers enforce it before dispatch.
func (m *Manager) CheckRateLimit(ctx context.Context, id, userID string) (bool, error) {
	if m.limits == nil {
		return true, nil
	}

	now := m.now()
	for _, key := range windowKeys(id, userID) {
		w, err := m.limits.ActiveWindow(ctx, key)
		if err != nil {
			return false, fmt.Errorf("load rate limit window: %w", err)
		}

		d := ratelimit.Evaluate(w, now)
		if d.Reset {
			if err := m.limits.ResetWindow(ctx, key, now); err != nil {
				return false, fmt.Errorf("reset rate limit window: %w", err)
			}
		}
		if !d.Allowed {
			metrics.RecordRateLimitHit(id, string(key.Scope))
			m.logger.Warn("rate limit exceeded",
				"integration_id", id,
				"user_id", userID,
				"scope", key.Scope,
			)
			return false, nil
		}
	}

	return true, nil
}

// RateLimitWindows returns the configured windows for id and userID.
// Missing windows are omitted.
func (m *Manager) RateLimitWindows(ctx context.Context, id, userID string) ([]domain.RateLimitWindow, error) {
	if m.limits == nil {
		return nil, nil
	}

	var out []domain.RateLimitWindow
	for _, key := range windowKeys(id, userID) {
		w, err := m.limits.ActiveWindow(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load rate limit window: %w", err)
		}
		if w != nil {
			out = append(out, *w)
		}
	}
	return out, nil
}

// DefaultIntegration returns the id of the active, non-deleted integration
// flagged as default. ok is false when there is none.
func (m *Manager) DefaultIntegration(ctx context.Context) (string, bool, error) {
	list, err := m.integrations.List(ctx)
	if err != nil {
		return "", false, fmt.Errorf("list integrations: %w", err)
	}

	for _, in := range list {
		if in.Active && !in.Deleted && in.Config.IsDefault {
			return in.ID, true, nil
		}
	}
	return "", false, nil
}

// AvailableModels lists the integration's models, served from the model
// cache when one is configured. Only resolution errors are returned.
func (m *Manager) AvailableModels(ctx context.Context, id string) ([]domain.ModelInfo, error) {
	if m.models != nil {
		if models, ok := m.models.Get(ctx, id); ok {
			metrics.RecordModelCacheHit(id)
			return models, nil
		}
		metrics.RecordModelCacheMiss(id)
	}

	e, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	models := m.calc.Annotate(e.adapter.AvailableModels(ctx))

	if m.models != nil {
		if err := m.models.Set(ctx, id, models, m.modelsTTL); err != nil {
			m.logger.Warn("model cache write failed", "integration_id", id, "error", err)
		}
	}
	return models, nil
}

// TestConnection probes the vendor. Only resolution errors are returned.
func (m *Manager) TestConnection(ctx context.Context, id string) (bool, error) {
	e, err := m.resolve(ctx, id)
	if err != nil {
		return false, err
	}
	return e.adapter.TestConnection(ctx), nil
}

// CachedAdapters reports how many adapters are cached.
func (m *Manager) CachedAdapters() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.adapters)
}

func windowKeys(id, userID string) []ratelimit.Key {
	keys := make([]ratelimit.Key, 0, 2)
	if userID != "" {
		keys = append(keys, ratelimit.Key{IntegrationID: id, Scope: domain.ScopeUser, ScopeID: userID})
	}
	keys = append(keys, ratelimit.Key{IntegrationID: id, Scope: domain.ScopeIntegration, ScopeID: id})
	return keys
}

func requestedModel(cfg domain.IntegrationConfig, req domain.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return cfg.Config.DefaultModel
}

// errorMessage prefers the normalized adapter message over the wrapped text.
func errorMessage(err error) string {
	if ae, ok := domain.AsAdapterError(err); ok {
		return ae.Message
	}
	return err.Error()
}

func errorCode(err error) string {
	if ae, ok := domain.AsAdapterError(err); ok {
		return string(ae.Code)
	}
	return string(domain.CodeUnknown)
}
