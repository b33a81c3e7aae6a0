package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
)

// DefaultTimeout bounds a call when neither the request nor the integration
// sets one.
const DefaultTimeout = 60 * time.Second

type Option func(*Base)

func WithHTTPClient(client *http.Client) Option {
	return func(b *Base) {
		b.client = client
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		b.logger = logger
	}
}

// Base carries what every adapter needs. Adapters embed it.
type Base struct {
	name   string
	config domain.IntegrationConfig
	client *http.Client
	logger *slog.Logger

	// messagePaths locate the vendor's error message in a failure body.
	messagePaths []string
}

func NewBase(name string, cfg domain.IntegrationConfig, messagePaths []string, opts ...Option) Base {
	b := Base{
		name:         name,
		config:       cfg,
		messagePaths: messagePaths,
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.client == nil {
		b.client = httputil.NewClient(httputil.ForDeadline(cfg.Config.Timeout()))
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("provider", name, "integration_id", cfg.ID)
	return b
}

func (b *Base) ProviderName() string {
	return b.name
}

func (b *Base) Config() domain.IntegrationConfig {
	return b.config
}

func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// RateLimitInfo returns nil; no supported vendor exposes its window.
func (b *Base) RateLimitInfo() *domain.RateLimitWindow {
	return nil
}

// Error builds an AdapterError attributed to this provider.
func (b *Base) Error(code domain.ErrorCode, format string, args ...any) *domain.AdapterError {
	return domain.NewAdapterError(b.name, code, fmt.Sprintf(format, args...))
}

// Validate rejects requests that must never reach the network.
func (b *Base) Validate(req domain.ChatRequest) error {
	if len(req.Messages) == 0 {
		return b.Error(domain.CodeInvalidRequest, "messages must not be empty")
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return b.Error(domain.CodeInvalidRequest, "message %d has invalid role %q", i, m.Role)
		}
	}

	if req.Temperature != nil {
		if t := *req.Temperature; t < 0 || t > 2 {
			return b.Error(domain.CodeInvalidTemperature, "temperature must be between 0 and 2, got %g", t)
		}
	}

	if req.MaxTokens != nil {
		n := *req.MaxTokens
		if n <= 0 {
			return b.Error(domain.CodeInvalidRequest, "max tokens must be positive, got %d", n)
		}
		if limit := b.config.Config.MaxTokensPerRequest; limit > 0 && n > limit {
			return b.Error(domain.CodeMaxTokensExceeded, "Requested max tokens (%d) exceeds limit (%d)", n, limit)
		}
	}

	return nil
}

// Model returns the requested model or the integration default.
func (b *Base) Model(req domain.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.config.Config.DefaultModel
}

// Temperature returns the requested temperature, the integration default, or
// nil when neither is set.
func (b *Base) Temperature(req domain.ChatRequest) *float64 {
	if req.Temperature != nil {
		return req.Temperature
	}
	if t := b.config.Config.DefaultTemperature; t > 0 {
		return &t
	}
	return nil
}

// MaxTokens returns the requested limit, the integration default, or zero.
func (b *Base) MaxTokens(req domain.ChatRequest) int {
	if req.MaxTokens != nil {
		return *req.MaxTokens
	}
	return b.config.Config.DefaultMaxTokens
}

// Timeout resolves the deadline for req: the request override, then the
// integration setting, then DefaultTimeout.
func (b *Base) Timeout(req domain.ChatRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if t := b.config.Config.Timeout(); t > 0 {
		return t
	}
	return DefaultTimeout
}

func (b *Base) WithDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// NewJSONRequest encodes body (when non-nil) and builds a request with JSON
// content headers.
func (b *Base) NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, b.Error(domain.CodeInvalidRequest, "marshal request: %v", err).WithCause(err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, b.Error(domain.CodeInvalidRequest, "create request: %v", err).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req. Non-2xx responses are converted with ErrorFromResponse and
// their bodies closed; on success the caller owns resp.Body.
func (b *Base) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, TransportError(ctx, b.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		ae := ErrorFromResponse(b.name, resp, b.messagePaths...)
		b.logger.Warn("provider returned error",
			"status", resp.StatusCode,
			"code", ae.Code,
			"error", ae.Message,
		)
		return nil, ae
	}

	return resp, nil
}

// DoJSON sends req and decodes a 2xx body into out.
func (b *Base) DoJSON(req *http.Request, out any) error {
	resp, err := b.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ae := TransportError(req.Context(), b.name, err); ae.Code == domain.CodeTimeout {
			return ae
		}
		return InvalidResponse(b.name, err)
	}
	return nil
}

// Probe sends req and reports whether the service answered with 2xx or 400.
// A 400 proves the endpoint and credentials were accepted far enough to
// inspect the payload.
func (b *Base) Probe(req *http.Request) bool {
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug("connection test failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	ok := (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusBadRequest
	if !ok {
		b.logger.Debug("connection test rejected", "status", resp.StatusCode)
	}
	return ok
}

// ConfiguredModels returns the integration's model list as ModelInfo, or
// nil when none is configured.
func (b *Base) ConfiguredModels() []domain.ModelInfo {
	ids := b.config.Config.AvailableModels
	if len(ids) == 0 {
		return nil
	}
	models := make([]domain.ModelInfo, 0, len(ids))
	for _, id := range ids {
		models = append(models, domain.ModelInfo{ID: id, Name: id})
	}
	return models
}

// Fallback returns the configured model list if present, otherwise builtin.
func (b *Base) Fallback(builtin []domain.ModelInfo) []domain.ModelInfo {
	if models := b.ConfiguredModels(); len(models) > 0 {
		return models
	}
	out := make([]domain.ModelInfo, len(builtin))
	copy(out, builtin)
	return out
}
