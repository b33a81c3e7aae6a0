package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway is the subset of the manager the HTTP layer drives.
type Gateway interface {
	Adapter(ctx context.Context, id string) (provider.Adapter, error)
	Chat(ctx context.Context, id string, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatStream(ctx context.Context, id string, req domain.ChatRequest) (*provider.Stream, error)
	CheckRateLimit(ctx context.Context, id, userID string) (bool, error)
	RateLimitWindows(ctx context.Context, id, userID string) ([]domain.RateLimitWindow, error)
	DefaultIntegration(ctx context.Context) (string, bool, error)
	AvailableModels(ctx context.Context, id string) ([]domain.ModelInfo, error)
	TestConnection(ctx context.Context, id string) (bool, error)
	ClearCache(ctx context.Context, ids ...string)
}

type HandlerConfig struct {
	Gateway Gateway

	// EnforceRateLimit makes chat routes call CheckRateLimit before dispatch.
	EnforceRateLimit bool

	HealthCheckers []HealthChecker
	HealthTimeout  time.Duration
	Version        string
	Logger         *slog.Logger
}

type Handler struct {
	gateway          Gateway
	enforceRateLimit bool
	logger           *slog.Logger
	mux              *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		gateway:          cfg.Gateway,
		enforceRateLimit: cfg.EnforceRateLimit,
		logger:           logger,
		mux:              http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/integrations/{id}/chat", h.handleChat)
	h.mux.HandleFunc("GET /v1/integrations/{id}/models", h.handleListModels)
	h.mux.HandleFunc("POST /v1/integrations/{id}/models/pull", h.handlePullModel)
	h.mux.HandleFunc("DELETE /v1/integrations/{id}/models/{model}", h.handleDeleteModel)
	h.mux.HandleFunc("POST /v1/integrations/{id}/test", h.handleTestConnection)
	h.mux.HandleFunc("GET /v1/integrations/{id}/ratelimit", h.handleRateLimit)
	h.mux.HandleFunc("GET /v1/integrations/default", h.handleDefaultIntegration)
	h.mux.HandleFunc("DELETE /v1/adapters", h.handleClearCache)
	h.mux.HandleFunc("DELETE /v1/adapters/{id}", h.handleClearCache)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReady(cfg.HealthCheckers, healthTimeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// chatRequest is the wire form of a chat call.
type chatRequest struct {
	domain.ChatRequest
	Stream    bool `json:"stream"`
	TimeoutMs int  `json:"timeout_ms,omitempty"`
}

// resolveID maps the reserved id "default" onto the default integration.
func (h *Handler) resolveID(ctx context.Context, id string) (string, error) {
	if id != "default" {
		return id, nil
	}
	def, ok, err := h.gateway.DefaultIntegration(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.ErrIntegrationNotFound
	}
	return def, nil
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	reqID := requestID(r)
	w.Header().Set("X-Request-ID", reqID)

	id, err := h.resolveID(ctx, r.PathValue("id"))
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid request body", reqID)
		return
	}

	req := body.ChatRequest
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}
	if body.TimeoutMs > 0 {
		req.Timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	if h.enforceRateLimit {
		allowed, err := h.gateway.CheckRateLimit(ctx, id, req.UserID)
		if err != nil {
			h.logger.Error("rate limit check failed", "error", err, "request_id", reqID)
			writeError(w, http.StatusInternalServerError, domain.CodeUnknown, "internal error", reqID)
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, domain.CodeRateLimitExceeded, "rate limit exceeded", reqID)
			return
		}
	}

	if body.Stream {
		h.streamChat(w, r, id, req, reqID, start)
		return
	}

	resp, err := h.gateway.Chat(ctx, id, req)
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}

	h.logger.Info("request completed",
		"request_id", reqID,
		"integration_id", id,
		"user_id", req.UserID,
		"model", resp.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, id string, req domain.ChatRequest, reqID string, start time.Time) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, domain.CodeUnknown, "streaming not supported", reqID)
		return
	}

	stream, err := h.gateway.ChatStream(ctx, id, req)
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunks := 0
	for stream.Next() {
		data, _ := json.Marshal(stream.Chunk())
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			h.logger.Info("client went away", "request_id", reqID, "error", err)
			return
		}
		flusher.Flush()
		chunks++

		if ctx.Err() != nil {
			return
		}
	}

	if err := stream.Err(); err != nil {
		h.logger.Error("streaming error", "error", err, "request_id", reqID)
		data, _ := json.Marshal(errorBody(err, reqID))
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	h.logger.Info("streaming request completed",
		"request_id", reqID,
		"integration_id", id,
		"user_id", req.UserID,
		"chunks", chunks,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

type modelsResponse struct {
	Object string             `json:"object"`
	Data   []domain.ModelInfo `json:"data"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestID(r)

	id, err := h.resolveID(ctx, r.PathValue("id"))
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}

	models, err := h.gateway.AvailableModels(ctx, id)
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}
	if models == nil {
		models = []domain.ModelInfo{}
	}

	writeJSON(w, http.StatusOK, modelsResponse{Object: "list", Data: models})
}

// modelManager resolves id to an adapter that manages models on its host.
func (h *Handler) modelManager(w http.ResponseWriter, r *http.Request, reqID string) (string, provider.ModelManager, bool) {
	ctx := r.Context()

	id, err := h.resolveID(ctx, r.PathValue("id"))
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return "", nil, false
	}

	adapter, err := h.gateway.Adapter(ctx, id)
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return "", nil, false
	}

	mm, ok := adapter.(provider.ModelManager)
	if !ok {
		writeError(w, http.StatusNotImplemented, domain.CodeInvalidRequest,
			fmt.Sprintf("%s does not support model management", adapter.ProviderName()), reqID)
		return "", nil, false
	}
	return id, mm, true
}

type pullModelRequest struct {
	Model string `json:"model"`
}

func (h *Handler) handlePullModel(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	var body pullModelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid request body", reqID)
		return
	}

	id, mm, ok := h.modelManager(w, r, reqID)
	if !ok {
		return
	}

	if err := mm.PullModel(r.Context(), body.Model); err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}
	h.gateway.ClearCache(r.Context(), id)

	h.logger.Info("model pulled", "integration_id", id, "model", body.Model, "request_id", reqID)
	writeJSON(w, http.StatusOK, map[string]string{"integration_id": id, "model": body.Model, "status": "pulled"})
}

func (h *Handler) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	id, mm, ok := h.modelManager(w, r, reqID)
	if !ok {
		return
	}

	model := r.PathValue("model")
	if err := mm.DeleteModel(r.Context(), model); err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}
	h.gateway.ClearCache(r.Context(), id)

	h.logger.Info("model deleted", "integration_id", id, "model", model, "request_id", reqID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestID(r)

	id, err := h.resolveID(ctx, r.PathValue("id"))
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}

	ok, err := h.gateway.TestConnection(ctx, id)
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"integration_id": id,
		"reachable":      ok,
	})
}

func (h *Handler) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestID(r)

	id, err := h.resolveID(ctx, r.PathValue("id"))
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}

	userID := r.Header.Get("X-User-ID")
	windows, err := h.gateway.RateLimitWindows(ctx, id, userID)
	if err != nil {
		h.logger.Error("failed to load rate limit windows", "error", err, "request_id", reqID)
		writeError(w, http.StatusInternalServerError, domain.CodeUnknown, "internal error", reqID)
		return
	}
	if windows == nil {
		windows = []domain.RateLimitWindow{}
	}

	for _, win := range windows {
		if win.Scope == domain.ScopeUser {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(win.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(win.MaxRequests-win.CurrentRequests, 0)))
			w.Header().Set("X-RateLimit-Reset", win.WindowStart.Add(win.WindowSize).Format(time.RFC3339))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"integration_id": id,
		"user_id":        userID,
		"windows":        windows,
	})
}

func (h *Handler) handleDefaultIntegration(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	id, ok, err := h.gateway.DefaultIntegration(r.Context())
	if err != nil {
		h.writeGatewayError(w, reqID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "no default integration", reqID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"integration_id": id})
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if id := r.PathValue("id"); id != "" {
		ids = append(ids, id)
	}

	h.gateway.ClearCache(r.Context(), ids...)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForCode is used when the adapter error carries no vendor status.
func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidRequest, domain.CodeMaxTokensExceeded, domain.CodeInvalidTemperature,
		domain.CodeBadRequest, domain.CodeModelNotFound:
		return http.StatusBadRequest
	case domain.CodeAuthentication:
		return http.StatusUnauthorized
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeContentBlocked:
		return http.StatusUnprocessableEntity
	case domain.CodeMissingAPIKey, domain.CodeMissingEndpoint:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// StatusFor maps a gateway error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrIntegrationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIntegrationInactive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupportedProvider):
		return http.StatusInternalServerError
	}

	if ae, ok := domain.AsAdapterError(err); ok {
		if ae.StatusCode >= 400 && ae.StatusCode < 600 {
			return ae.StatusCode
		}
		return statusForCode(ae.Code)
	}
	return http.StatusInternalServerError
}

type apiError struct {
	Message   string           `json:"message"`
	Code      domain.ErrorCode `json:"code"`
	Provider  string           `json:"provider,omitempty"`
	Retryable bool             `json:"retryable"`
	Details   map[string]any   `json:"details,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

func errorBody(err error, reqID string) map[string]apiError {
	e := apiError{Message: err.Error(), Code: domain.CodeUnknown, RequestID: reqID}

	switch {
	case errors.Is(err, domain.ErrIntegrationNotFound):
		e.Code = domain.CodeNotFound
	case errors.Is(err, domain.ErrIntegrationInactive), errors.Is(err, domain.ErrUnsupportedProvider):
		e.Code = domain.CodeInvalidRequest
	}

	if ae, ok := domain.AsAdapterError(err); ok {
		e.Message = ae.Message
		e.Code = ae.Code
		e.Provider = ae.Provider
		e.Retryable = ae.Retryable
		e.Details = ae.Details
	}
	return map[string]apiError{"error": e}
}

func (h *Handler) writeGatewayError(w http.ResponseWriter, reqID string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "request_id", reqID)
	} else {
		h.logger.Warn("request rejected", "error", err, "request_id", reqID)
	}

	if ae, ok := domain.AsAdapterError(err); ok {
		if secs, ok := ae.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}

	writeJSON(w, status, errorBody(err, reqID))
}

func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, message, reqID string) {
	writeJSON(w, status, map[string]apiError{
		"error": {Message: message, Code: code, RequestID: reqID},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
