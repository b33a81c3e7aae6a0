package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/secrets"
	"github.com/google/uuid"
)

// Evictor drops cached adapters after an integration changes.
type Evictor interface {
	ClearCache(ctx context.Context, ids ...string)
}

type AdminConfig struct {
	Integrations repository.IntegrationRepository
	Usage        cost.Tracker
	Evictor      Evictor
	// Guard authenticates every route when set and checks each route's
	// permission against the operator's role.
	Guard        *auth.Guard
	Logger       *slog.Logger
}

type AdminHandler struct {
	integrations repository.IntegrationRepository
	usage        cost.Tracker
	evictor      Evictor
	logger       *slog.Logger
	guard        *auth.Guard
	mux          *http.ServeMux
	handler      http.Handler
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &AdminHandler{
		integrations: cfg.Integrations,
		usage:        cfg.Usage,
		evictor:      cfg.Evictor,
		logger:       logger,
		guard:        cfg.Guard,
		mux:          http.NewServeMux(),
	}

	h.route("GET /admin/integrations", auth.ReadIntegrations, h.listIntegrations)
	h.route("POST /admin/integrations", auth.WriteIntegrations, h.createIntegration)
	h.route("GET /admin/integrations/{id}", auth.ReadIntegrations, h.getIntegration)
	h.route("PUT /admin/integrations/{id}", auth.WriteIntegrations, h.updateIntegration)
	h.route("DELETE /admin/integrations/{id}", auth.DeleteIntegrations, h.deleteIntegration)
	h.route("POST /admin/integrations/{id}/rotate-key", auth.WriteIntegrations, h.rotateAPIKey)
	h.route("GET /admin/integrations/{id}/usage", auth.ReadUsage, h.integrationUsage)
	h.route("GET /admin/users/{id}/cost", auth.ReadUsage, h.userCost)

	h.handler = h.mux
	if h.guard != nil {
		h.handler = h.guard.Authenticate(h.mux)
	}

	return h
}

func (h *AdminHandler) route(pattern string, perm auth.Permission, fn http.HandlerFunc) {
	if h.guard == nil {
		h.mux.Handle(pattern, fn)
		return
	}
	h.mux.Handle(pattern, h.guard.Require(perm, fn))
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// actor names the authenticated admin in log lines.
func actor(r *http.Request) string {
	if op, ok := auth.OperatorFrom(r.Context()); ok {
		return op.Username
	}
	return "anonymous"
}

// IntegrationView is an integration as returned by the admin API. Literal
// API keys are replaced by a fingerprint; secret references are shown as is.
type IntegrationView struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Provider       domain.ProviderType   `json:"provider"`
	Endpoint       string                `json:"endpoint,omitempty"`
	BaseURL        string                `json:"base_url,omitempty"`
	APIKeyRef      string                `json:"api_key_ref,omitempty"`
	KeyFingerprint string                `json:"key_fingerprint,omitempty"`
	Config         domain.ProviderConfig `json:"provider_config"`
	Active         bool                  `json:"active"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func viewOf(in *domain.IntegrationConfig) IntegrationView {
	v := IntegrationView{
		ID:        in.ID,
		Name:      in.Name,
		Provider:  in.Provider,
		Endpoint:  in.Credentials.Endpoint,
		BaseURL:   in.Credentials.BaseURL,
		Config:    in.Config,
		Active:    in.Active,
		CreatedAt: in.CreatedAt,
		UpdatedAt: in.UpdatedAt,
	}

	switch key := in.Credentials.APIKey; {
	case key == "":
	case secrets.IsRef(key):
		v.APIKeyRef = key
	default:
		v.KeyFingerprint = crypto.Fingerprint(key)
	}
	return v
}

func (h *AdminHandler) evict(ctx context.Context, id string) {
	if h.evictor != nil {
		h.evictor.ClearCache(ctx, id)
	}
}

func (h *AdminHandler) listIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := h.integrations.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list integrations", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list integrations")
		return
	}

	views := make([]IntegrationView, 0, len(list))
	for _, in := range list {
		views = append(views, viewOf(in))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"integrations": views,
		"count":        len(views),
	})
}

type CreateIntegrationRequest struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Provider    domain.ProviderType   `json:"provider"`
	Credentials domain.Credentials    `json:"credentials"`
	Config      domain.ProviderConfig `json:"provider_config"`
	Active      *bool                 `json:"active,omitempty"`
}

func (h *AdminHandler) createIntegration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !req.Provider.Valid() {
		writeAdminError(w, http.StatusBadRequest, "unsupported provider")
		return
	}

	in := &domain.IntegrationConfig{
		ID:          req.ID,
		Name:        req.Name,
		Provider:    req.Provider,
		Credentials: req.Credentials,
		Config:      req.Config,
		Active:      true,
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if req.Active != nil {
		in.Active = *req.Active
	}

	if err := h.integrations.Create(ctx, in); err != nil {
		if errors.Is(err, domain.ErrIntegrationExists) {
			writeAdminError(w, http.StatusConflict, "integration already exists")
			return
		}
		h.logger.Error("failed to create integration", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create integration")
		return
	}

	h.logger.Info("integration created", "integration_id", in.ID, "provider", in.Provider, "actor", actor(r))

	created, err := h.integrations.Get(ctx, in.ID)
	if err != nil {
		created = in
	}
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (h *AdminHandler) getIntegration(w http.ResponseWriter, r *http.Request) {
	in, err := h.integrations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(in))
}

type UpdateIntegrationRequest struct {
	Name     string                 `json:"name,omitempty"`
	Endpoint *string                `json:"endpoint,omitempty"`
	BaseURL  *string                `json:"base_url,omitempty"`
	Config   *domain.ProviderConfig `json:"provider_config,omitempty"`
	Active   *bool                  `json:"active,omitempty"`
}

func (h *AdminHandler) updateIntegration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	in, err := h.integrations.Get(ctx, id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	var req UpdateIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		in.Name = req.Name
	}
	if req.Endpoint != nil {
		in.Credentials.Endpoint = *req.Endpoint
	}
	if req.BaseURL != nil {
		in.Credentials.BaseURL = *req.BaseURL
	}
	if req.Config != nil {
		in.Config = *req.Config
	}
	if req.Active != nil {
		in.Active = *req.Active
	}

	if err := h.integrations.Update(ctx, in); err != nil {
		h.logger.Error("failed to update integration", "integration_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update integration")
		return
	}
	h.evict(ctx, id)

	h.logger.Info("integration updated", "integration_id", id, "actor", actor(r))

	updated, err := h.integrations.Get(ctx, id)
	if err != nil {
		updated = in
	}
	writeJSON(w, http.StatusOK, viewOf(updated))
}

func (h *AdminHandler) deleteIntegration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.integrations.Delete(ctx, id); err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.evict(ctx, id)

	h.logger.Info("integration deleted", "integration_id", id, "actor", actor(r))

	w.WriteHeader(http.StatusNoContent)
}

type RotateKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	in, err := h.integrations.Get(ctx, id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	var req RotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeAdminError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	in.Credentials.APIKey = req.APIKey
	if err := h.integrations.Update(ctx, in); err != nil {
		h.logger.Error("failed to rotate API key", "integration_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}
	h.evict(ctx, id)

	h.logger.Info("API key rotated", "integration_id", id, "actor", actor(r))

	writeJSON(w, http.StatusOK, viewOf(in))
}

// sinceParam reads ?since= as RFC 3339, defaulting to the last 24 hours.
func sinceParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Now().Add(-24 * time.Hour), nil
	}
	return time.Parse(time.RFC3339, raw)
}

type UsageSummary struct {
	IntegrationID    string               `json:"integration_id"`
	Since            time.Time            `json:"since"`
	Requests         int                  `json:"requests"`
	Failures         int                  `json:"failures"`
	Estimated        int                  `json:"estimated"`
	PromptTokens     int                  `json:"prompt_tokens"`
	CompletionTokens int                  `json:"completion_tokens"`
	TotalCost        float64              `json:"total_cost"`
	Records          []domain.UsageRecord `json:"records,omitempty"`
}

func summarize(id string, since time.Time, records []domain.UsageRecord) UsageSummary {
	s := UsageSummary{IntegrationID: id, Since: since, Requests: len(records)}
	for _, rec := range records {
		if !rec.Success {
			s.Failures++
		}
		if rec.Estimated {
			s.Estimated++
		}
		s.PromptTokens += rec.PromptTokens
		s.CompletionTokens += rec.CompletionTokens
		s.TotalCost += rec.TotalCost
	}
	return s
}

func (h *AdminHandler) integrationUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeAdminError(w, http.StatusNotImplemented, "usage tracking not configured")
		return
	}

	since, err := sinceParam(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "since must be RFC 3339")
		return
	}

	id := r.PathValue("id")
	records, err := h.usage.IntegrationUsage(r.Context(), id, since)
	if err != nil {
		h.logger.Error("failed to load usage", "integration_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	summary := summarize(id, since, records)
	if r.URL.Query().Get("records") == "true" {
		summary.Records = records
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) userCost(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeAdminError(w, http.StatusNotImplemented, "usage tracking not configured")
		return
	}

	since, err := sinceParam(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "since must be RFC 3339")
		return
	}

	userID := r.PathValue("id")
	total, err := h.usage.UserTotalCost(r.Context(), userID, since)
	if err != nil {
		h.logger.Error("failed to load user cost", "user_id", userID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to load user cost")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"since":      since,
		"total_cost": total,
	})
}

func (h *AdminHandler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrIntegrationNotFound) {
		writeAdminError(w, http.StatusNotFound, "integration not found")
		return
	}
	h.logger.Error("integration lookup failed", "error", err)
	writeAdminError(w, http.StatusInternalServerError, "internal error")
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": message,
	})
}
