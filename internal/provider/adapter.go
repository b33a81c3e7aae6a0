// Package provider defines the contract every LLM vendor adapter satisfies and
// the plumbing they share: request validation, deadlines, HTTP dispatch and
// mapping of vendor failures onto the domain error taxonomy.
package provider

import (
	"context"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Adapter is a vendor-specific implementation of the chat contract.
// Every error returned by Chat and ChatStream is a *domain.AdapterError.
type Adapter interface {
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)

	// ChatStream opens a streaming completion. The caller must Close the
	// returned stream or drain it to the end.
	ChatStream(ctx context.Context, req domain.ChatRequest) (*Stream, error)

	// AvailableModels never fails; fetch errors fall back to a static catalog.
	AvailableModels(ctx context.Context) []domain.ModelInfo
	IsModelAvailable(ctx context.Context, modelID string) bool

	// RateLimitInfo returns the vendor-side window when the vendor exposes
	// one. None of the supported vendors do, so all adapters return nil.
	RateLimitInfo() *domain.RateLimitWindow

	// TestConnection issues a minimal real request. A 400 counts as reachable.
	TestConnection(ctx context.Context) bool
	ProviderName() string
}

// HasModel reports whether id is in models.
func HasModel(models []domain.ModelInfo, id string) bool {
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ModelManager is implemented by adapters that can install and remove models
// on the serving host.
type ModelManager interface {
	PullModel(ctx context.Context, model string) error
	DeleteModel(ctx context.Context, model string) error
}
