package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func TestInMemoryIntegrationRepository_Get(t *testing.T) {
	repo := NewInMemoryIntegrationRepository(domain.IntegrationConfig{
		ID:       "openai-main",
		Provider: domain.ProviderOpenAI,
		Active:   true,
	})
	ctx := context.Background()

	in, err := repo.Get(ctx, "openai-main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Provider != domain.ProviderOpenAI {
		t.Errorf("expected openai, got %s", in.Provider)
	}
	if in.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	in.Name = "mutated"
	again, _ := repo.Get(ctx, "openai-main")
	if again.Name == "mutated" {
		t.Error("repository returned a shared pointer")
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrIntegrationNotFound) {
		t.Errorf("expected ErrIntegrationNotFound, got %v", err)
	}
}

func TestInMemoryIntegrationRepository_CRUD(t *testing.T) {
	repo := NewInMemoryIntegrationRepository()
	ctx := context.Background()

	in := &domain.IntegrationConfig{ID: "ollama-local", Provider: domain.ProviderOllama, Active: true}
	if err := repo.Create(ctx, in); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, in); !errors.Is(err, domain.ErrIntegrationExists) {
		t.Errorf("expected ErrIntegrationExists on duplicate create, got %v", err)
	}

	in.Name = "Local Ollama"
	if err := repo.Update(ctx, in); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := repo.Get(ctx, "ollama-local")
	if got.Name != "Local Ollama" {
		t.Errorf("expected updated name, got %q", got.Name)
	}

	if err := repo.Delete(ctx, "ollama-local"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, "ollama-local"); !errors.Is(err, domain.ErrIntegrationNotFound) {
		t.Errorf("expected ErrIntegrationNotFound after delete, got %v", err)
	}
	if err := repo.Update(ctx, in); !errors.Is(err, domain.ErrIntegrationNotFound) {
		t.Errorf("expected update of deleted integration to fail, got %v", err)
	}

	list, _ := repo.List(ctx)
	if len(list) != 0 {
		t.Errorf("expected empty list, got %d", len(list))
	}
}

func TestInMemoryIntegrationRepository_ListOrdered(t *testing.T) {
	repo := NewInMemoryIntegrationRepository(
		domain.IntegrationConfig{ID: "c"},
		domain.IntegrationConfig{ID: "a"},
		domain.IntegrationConfig{ID: "b", Deleted: true},
	)

	list, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "c" {
		t.Errorf("unexpected list %v", list)
	}
}

const sampleYAML = `
integrations:
  - id: openai-main
    name: OpenAI
    provider: openai
    active: true
    credentials:
      api_key: secret:openai
    provider_config:
      default_model: gpt-4o-mini
      available_models: [gpt-4o, gpt-4o-mini]
      max_tokens_per_request: 4096
      timeout_ms: 30000
      cost_per_input_token: 0.00015
      cost_per_output_token: 0.0006
      is_default: true
  - id: custom-hf
    provider: custom
    active: true
    credentials:
      endpoint: https://api-inference.example.com/generate
    provider_config:
      provider_specific_settings:
        responseMapping:
          content: data.generated_text
        requestTemplate:
          parameters:
            top_k: 40
`

func TestParseIntegrations(t *testing.T) {
	got, err := ParseIntegrations([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 integrations, got %d", len(got))
	}

	openai := got[0]
	if openai.Credentials.APIKey != "secret:openai" {
		t.Errorf("APIKey = %q", openai.Credentials.APIKey)
	}
	if !openai.Config.IsDefault || openai.Config.TimeoutMs != 30000 {
		t.Errorf("unexpected config %+v", openai.Config)
	}
	if len(openai.Config.AvailableModels) != 2 {
		t.Errorf("AvailableModels = %v", openai.Config.AvailableModels)
	}

	settings := got[1].Config.Settings
	mapping, ok := settings["responseMapping"].(map[string]any)
	if !ok || mapping["content"] != "data.generated_text" {
		t.Errorf("unexpected settings %#v", settings)
	}
	tmpl, _ := settings["requestTemplate"].(map[string]any)
	params, _ := tmpl["parameters"].(map[string]any)
	if params["top_k"] != 40 {
		t.Errorf("expected nested template value, got %#v", params["top_k"])
	}
}

func TestParseIntegrations_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "integrations: [unterminated"},
		{"missing id", "integrations:\n  - provider: openai\n"},
		{"missing provider", "integrations:\n  - id: a\n"},
		{"duplicate id", "integrations:\n  - id: a\n    provider: openai\n  - id: a\n    provider: gemini\n"},
		{"two defaults", `
integrations:
  - id: a
    provider: openai
    active: true
    provider_config: {is_default: true}
  - id: b
    provider: gemini
    active: true
    provider_config: {is_default: true}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseIntegrations([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadIntegrationsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrations.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadIntegrationsFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 integrations, got %d", len(got))
	}

	if _, err := LoadIntegrationsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
