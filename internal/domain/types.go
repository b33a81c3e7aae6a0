package domain

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage  `json:"messages"`
	Model       string         `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	UserID      string         `json:"user_id"`
	ProjectID   *int           `json:"project_id,omitempty"`
	Feature     string         `json:"feature"`
	Timeout     time.Duration  `json:"-"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FinishReason is the normalized reason generation stopped.
// The zero value means the vendor did not report one.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type ChatResponse struct {
	Content          string       `json:"content"`
	Model            string       `json:"model"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	TotalTokens      int          `json:"total_tokens"`
	FinishReason     FinishReason `json:"finish_reason,omitempty"`
}

type StreamChunk struct {
	Delta        string       `json:"delta"`
	Model        string       `json:"model"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

type ModelInfo struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	ContextWindow   int      `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	InputCostPer1K  *float64 `json:"input_cost_per_1k,omitempty" yaml:"input_cost_per_1k,omitempty"`
	OutputCostPer1K *float64 `json:"output_cost_per_1k,omitempty" yaml:"output_cost_per_1k,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

type ProviderType string

const (
	ProviderOpenAI      ProviderType = "openai"
	ProviderAzureOpenAI ProviderType = "azure_openai"
	ProviderAnthropic   ProviderType = "anthropic"
	ProviderGemini      ProviderType = "gemini"
	ProviderOllama      ProviderType = "ollama"
	ProviderCustom      ProviderType = "custom"
)

func (p ProviderType) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAzureOpenAI, ProviderAnthropic, ProviderGemini, ProviderOllama, ProviderCustom:
		return true
	}
	return false
}

type Credentials struct {
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

type ProviderConfig struct {
	DefaultModel        string         `json:"default_model" yaml:"default_model"`
	AvailableModels     []string       `json:"available_models" yaml:"available_models"`
	MaxTokensPerRequest int            `json:"max_tokens_per_request" yaml:"max_tokens_per_request"`
	DefaultTemperature  float64        `json:"default_temperature" yaml:"default_temperature"`
	DefaultMaxTokens    int            `json:"default_max_tokens" yaml:"default_max_tokens"`
	TimeoutMs           int            `json:"timeout_ms" yaml:"timeout_ms"`
	RetryAttempts       int            `json:"retry_attempts" yaml:"retry_attempts"`
	CostPerInputToken   float64        `json:"cost_per_input_token" yaml:"cost_per_input_token"`
	CostPerOutputToken  float64        `json:"cost_per_output_token" yaml:"cost_per_output_token"`
	IsDefault           bool           `json:"is_default" yaml:"is_default"`
	Settings            map[string]any `json:"provider_specific_settings,omitempty" yaml:"provider_specific_settings,omitempty"`
}

// Timeout returns the configured per-call deadline, or zero when unset.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// IntegrationConfig is owned by the configuration store. Adapters treat it as
// read-only input.
type IntegrationConfig struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Provider    ProviderType   `json:"provider" yaml:"provider"`
	Credentials Credentials    `json:"credentials" yaml:"credentials"`
	Config      ProviderConfig `json:"provider_config" yaml:"provider_config"`
	Active      bool           `json:"active" yaml:"active"`
	Deleted     bool           `json:"deleted" yaml:"deleted"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

type RateLimitScope string

const (
	ScopeUser        RateLimitScope = "user"
	ScopeIntegration RateLimitScope = "integration"
)

type RateLimitWindow struct {
	IntegrationID   string         `json:"integration_id"`
	Scope           RateLimitScope `json:"scope"`
	ScopeID         string         `json:"scope_id"`
	WindowStart     time.Time      `json:"window_start"`
	WindowSize      time.Duration  `json:"window_size"`
	MaxRequests     int            `json:"max_requests"`
	CurrentRequests int            `json:"current_requests"`
	BlockOnExceed   bool           `json:"block_on_exceed"`
}

// Expired reports whether now is past the end of the window.
func (w RateLimitWindow) Expired(now time.Time) bool {
	return now.After(w.WindowStart.Add(w.WindowSize))
}

// UsageRecord is an append-only fact written once per request or per
// completed/failed stream.
type UsageRecord struct {
	IntegrationID    string    `json:"integration_id"`
	UserID           string    `json:"user_id"`
	ProjectID        *int      `json:"project_id,omitempty"`
	Feature          string    `json:"feature"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	InputCost        float64   `json:"input_cost"`
	OutputCost       float64   `json:"output_cost"`
	TotalCost        float64   `json:"total_cost"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	Estimated        bool      `json:"estimated"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}
