package manager

import (
	"fmt"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/llm-gateway/internal/provider/azure"
	"github.com/felipepmaragno/llm-gateway/internal/provider/custom"
	"github.com/felipepmaragno/llm-gateway/internal/provider/gemini"
	"github.com/felipepmaragno/llm-gateway/internal/provider/ollama"
	"github.com/felipepmaragno/llm-gateway/internal/provider/openai"
)

// Factory builds the adapter for one integration.
type Factory func(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error)

// DefaultFactory selects the adapter by provider type. Unknown providers fail
// with domain.ErrUnsupportedProvider.
func DefaultFactory(cfg domain.IntegrationConfig, opts ...provider.Option) (provider.Adapter, error) {
	switch cfg.Provider {
	case domain.ProviderOpenAI:
		p, err := openai.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case domain.ProviderAzureOpenAI:
		p, err := azure.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case domain.ProviderAnthropic:
		p, err := anthropic.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case domain.ProviderGemini:
		p, err := gemini.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case domain.ProviderOllama:
		p, err := ollama.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case domain.ProviderCustom:
		p, err := custom.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, cfg.Provider)
	}
}
