package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/sse"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

var builtinModels = []domain.ModelInfo{
	{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200000, MaxOutputTokens: 8192, Capabilities: []string{"chat", "vision"}},
	{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextWindow: 200000, MaxOutputTokens: 8192, Capabilities: []string{"chat"}},
	{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextWindow: 200000, MaxOutputTokens: 4096, Capabilities: []string{"chat", "vision"}},
	{ID: "claude-3-sonnet-20240229", Name: "Claude 3 Sonnet", ContextWindow: 200000, MaxOutputTokens: 4096, Capabilities: []string{"chat", "vision"}},
	{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextWindow: 200000, MaxOutputTokens: 4096, Capabilities: []string{"chat", "vision"}},
}

type Provider struct {
	provider.Base
	apiKey  string
	baseURL string
}

func New(cfg domain.IntegrationConfig, opts ...provider.Option) (*Provider, error) {
	if cfg.Credentials.APIKey == "" {
		return nil, domain.NewAdapterError(string(domain.ProviderAnthropic), domain.CodeMissingAPIKey, "Anthropic API key is required")
	}

	baseURL := strings.TrimRight(cfg.Credentials.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Provider{
		Base:    provider.NewBase(string(domain.ProviderAnthropic), cfg, []string{"error.message"}, opts...),
		apiKey:  cfg.Credentials.APIKey,
		baseURL: baseURL,
	}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string `json:"model"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *Provider) toAnthropicRequest(req domain.ChatRequest, stream bool) anthropicRequest {
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	maxTokens := p.MaxTokens(req)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return anthropicRequest{
		Model:       p.Model(req),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: p.Temperature(req),
		Stream:      stream,
		System:      strings.Join(system, "\n\n"),
	}
}

func (p *Provider) newRequest(ctx context.Context, body anthropicRequest) (*http.Request, error) {
	httpReq, err := p.NewJSONRequest(ctx, http.MethodPost, p.baseURL+"/messages", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (p *Provider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))
	defer cancel()

	body := p.toAnthropicRequest(req, false)
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := p.DoJSON(httpReq, &resp); err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	model := resp.Model
	if model == "" {
		model = body.Model
	}

	return &domain.ChatResponse{
		Content:          content.String(),
		Model:            model,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		FinishReason:     mapStopReason(resp.StopReason),
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))

	body := p.toAnthropicRequest(req, true)
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	reader := sse.NewReader(resp.Body)
	model := body.Model

	next := func() (domain.StreamChunk, error) {
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return domain.StreamChunk{}, io.EOF
			}
			if err != nil {
				return domain.StreamChunk{}, provider.StreamReadError(ctx, p.ProviderName(), err)
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				p.Logger().Debug("skipping malformed stream event", "event", ev.Type, "error", err)
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil && event.Message.Model != "" {
					model = event.Message.Model
				}
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Text != "" {
					return domain.StreamChunk{Delta: event.Delta.Text, Model: model}, nil
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					return domain.StreamChunk{Model: model, FinishReason: mapStopReason(event.Delta.StopReason)}, nil
				}
			case "message_stop":
				return domain.StreamChunk{}, io.EOF
			case "error":
				msg := "stream error"
				if event.Error != nil && event.Error.Message != "" {
					msg = event.Error.Message
				}
				return domain.StreamChunk{}, p.Error(domain.CodeStreamError, "%s", msg)
			}
		}
	}

	closer := func() error {
		defer cancel()
		return resp.Body.Close()
	}

	return provider.NewStream(next, closer), nil
}

// AvailableModels returns the static catalog; the Messages API has no
// listing endpoint this adapter depends on.
func (p *Provider) AvailableModels(ctx context.Context) []domain.ModelInfo {
	return p.Fallback(builtinModels)
}

func (p *Provider) IsModelAvailable(ctx context.Context, modelID string) bool {
	return provider.HasModel(p.AvailableModels(ctx), modelID)
}

func (p *Provider) TestConnection(ctx context.Context) bool {
	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	model := p.Config().Config.DefaultModel
	if model == "" {
		model = builtinModels[len(builtinModels)-1].ID
	}

	httpReq, err := p.newRequest(ctx, anthropicRequest{
		Model:     model,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return false
	}
	return p.Probe(httpReq)
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "":
		return ""
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	default:
		return domain.FinishError
	}
}

var _ provider.Adapter = (*Provider)(nil)
