package openai

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

const DefaultBaseURL = "https://api.openai.com/v1"

// Dialect decides where an OpenAI-shaped request goes and how it is
// authenticated. The wire format is the same for every dialect.
type Dialect interface {
	ChatURL(model string) (string, error)

	// ModelsURL returns "" when the deployment cannot list models.
	ModelsURL() (string, error)
	Authorize(h http.Header)
}

type publicDialect struct {
	baseURL string
	apiKey  string
}

func (d publicDialect) ChatURL(string) (string, error) {
	return d.baseURL + "/chat/completions", nil
}

func (d publicDialect) ModelsURL() (string, error) {
	return d.baseURL + "/models", nil
}

func (d publicDialect) Authorize(h http.Header) {
	h.Set("Authorization", "Bearer "+d.apiKey)
}

var builtinModels = []domain.ModelInfo{
	{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, MaxOutputTokens: 16384, Capabilities: []string{"chat", "vision"}},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000, MaxOutputTokens: 16384, Capabilities: []string{"chat", "vision"}},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextWindow: 128000, MaxOutputTokens: 4096, Capabilities: []string{"chat", "vision"}},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextWindow: 16385, MaxOutputTokens: 4096, Capabilities: []string{"chat"}},
}

type Provider struct {
	provider.Base
	dialect Dialect
	builtin []domain.ModelInfo
}

// New builds an adapter for the public OpenAI API or any OpenAI-compatible
// server reachable at credentials.baseUrl.
func New(cfg domain.IntegrationConfig, opts ...provider.Option) (*Provider, error) {
	if cfg.Credentials.APIKey == "" {
		return nil, domain.NewAdapterError(string(domain.ProviderOpenAI), domain.CodeMissingAPIKey, "OpenAI API key is required")
	}

	baseURL := strings.TrimRight(cfg.Credentials.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return NewWithDialect(string(domain.ProviderOpenAI), cfg, publicDialect{baseURL: baseURL, apiKey: cfg.Credentials.APIKey}, builtinModels, opts...), nil
}

// NewWithDialect builds an OpenAI-shaped client for another deployment.
// Credentials must already be validated by the caller.
func NewWithDialect(name string, cfg domain.IntegrationConfig, d Dialect, builtin []domain.ModelInfo, opts ...provider.Option) *Provider {
	return &Provider{
		Base:    provider.NewBase(name, cfg, []string{"error.message"}, opts...),
		dialect: d,
		builtin: builtin,
	}
}

// BuiltinModels returns a copy of the static OpenAI catalog.
func BuiltinModels() []domain.ModelInfo {
	out := make([]domain.ModelInfo, len(builtinModels))
	copy(out, builtinModels)
	return out
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type delta struct {
	Content string `json:"content"`
}

// streamChunk also accepts a bare top-level delta, as emitted by some
// OpenAI-compatible servers.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Delta *delta `json:"delta"`
}

func (p *Provider) buildRequest(req domain.ChatRequest, stream bool) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return chatRequest{
		Model:       p.Model(req),
		Messages:    msgs,
		Temperature: p.Temperature(req),
		MaxTokens:   p.MaxTokens(req),
		Stream:      stream,
	}
}

func (p *Provider) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	httpReq, err := p.NewJSONRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	p.dialect.Authorize(httpReq.Header)
	return httpReq, nil
}

func (p *Provider) chatURL(model string) (string, error) {
	url, err := p.dialect.ChatURL(model)
	if err != nil {
		if ae, ok := domain.AsAdapterError(err); ok {
			return "", ae
		}
		return "", p.Error(domain.CodeMissingEndpoint, "%v", err).WithCause(err)
	}
	return url, nil
}

func (p *Provider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	body := p.buildRequest(req, false)
	url, err := p.chatURL(body.Model)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))
	defer cancel()

	httpReq, err := p.newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := p.DoJSON(httpReq, &resp); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, p.Error(domain.CodeEmptyContent, "response contained no choices")
	}

	model := resp.Model
	if model == "" {
		model = body.Model
	}

	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return &domain.ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      total,
		FinishReason:     MapFinishReason(resp.Choices[0].FinishReason),
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	body := p.buildRequest(req, true)
	url, err := p.chatURL(body.Model)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))

	httpReq, err := p.newRequest(ctx, http.MethodPost, url, body)
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

			data := strings.TrimSpace(ev.Data)
			if data == "[DONE]" {
				return domain.StreamChunk{}, io.EOF
			}

			chunk, ok := p.parseChunk(data, &model)
			if ok {
				return chunk, nil
			}
		}
	}

	closer := func() error {
		defer cancel()
		return resp.Body.Close()
	}

	return provider.NewStream(next, closer), nil
}

// parseChunk decodes one SSE payload. It reports false for payloads that
// carry nothing to emit, including malformed ones.
func (p *Provider) parseChunk(data string, model *string) (domain.StreamChunk, bool) {
	var sc streamChunk
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		p.Logger().Debug("skipping malformed stream chunk", "error", err)
		return domain.StreamChunk{}, false
	}
	if sc.Model != "" {
		*model = sc.Model
	}

	chunk := domain.StreamChunk{Model: *model}
	switch {
	case len(sc.Choices) > 0:
		chunk.Delta = sc.Choices[0].Delta.Content
		if fr := sc.Choices[0].FinishReason; fr != nil {
			chunk.FinishReason = MapFinishReason(*fr)
		}
	case sc.Delta != nil:
		chunk.Delta = sc.Delta.Content
	}

	return chunk, chunk.Delta != "" || chunk.FinishReason != ""
}

type modelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

func (p *Provider) AvailableModels(ctx context.Context) []domain.ModelInfo {
	url, err := p.dialect.ModelsURL()
	if err != nil || url == "" {
		return p.Fallback(p.builtin)
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	httpReq, err := p.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p.Fallback(p.builtin)
	}

	var resp modelsResponse
	if err := p.DoJSON(httpReq, &resp); err != nil {
		p.Logger().Warn("model listing failed, using static catalog", "error", err)
		return p.Fallback(p.builtin)
	}

	known := make(map[string]domain.ModelInfo, len(p.builtin))
	for _, m := range p.builtin {
		known[m.ID] = m
	}

	var models []domain.ModelInfo
	for _, m := range resp.Data {
		if !isChatModel(m.ID) {
			continue
		}
		if info, ok := known[m.ID]; ok {
			models = append(models, info)
			continue
		}
		models = append(models, domain.ModelInfo{ID: m.ID, Name: m.ID, Capabilities: []string{"chat"}})
	}

	if len(models) == 0 {
		return p.Fallback(p.builtin)
	}
	return models
}

func isChatModel(id string) bool {
	return strings.HasPrefix(id, "gpt-") || strings.HasPrefix(id, "o1") ||
		strings.HasPrefix(id, "o3") || strings.HasPrefix(id, "chatgpt-")
}

func (p *Provider) IsModelAvailable(ctx context.Context, modelID string) bool {
	return provider.HasModel(p.AvailableModels(ctx), modelID)
}

func (p *Provider) TestConnection(ctx context.Context) bool {
	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	model := p.Config().Config.DefaultModel
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	url, err := p.chatURL(model)
	if err != nil {
		return false
	}

	body := chatRequest{
		Model:     model,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	httpReq, err := p.newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return false
	}
	return p.Probe(httpReq)
}

// MapFinishReason normalizes an OpenAI finish_reason. An empty value means
// none was reported.
func MapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "":
		return ""
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "content_filter":
		return domain.FinishContentFilter
	default:
		return domain.FinishError
	}
}

var _ provider.Adapter = (*Provider)(nil)
