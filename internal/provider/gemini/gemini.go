package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/sse"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var builtinModels = []domain.ModelInfo{
	{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextWindow: 2097152, MaxOutputTokens: 8192, Capabilities: []string{"chat", "vision"}},
	{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextWindow: 1048576, MaxOutputTokens: 8192, Capabilities: []string{"chat", "vision"}},
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1048576, MaxOutputTokens: 8192, Capabilities: []string{"chat", "vision"}},
}

type Provider struct {
	provider.Base
	apiKey  string
	baseURL string
}

func New(cfg domain.IntegrationConfig, opts ...provider.Option) (*Provider, error) {
	if cfg.Credentials.APIKey == "" {
		return nil, domain.NewAdapterError(string(domain.ProviderGemini), domain.CodeMissingAPIKey, "Gemini API key is required")
	}

	baseURL := strings.TrimRight(cfg.Credentials.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Provider{
		Base:    provider.NewBase(string(domain.ProviderGemini), cfg, []string{"error.message", "0.error.message"}, opts...),
		apiKey:  cfg.Credentials.APIKey,
		baseURL: baseURL,
	}, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type generateResponse struct {
	Candidates     []candidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (r generateResponse) finishReason() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].FinishReason
}

func (r generateResponse) blockReason() string {
	if r.PromptFeedback != nil {
		return r.PromptFeedback.BlockReason
	}
	return ""
}

// toGeminiRequest joins all system messages and prepends them to the first
// user turn. Assistant turns use Gemini's "model" role.
func (p *Provider) toGeminiRequest(req domain.ChatRequest) generateRequest {
	var system []string
	contents := make([]content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}

	if len(system) > 0 {
		prefix := strings.Join(system, "\n\n")
		injected := false
		for i := range contents {
			if contents[i].Role == "user" {
				contents[i].Parts[0].Text = prefix + "\n\n" + contents[i].Parts[0].Text
				injected = true
				break
			}
		}
		if !injected {
			contents = append([]content{{Role: "user", Parts: []part{{Text: prefix}}}}, contents...)
		}
	}

	out := generateRequest{Contents: contents}
	temp := p.Temperature(req)
	maxTokens := p.MaxTokens(req)
	if temp != nil || maxTokens > 0 {
		out.GenerationConfig = &generationConfig{Temperature: temp, MaxOutputTokens: maxTokens}
	}
	return out
}

func (p *Provider) modelURL(model, method string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", p.apiKey)
	return p.baseURL + "/models/" + url.PathEscape(model) + ":" + method + "?" + query.Encode()
}

func (p *Provider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))
	defer cancel()

	model := p.Model(req)
	httpReq, err := p.NewJSONRequest(ctx, http.MethodPost, p.modelURL(model, "generateContent", nil), p.toGeminiRequest(req))
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := p.DoJSON(httpReq, &resp); err != nil {
		return nil, err
	}

	text := resp.text()
	finish := resp.finishReason()

	if text == "" && (finish == "SAFETY" || resp.blockReason() != "") {
		reason := finish
		if reason == "" {
			reason = resp.blockReason()
		}
		return nil, p.Error(domain.CodeContentBlocked, "response blocked by safety filters").
			WithDetail("reason", reason)
	}
	if len(resp.Candidates) == 0 {
		return nil, p.Error(domain.CodeEmptyContent, "response contained no candidates")
	}

	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}

	usage := resp.UsageMetadata
	total := usage.TotalTokenCount
	if total == 0 {
		total = usage.PromptTokenCount + usage.CandidatesTokenCount
	}

	return &domain.ChatResponse{
		Content:          text,
		Model:            model,
		PromptTokens:     usage.PromptTokenCount,
		CompletionTokens: usage.CandidatesTokenCount,
		TotalTokens:      total,
		FinishReason:     mapFinishReason(finish),
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))

	model := p.Model(req)
	u := p.modelURL(model, "streamGenerateContent", url.Values{"alt": {"sse"}})
	httpReq, err := p.NewJSONRequest(ctx, http.MethodPost, u, p.toGeminiRequest(req))
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
	emitted := false

	next := func() (domain.StreamChunk, error) {
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return domain.StreamChunk{}, io.EOF
			}
			if err != nil {
				return domain.StreamChunk{}, provider.StreamReadError(ctx, p.ProviderName(), err)
			}

			var gr generateResponse
			if err := json.Unmarshal([]byte(ev.Data), &gr); err != nil {
				p.Logger().Debug("skipping malformed stream chunk", "error", err)
				continue
			}

			text := gr.text()
			finish := gr.finishReason()
			if !emitted && text == "" && (finish == "SAFETY" || gr.blockReason() != "") {
				return domain.StreamChunk{}, p.Error(domain.CodeContentBlocked, "response blocked by safety filters")
			}
			if gr.ModelVersion != "" {
				model = gr.ModelVersion
			}
			if text == "" && finish == "" {
				continue
			}

			emitted = true
			return domain.StreamChunk{
				Delta:        text,
				Model:        model,
				FinishReason: mapFinishReason(finish),
			}, nil
		}
	}

	closer := func() error {
		defer cancel()
		return resp.Body.Close()
	}

	return provider.NewStream(next, closer), nil
}

type listModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		InputTokenLimit            int      `json:"inputTokenLimit"`
		OutputTokenLimit           int      `json:"outputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

func (p *Provider) modelsRequest(ctx context.Context) (*http.Request, error) {
	return p.NewJSONRequest(ctx, http.MethodGet, p.baseURL+"/models?"+url.Values{"key": {p.apiKey}}.Encode(), nil)
}

func (p *Provider) AvailableModels(ctx context.Context) []domain.ModelInfo {
	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	httpReq, err := p.modelsRequest(ctx)
	if err != nil {
		return p.Fallback(builtinModels)
	}

	var resp listModelsResponse
	if err := p.DoJSON(httpReq, &resp); err != nil {
		p.Logger().Warn("model listing failed, using static catalog", "error", err)
		return p.Fallback(builtinModels)
	}

	var models []domain.ModelInfo
	for _, m := range resp.Models {
		if !supports(m.SupportedGenerationMethods, "generateContent") {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		name := m.DisplayName
		if name == "" {
			name = id
		}
		models = append(models, domain.ModelInfo{
			ID:              id,
			Name:            name,
			ContextWindow:   m.InputTokenLimit,
			MaxOutputTokens: m.OutputTokenLimit,
			Capabilities:    []string{"chat"},
		})
	}

	if len(models) == 0 {
		return p.Fallback(builtinModels)
	}
	return models
}

func supports(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

func (p *Provider) IsModelAvailable(ctx context.Context, modelID string) bool {
	return provider.HasModel(p.AvailableModels(ctx), modelID)
}

func (p *Provider) TestConnection(ctx context.Context) bool {
	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	httpReq, err := p.modelsRequest(ctx)
	if err != nil {
		return false
	}
	return p.Probe(httpReq)
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "":
		return ""
	case "STOP":
		return domain.FinishStop
	case "MAX_TOKENS":
		return domain.FinishLength
	case "SAFETY", "RECITATION":
		return domain.FinishContentFilter
	default:
		return domain.FinishError
	}
}

var _ provider.Adapter = (*Provider)(nil)
