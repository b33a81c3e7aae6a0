package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const DefaultBaseURL = "http://localhost:11434"

var builtinModels = []domain.ModelInfo{
	{ID: "llama3.2", Name: "Llama 3.2", ContextWindow: 131072, Capabilities: []string{"chat"}},
	{ID: "llama3.1", Name: "Llama 3.1", ContextWindow: 131072, Capabilities: []string{"chat"}},
	{ID: "mistral", Name: "Mistral", ContextWindow: 32768, Capabilities: []string{"chat"}},
	{ID: "qwen2.5", Name: "Qwen 2.5", ContextWindow: 32768, Capabilities: []string{"chat"}},
}

// Provider talks to a local Ollama daemon. No credentials are required.
type Provider struct {
	provider.Base
	baseURL string
}

func New(cfg domain.IntegrationConfig, opts ...provider.Option) (*Provider, error) {
	baseURL := cfg.Credentials.BaseURL
	if baseURL == "" {
		baseURL = cfg.Credentials.Endpoint
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Provider{
		Base:    provider.NewBase(string(domain.ProviderOllama), cfg, nil, opts...),
		baseURL: baseURL,
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Details struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

func (p *Provider) toOllamaRequest(req domain.ChatRequest, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{Role: string(m.Role), Content: m.Content}
	}

	out := ollamaChatRequest{
		Model:    p.Model(req),
		Messages: messages,
		Stream:   stream,
	}

	temp := p.Temperature(req)
	maxTokens := p.MaxTokens(req)
	if temp != nil || maxTokens > 0 {
		out.Options = &ollamaOptions{Temperature: temp, NumPredict: maxTokens}
	}
	return out
}

func doneReason(done bool) domain.FinishReason {
	if done {
		return domain.FinishStop
	}
	return domain.FinishError
}

func (p *Provider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))
	defer cancel()

	body := p.toOllamaRequest(req, false)
	httpReq, err := p.NewJSONRequest(ctx, http.MethodPost, p.baseURL+"/api/chat", body)
	if err != nil {
		return nil, err
	}

	var resp ollamaChatResponse
	if err := p.DoJSON(httpReq, &resp); err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = body.Model
	}

	return &domain.ChatResponse{
		Content:          resp.Message.Content,
		Model:            model,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		FinishReason:     doneReason(resp.Done),
	}, nil
}

// ChatStream reads newline-delimited JSON objects until one reports done.
func (p *Provider) ChatStream(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))

	body := p.toOllamaRequest(req, true)
	httpReq, err := p.NewJSONRequest(ctx, http.MethodPost, p.baseURL+"/api/chat", body)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := p.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	finished := false

	next := func() (domain.StreamChunk, error) {
		for !finished && scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var chunk ollamaChatResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				p.Logger().Debug("skipping malformed stream chunk", "error", err)
				continue
			}
			if chunk.Error != "" {
				return domain.StreamChunk{}, p.Error(domain.CodeStreamError, "%s", chunk.Error)
			}

			model := chunk.Model
			if model == "" {
				model = body.Model
			}

			out := domain.StreamChunk{Delta: chunk.Message.Content, Model: model}
			if chunk.Done {
				finished = true
				out.FinishReason = domain.FinishStop
			}
			if out.Delta == "" && out.FinishReason == "" {
				continue
			}
			return out, nil
		}

		if err := scanner.Err(); err != nil {
			return domain.StreamChunk{}, provider.StreamReadError(ctx, p.ProviderName(), err)
		}
		if !finished {
			// The daemon closed the body without a done marker.
			finished = true
			return domain.StreamChunk{Model: body.Model, FinishReason: doneReason(false)}, nil
		}
		return domain.StreamChunk{}, io.EOF
	}

	closer := func() error {
		defer cancel()
		return resp.Body.Close()
	}

	return provider.NewStream(next, closer), nil
}

func (p *Provider) AvailableModels(ctx context.Context) []domain.ModelInfo {
	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	httpReq, err := p.NewJSONRequest(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return p.Fallback(builtinModels)
	}

	var tags ollamaTagsResponse
	if err := p.DoJSON(httpReq, &tags); err != nil {
		p.Logger().Warn("model listing failed, using static catalog", "error", err)
		return p.Fallback(builtinModels)
	}

	models := make([]domain.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		id := m.Name
		if id == "" {
			id = m.Model
		}
		models = append(models, domain.ModelInfo{
			ID:           id,
			Name:         id,
			Capabilities: []string{"chat"},
		})
	}
	return models
}

// IsModelAvailable also matches an untagged id against its ":latest" tag.
func (p *Provider) IsModelAvailable(ctx context.Context, modelID string) bool {
	models := p.AvailableModels(ctx)
	if provider.HasModel(models, modelID) {
		return true
	}
	return !strings.Contains(modelID, ":") && provider.HasModel(models, modelID+":latest")
}

func (p *Provider) TestConnection(ctx context.Context) bool {
	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	httpReq, err := p.NewJSONRequest(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	return p.Probe(httpReq)
}

type pullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type pullResponse struct {
	Status string `json:"status"`
}

// PullModel downloads model into the daemon and blocks until it finishes.
func (p *Provider) PullModel(ctx context.Context, model string) error {
	if model == "" {
		return p.Error(domain.CodeInvalidRequest, "model name is required")
	}

	httpReq, err := p.NewJSONRequest(ctx, http.MethodPost, p.baseURL+"/api/pull", pullRequest{Model: model})
	if err != nil {
		return err
	}

	var resp pullResponse
	if err := p.DoJSON(httpReq, &resp); err != nil {
		return err
	}
	if resp.Status != "" && resp.Status != "success" {
		return p.Error(domain.CodeUnknown, "pull %s ended with status %q", model, resp.Status)
	}

	p.Logger().Info("model pulled", "model", model)
	return nil
}

// DeleteModel removes model from the daemon.
func (p *Provider) DeleteModel(ctx context.Context, model string) error {
	if model == "" {
		return p.Error(domain.CodeInvalidRequest, "model name is required")
	}

	httpReq, err := p.NewJSONRequest(ctx, http.MethodDelete, p.baseURL+"/api/delete", map[string]string{"model": model})
	if err != nil {
		return err
	}

	resp, err := p.Do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()

	p.Logger().Info("model deleted", "model", model)
	return nil
}

var (
	_ provider.Adapter      = (*Provider)(nil)
	_ provider.ModelManager = (*Provider)(nil)
)
