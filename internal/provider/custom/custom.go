// Package custom adapts arbitrary HTTP chat endpoints whose request and
// response shapes are described in the integration settings. Field lookups
// that do not match the payload yield empty values rather than errors.
package custom

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/dotpath"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/sse"
)

// Shapes tried, in order, when no content mapping is configured or it does
// not resolve.
var contentPaths = []string{"choices.0.message.content", "message.content", "content", "text", "output", "response"}

// Stream payload shapes tried before the configured streamContentPath.
var deltaPaths = []string{"choices.0.delta.content", "delta.content", "message.content", "content", "text"}

type Provider struct {
	provider.Base
	endpoint string
	apiKey   string
	settings settings

	deltaPaths []string
}

func New(cfg domain.IntegrationConfig, opts ...provider.Option) (*Provider, error) {
	endpoint := cfg.Credentials.Endpoint
	if endpoint == "" {
		endpoint = cfg.Credentials.BaseURL
	}
	if endpoint == "" {
		return nil, domain.NewAdapterError(string(domain.ProviderCustom), domain.CodeMissingEndpoint, "custom provider endpoint is required")
	}

	s := parseSettings(cfg.Config.Settings)
	return &Provider{
		Base:       provider.NewBase(string(domain.ProviderCustom), cfg, []string{"error.message", "detail"}, opts...),
		endpoint:   endpoint,
		apiKey:     cfg.Credentials.APIKey,
		settings:   s,
		deltaPaths: append(append([]string{}, deltaPaths...), s.StreamContentPath),
	}, nil
}

func (p *Provider) authorize(h http.Header) {
	for k, v := range p.settings.Headers {
		h.Set(k, v)
	}
	if p.apiKey != "" {
		h.Set(p.settings.AuthHeader, p.settings.AuthPrefix+p.apiKey)
	}
}

// buildBody merges caller fields over the request template.
func (p *Provider) buildBody(req domain.ChatRequest, stream bool) map[string]any {
	body, _ := deepCopy(p.settings.RequestTemplate).(map[string]any)
	if body == nil {
		body = map[string]any{}
	}

	var system []string
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem && p.settings.SystemMessagePath != "" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
	}

	p.set(body, p.settings.field(fieldModel), p.Model(req))
	p.set(body, p.settings.field(fieldMessages), messages)
	if len(system) > 0 {
		p.set(body, p.settings.SystemMessagePath, strings.Join(system, "\n\n"))
	}
	if t := p.Temperature(req); t != nil {
		p.set(body, p.settings.field(fieldTemperature), *t)
	}
	if n := p.MaxTokens(req); n > 0 {
		p.set(body, p.settings.field(fieldMaxTokens), n)
	}
	if stream {
		p.set(body, p.settings.field(fieldStream), true)
	}
	return body
}

func (p *Provider) set(body map[string]any, path string, value any) {
	if !dotpath.Set(body, path, value) {
		p.Logger().Debug("request field not set", "path", path)
	}
}

func (p *Provider) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	httpReq, err := p.NewJSONRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	p.authorize(httpReq.Header)
	return httpReq, nil
}

func (p *Provider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))
	defer cancel()

	httpReq, err := p.newRequest(ctx, p.settings.Method, p.endpoint, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}

	var doc any
	if err := p.DoJSON(httpReq, &doc); err != nil {
		return nil, err
	}

	return p.parseResponse(doc, p.Model(req)), nil
}

func (p *Provider) parseResponse(doc any, requestModel string) *domain.ChatResponse {
	rm := p.settings.Response
	resp := &domain.ChatResponse{}

	resp.Content = firstString(doc, append([]string{rm.Content}, contentPaths...))
	resp.Model = firstString(doc, []string{rm.Model, "model"})
	if resp.Model == "" {
		resp.Model = requestModel
	}

	resp.PromptTokens = firstInt(doc, rm.PromptTokens, "usage.prompt_tokens", "usage.input_tokens")
	resp.CompletionTokens = firstInt(doc, rm.CompletionTokens, "usage.completion_tokens", "usage.output_tokens")
	resp.TotalTokens = firstInt(doc, rm.TotalTokens, "usage.total_tokens")
	if resp.TotalTokens == 0 {
		resp.TotalTokens = resp.PromptTokens + resp.CompletionTokens
	}

	resp.FinishReason = p.finishReason(doc)
	if resp.FinishReason == "" {
		resp.FinishReason = domain.FinishStop
	}
	return resp
}

// finishReason reads an explicit finish_reason or a done flag. It returns ""
// when the payload carries neither.
func (p *Provider) finishReason(doc any) domain.FinishReason {
	if reason := firstString(doc, []string{p.settings.Response.FinishReason, "choices.0.finish_reason", "finish_reason", "stop_reason"}); reason != "" {
		return mapFinishReason(reason)
	}
	if done, ok := dotpath.GetBool(doc, "done"); ok && done {
		return domain.FinishStop
	}
	return ""
}

func mapFinishReason(reason string) domain.FinishReason {
	switch strings.ToLower(reason) {
	case "length", "max_tokens":
		return domain.FinishLength
	case "content_filter", "safety":
		return domain.FinishContentFilter
	case "error":
		return domain.FinishError
	default:
		return domain.FinishStop
	}
}

func (p *Provider) ChatStream(ctx context.Context, req domain.ChatRequest) (*provider.Stream, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(req))

	httpReq, err := p.newRequest(ctx, p.settings.Method, p.endpoint, p.buildBody(req, true))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	resp, err := p.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	payloads := payloadReader(resp)
	model := p.Model(req)
	finished := false

	next := func() (domain.StreamChunk, error) {
		for !finished {
			data, err := payloads()
			if errors.Is(err, io.EOF) {
				return domain.StreamChunk{}, io.EOF
			}
			if err != nil {
				return domain.StreamChunk{}, provider.StreamReadError(ctx, p.ProviderName(), err)
			}

			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return domain.StreamChunk{}, io.EOF
			}

			var doc any
			if err := json.Unmarshal([]byte(data), &doc); err != nil {
				p.Logger().Debug("skipping malformed stream chunk", "error", err)
				continue
			}

			if m, ok := dotpath.GetString(doc, "model"); ok && m != "" {
				model = m
			}

			chunk := domain.StreamChunk{
				Delta:        firstString(doc, p.deltaPaths),
				Model:        model,
				FinishReason: p.finishReason(doc),
			}
			if done, ok := dotpath.GetBool(doc, "done"); ok && done {
				finished = true
			}
			if chunk.Delta == "" && chunk.FinishReason == "" {
				continue
			}
			return chunk, nil
		}
		return domain.StreamChunk{}, io.EOF
	}

	closer := func() error {
		defer cancel()
		return resp.Body.Close()
	}

	return provider.NewStream(next, closer), nil
}

// payloadReader yields raw JSON payloads from an SSE or NDJSON body, chosen
// by content type.
func payloadReader(resp *http.Response) func() (string, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		r := sse.NewReader(resp.Body)
		return func() (string, error) {
			ev, err := r.Next()
			if err != nil {
				return "", err
			}
			return ev.Data, nil
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return func() (string, error) {
		if scanner.Scan() {
			return scanner.Text(), nil
		}
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
}

func (p *Provider) AvailableModels(ctx context.Context) []domain.ModelInfo {
	if models := p.staticModels(); len(models) > 0 {
		return models
	}
	if p.settings.ModelsEndpoint == "" {
		return p.fallbackModels()
	}

	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	httpReq, err := p.newRequest(ctx, http.MethodGet, p.settings.ModelsEndpoint, nil)
	if err != nil {
		return p.fallbackModels()
	}

	var doc any
	if err := p.DoJSON(httpReq, &doc); err != nil {
		p.Logger().Warn("model listing failed, using configured models", "error", err)
		return p.fallbackModels()
	}

	models := p.modelsFrom(doc)
	if len(models) == 0 {
		return p.fallbackModels()
	}
	return models
}

func (p *Provider) staticModels() []domain.ModelInfo {
	if len(p.settings.Models) == 0 {
		return nil
	}
	return p.toModels(p.settings.Models)
}

func (p *Provider) modelsFrom(doc any) []domain.ModelInfo {
	var items []any
	if p.settings.ModelsResponsePath != "" {
		if v, ok := dotpath.Get(doc, p.settings.ModelsResponsePath); ok {
			items, _ = v.([]any)
		}
	} else {
		for _, path := range []string{"data", "models"} {
			if v, ok := dotpath.Get(doc, path); ok {
				if list, ok := v.([]any); ok {
					items = list
					break
				}
			}
		}
		if items == nil {
			items, _ = doc.([]any)
		}
	}
	return p.toModels(items)
}

// toModels converts catalog entries, which may be bare ids or objects.
func (p *Provider) toModels(items []any) []domain.ModelInfo {
	fm := p.settings.ModelsFields
	var models []domain.ModelInfo
	for _, item := range items {
		if id, ok := item.(string); ok {
			if id != "" {
				models = append(models, domain.ModelInfo{ID: id, Name: id})
			}
			continue
		}

		id, _ := dotpath.GetString(item, fm.ID)
		if id == "" {
			continue
		}
		name, _ := dotpath.GetString(item, fm.Name)
		if name == "" {
			name = id
		}
		ctxWindow, _ := dotpath.GetInt(item, fm.ContextWindow)
		maxOut, _ := dotpath.GetInt(item, fm.MaxOutputTokens)

		models = append(models, domain.ModelInfo{
			ID:              id,
			Name:            name,
			ContextWindow:   ctxWindow,
			MaxOutputTokens: maxOut,
		})
	}
	return models
}

func (p *Provider) fallbackModels() []domain.ModelInfo {
	if models := p.ConfiguredModels(); len(models) > 0 {
		return models
	}
	if m := p.Config().Config.DefaultModel; m != "" {
		return []domain.ModelInfo{{ID: m, Name: m}}
	}
	return []domain.ModelInfo{}
}

func (p *Provider) IsModelAvailable(ctx context.Context, modelID string) bool {
	return provider.HasModel(p.AvailableModels(ctx), modelID)
}

func (p *Provider) TestConnection(ctx context.Context) bool {
	ctx, cancel := p.WithDeadline(ctx, p.Timeout(domain.ChatRequest{}))
	defer cancel()

	var (
		httpReq *http.Request
		err     error
	)
	if p.settings.ModelsEndpoint != "" {
		httpReq, err = p.newRequest(ctx, http.MethodGet, p.settings.ModelsEndpoint, nil)
	} else {
		one := 1
		body := p.buildBody(domain.ChatRequest{
			Messages:  []domain.ChatMessage{{Role: domain.RoleUser, Content: "ping"}},
			MaxTokens: &one,
		}, false)
		httpReq, err = p.newRequest(ctx, p.settings.Method, p.endpoint, body)
	}
	if err != nil {
		return false
	}
	return p.Probe(httpReq)
}

func firstString(doc any, paths []string) string {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if s, ok := dotpath.GetString(doc, path); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(doc any, paths ...string) int {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if n, ok := dotpath.GetInt(doc, path); ok && n >= 0 {
			return n
		}
	}
	return 0
}

var _ provider.Adapter = (*Provider)(nil)
