package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New(domain.IntegrationConfig{
		ID:          "int-gemini",
		Provider:    domain.ProviderGemini,
		Credentials: domain.Credentials{APIKey: "g-key", BaseURL: url},
		Config:      domain.ProviderConfig{DefaultModel: "gemini-1.5-flash"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func chatRequest() domain.ChatRequest {
	return domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be terse"},
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi"},
			{Role: domain.RoleUser, Content: "how are you"},
		},
	}
}

func TestChat(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)

		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Fine, "}, {"text": "thanks."}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 4, "totalTokenCount": 14},
			"modelVersion": "gemini-1.5-flash-002"
		}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	resp, err := p.Chat(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Content != "Fine, thanks." || resp.Model != "gemini-1.5-flash-002" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.TotalTokens != resp.PromptTokens+resp.CompletionTokens {
		t.Errorf("usage = %+v", resp)
	}
	if resp.FinishReason != domain.FinishStop {
		t.Errorf("finish = %q", resp.FinishReason)
	}

	if len(got.Contents) != 3 {
		t.Fatalf("contents = %+v", got.Contents)
	}
	if got.Contents[0].Role != "user" || got.Contents[0].Parts[0].Text != "be terse\n\nhello" {
		t.Errorf("first turn = %+v", got.Contents[0])
	}
	if got.Contents[1].Role != "model" {
		t.Errorf("assistant role = %q, want model", got.Contents[1].Role)
	}
}

func TestChat_TransportErrorHidesAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := newTestProvider(t, url)
	_, err := p.Chat(context.Background(), chatRequest())

	ae, ok := domain.AsAdapterError(err)
	if !ok {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if ae.Code != domain.CodeUnknown {
		t.Errorf("Code = %s", ae.Code)
	}
	if strings.Contains(ae.Message, "g-key") || strings.Contains(err.Error(), "g-key") {
		t.Errorf("API key in error message: %q", ae.Message)
	}
	if !strings.HasPrefix(ae.Message, "request failed: Post: ") {
		t.Errorf("Message = %q", ae.Message)
	}
}

func TestChat_SafetyBlocked(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"finish safety", `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`},
		{"null content", `{"candidates":[{"finishReason":"SAFETY"}]}`},
		{"prompt blocked", `{"promptFeedback":{"blockReason":"SAFETY"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestProvider(t, srv.URL).Chat(context.Background(), chatRequest())
			ae, ok := domain.AsAdapterError(err)
			if !ok || ae.Code != domain.CodeContentBlocked {
				t.Errorf("Chat() error = %v, want CONTENT_BLOCKED", err)
			}
		})
	}
}

func TestChat_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).Chat(context.Background(), chatRequest())
	if ae, ok := domain.AsAdapterError(err); !ok || ae.Code != domain.CodeEmptyContent {
		t.Errorf("Chat() error = %v, want EMPTY_CONTENT", err)
	}
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:streamGenerateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"One\"}]}}]}\n\n" +
				"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\" two\"}]},\"finishReason\":\"MAX_TOKENS\"}]}\n\n"))
	}))
	defer srv.Close()

	s, err := newTestProvider(t, srv.URL).ChatStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	defer s.Close()

	var chunks []domain.StreamChunk
	for s.Next() {
		chunks = append(chunks, s.Chunk())
	}
	if s.Err() != nil {
		t.Fatalf("stream error = %v", s.Err())
	}
	if len(chunks) != 2 || chunks[0].Delta != "One" || chunks[1].Delta != " two" {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[1].FinishReason != domain.FinishLength {
		t.Errorf("finish = %q", chunks[1].FinishReason)
	}
}

func TestChatStream_Blocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"candidates\":[{\"finishReason\":\"SAFETY\"}]}\n\n"))
	}))
	defer srv.Close()

	s, err := newTestProvider(t, srv.URL).ChatStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	_, err = provider.Collect(s)
	if ae, ok := domain.AsAdapterError(err); !ok || ae.Code != domain.CodeContentBlocked {
		t.Errorf("stream error = %v, want CONTENT_BLOCKED", err)
	}
}

func TestAvailableModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[
			{"name":"models/gemini-1.5-pro","displayName":"Gemini 1.5 Pro","inputTokenLimit":2097152,"outputTokenLimit":8192,"supportedGenerationMethods":["generateContent","countTokens"]},
			{"name":"models/text-embedding-004","supportedGenerationMethods":["embedContent"]}
		]}`))
	}))
	defer srv.Close()

	models := newTestProvider(t, srv.URL).AvailableModels(context.Background())
	if len(models) != 1 || models[0].ID != "gemini-1.5-pro" || models[0].ContextWindow != 2097152 {
		t.Errorf("models = %+v", models)
	}
}

func TestAvailableModels_Fallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	models := p.AvailableModels(context.Background())
	if len(models) != len(builtinModels) {
		t.Errorf("models = %+v", models)
	}
	if p.TestConnection(context.Background()) {
		t.Error("403 should not count as reachable")
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := map[string]domain.FinishReason{
		"STOP":       domain.FinishStop,
		"MAX_TOKENS": domain.FinishLength,
		"SAFETY":     domain.FinishContentFilter,
		"RECITATION": domain.FinishContentFilter,
		"OTHER":      domain.FinishError,
	}
	for in, want := range tests {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
