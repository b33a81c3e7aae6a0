package custom

import (
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/dotpath"
)

// Standard request fields that fieldMapping may rename.
const (
	fieldModel       = "model"
	fieldMessages    = "messages"
	fieldTemperature = "temperature"
	fieldMaxTokens   = "max_tokens"
	fieldStream      = "stream"
)

type responseMapping struct {
	Content          string
	Model            string
	PromptTokens     string
	CompletionTokens string
	TotalTokens      string
	FinishReason     string
}

type modelsMapping struct {
	ID              string
	Name            string
	ContextWindow   string
	MaxOutputTokens string
}

// settings is the parsed form of providerConfig.settings. Every key is
// optional and a value of the wrong type is treated as absent.
type settings struct {
	Method            string
	Headers           map[string]string
	AuthHeader        string
	AuthPrefix        string
	RequestTemplate   map[string]any
	FieldMapping      map[string]string
	SystemMessagePath string
	Response          responseMapping
	StreamContentPath string

	Models             []any
	ModelsEndpoint     string
	ModelsResponsePath string
	ModelsFields       modelsMapping
}

func parseSettings(raw map[string]any) settings {
	s := settings{
		Method:     http.MethodPost,
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
		Headers:    map[string]string{},
	}

	if v, ok := dotpath.GetString(raw, "method"); ok && v != "" {
		s.Method = strings.ToUpper(v)
	}
	if v, ok := dotpath.GetString(raw, "authHeader"); ok && v != "" {
		s.AuthHeader = v
	}
	if v, ok := raw["authPrefix"].(string); ok {
		s.AuthPrefix = v
	}
	s.SystemMessagePath, _ = dotpath.GetString(raw, "systemMessagePath")
	s.StreamContentPath, _ = dotpath.GetString(raw, "streamContentPath")
	s.ModelsEndpoint, _ = dotpath.GetString(raw, "modelsEndpoint")
	s.ModelsResponsePath, _ = dotpath.GetString(raw, "modelsResponsePath")

	if headers, ok := raw["headers"].(map[string]any); ok {
		for k, v := range headers {
			if str, ok := v.(string); ok {
				s.Headers[k] = str
			}
		}
	}

	if tmpl, ok := raw["requestTemplate"].(map[string]any); ok {
		s.RequestTemplate = tmpl
	}

	s.FieldMapping = stringMap(raw, "fieldMapping")

	rm := stringMap(raw, "responseMapping")
	s.Response = responseMapping{
		Content:          rm["content"],
		Model:            rm["model"],
		PromptTokens:     rm["promptTokens"],
		CompletionTokens: rm["completionTokens"],
		TotalTokens:      rm["totalTokens"],
		FinishReason:     rm["finishReason"],
	}

	mm := stringMap(raw, "modelsFieldMapping")
	s.ModelsFields = modelsMapping{
		ID:              orDefault(mm["id"], "id"),
		Name:            orDefault(mm["name"], "name"),
		ContextWindow:   orDefault(mm["contextWindow"], "context_window"),
		MaxOutputTokens: orDefault(mm["maxOutputTokens"], "max_output_tokens"),
	}

	if models, ok := raw["models"].([]any); ok {
		s.Models = models
	}

	return s
}

// field returns the configured body path for a standard field.
func (s settings) field(name string) string {
	if mapped := s.FieldMapping[name]; mapped != "" {
		return mapped
	}
	return name
}

func stringMap(raw map[string]any, key string) map[string]string {
	out := map[string]string{}
	m, ok := raw[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// deepCopy clones decoded JSON so the configured template is never mutated.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
