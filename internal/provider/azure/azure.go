// Package azure adapts Azure OpenAI deployments. Requests and responses use
// the OpenAI wire format; only routing and authentication differ, so the
// adapter is the OpenAI client driven by an Azure dialect.
package azure

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/dotpath"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/provider/openai"
)

const (
	DefaultAPIVersion = "2024-02-15-preview"
	hostSuffix        = ".openai.azure.com"
)

var errEndpoint = errors.New("endpoint must be an https URL on *" + hostSuffix)

type Provider struct {
	*openai.Provider
}

func New(cfg domain.IntegrationConfig, opts ...provider.Option) (*Provider, error) {
	name := string(domain.ProviderAzureOpenAI)

	if cfg.Credentials.APIKey == "" {
		return nil, domain.NewAdapterError(name, domain.CodeMissingAPIKey, "Azure OpenAI API key is required")
	}

	raw := cfg.Credentials.Endpoint
	if raw == "" {
		raw = cfg.Credentials.BaseURL
	}
	if raw == "" {
		return nil, domain.NewAdapterError(name, domain.CodeMissingEndpoint, "Azure OpenAI endpoint is required")
	}

	endpoint, err := SanitizeEndpoint(raw)
	if err != nil {
		return nil, domain.NewAdapterError(name, domain.CodeMissingEndpoint, err.Error()).WithCause(err)
	}

	settings := cfg.Config.Settings
	d := &dialect{
		endpoint:   endpoint,
		apiKey:     cfg.Credentials.APIKey,
		apiVersion: DefaultAPIVersion,
	}
	if v, ok := dotpath.GetString(settings, "apiVersion"); ok && v != "" {
		d.apiVersion = v
	}
	if v, ok := dotpath.GetString(settings, "deploymentName"); ok {
		d.deployment = v
	}

	return &Provider{
		Provider: openai.NewWithDialect(name, cfg, d, openai.BuiltinModels(), opts...),
	}, nil
}

// SanitizeEndpoint validates raw and rebuilds it from scheme, hostname, path
// and query. User info, port and fragment are dropped.
func SanitizeEndpoint(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errEndpoint, err)
	}
	if u.Scheme != "https" {
		return "", errEndpoint
	}

	host := strings.ToLower(u.Hostname())
	label := strings.TrimSuffix(host, hostSuffix)
	if !strings.HasSuffix(host, hostSuffix) || label == "" {
		return "", errEndpoint
	}

	rebuilt := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     strings.TrimRight(u.Path, "/"),
		RawQuery: u.RawQuery,
	}
	return rebuilt.String(), nil
}

type dialect struct {
	endpoint   string
	apiKey     string
	apiVersion string
	deployment string
}

// ChatURL re-validates the endpoint on every call.
func (d *dialect) ChatURL(model string) (string, error) {
	endpoint, err := SanitizeEndpoint(d.endpoint)
	if err != nil {
		return "", err
	}

	deployment := d.deployment
	if deployment == "" {
		deployment = model
	}
	if deployment == "" {
		return "", domain.NewAdapterError(string(domain.ProviderAzureOpenAI), domain.CodeInvalidRequest,
			"no deployment name or model configured")
	}

	u, _ := url.Parse(endpoint)
	// Path holds the decoded form and RawPath the encoded one, so String()
	// escapes the deployment exactly once and a "/" in it stays one segment.
	base, rawBase := u.Path, u.EscapedPath()
	u.Path = base + "/openai/deployments/" + deployment + "/chat/completions"
	u.RawPath = rawBase + "/openai/deployments/" + url.PathEscape(deployment) + "/chat/completions"
	q := u.Query()
	q.Set("api-version", d.apiVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ModelsURL is empty: deployments are listed from configuration.
func (d *dialect) ModelsURL() (string, error) {
	return "", nil
}

func (d *dialect) Authorize(h http.Header) {
	h.Set("api-key", d.apiKey)
}

var _ provider.Adapter = (*Provider)(nil)
