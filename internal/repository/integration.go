package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

type IntegrationRepository interface {
	Get(ctx context.Context, id string) (*domain.IntegrationConfig, error)
	List(ctx context.Context) ([]*domain.IntegrationConfig, error)
	Create(ctx context.Context, integration *domain.IntegrationConfig) error
	Update(ctx context.Context, integration *domain.IntegrationConfig) error
	Delete(ctx context.Context, id string) error
}

type InMemoryIntegrationRepository struct {
	mu           sync.RWMutex
	integrations map[string]*domain.IntegrationConfig
}

func NewInMemoryIntegrationRepository(integrations ...domain.IntegrationConfig) *InMemoryIntegrationRepository {
	repo := &InMemoryIntegrationRepository{
		integrations: make(map[string]*domain.IntegrationConfig, len(integrations)),
	}
	now := time.Now()
	for _, in := range integrations {
		in := in
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
			in.UpdatedAt = now
		}
		repo.integrations[in.ID] = &in
	}
	return repo
}

// Get returns a copy so callers cannot mutate stored configuration.
func (r *InMemoryIntegrationRepository) Get(ctx context.Context, id string) (*domain.IntegrationConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.integrations[id]
	if !ok || in.Deleted {
		return nil, domain.ErrIntegrationNotFound
	}

	cp := *in
	return &cp, nil
}

// List returns non-deleted integrations ordered by id.
func (r *InMemoryIntegrationRepository) List(ctx context.Context) ([]*domain.IntegrationConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.IntegrationConfig, 0, len(r.integrations))
	for _, in := range r.integrations {
		if in.Deleted {
			continue
		}
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryIntegrationRepository) Create(ctx context.Context, integration *domain.IntegrationConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.integrations[integration.ID]; ok && !existing.Deleted {
		return fmt.Errorf("%w: %s", domain.ErrIntegrationExists, integration.ID)
	}

	cp := *integration
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	r.integrations[cp.ID] = &cp

	return nil
}

func (r *InMemoryIntegrationRepository) Update(ctx context.Context, integration *domain.IntegrationConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.integrations[integration.ID]
	if !ok || existing.Deleted {
		return domain.ErrIntegrationNotFound
	}

	cp := *integration
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	r.integrations[cp.ID] = &cp

	return nil
}

// Delete marks the integration deleted. It stays out of Get and List.
func (r *InMemoryIntegrationRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.integrations[id]
	if !ok || in.Deleted {
		return domain.ErrIntegrationNotFound
	}
	in.Deleted = true
	in.Active = false
	in.UpdatedAt = time.Now()

	return nil
}

type integrationsFile struct {
	Integrations []domain.IntegrationConfig `yaml:"integrations"`
}

// LoadIntegrationsFile reads integrations from a YAML document of the form
// {integrations: [...]}. IDs must be unique and non-empty.
func LoadIntegrationsFile(path string) ([]domain.IntegrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read integrations file: %w", err)
	}
	return ParseIntegrations(data)
}

func ParseIntegrations(data []byte) ([]domain.IntegrationConfig, error) {
	var f integrationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse integrations: %w", err)
	}

	seen := make(map[string]bool, len(f.Integrations))
	defaults := 0
	for i, in := range f.Integrations {
		if in.ID == "" {
			return nil, fmt.Errorf("integration %d: missing id", i)
		}
		if seen[in.ID] {
			return nil, fmt.Errorf("integration %s: duplicate id", in.ID)
		}
		seen[in.ID] = true
		if in.Provider == "" {
			return nil, fmt.Errorf("integration %s: missing provider", in.ID)
		}
		if in.Config.IsDefault && in.Active && !in.Deleted {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("%d active integrations are marked default", defaults)
	}

	return f.Integrations, nil
}
