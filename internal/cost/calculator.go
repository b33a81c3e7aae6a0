// Package cost prices completed requests and keeps an in-memory usage log.
package cost

import (
	"context"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPricing holds vendor list prices. They annotate model catalogs and
// never feed usage costs.
var defaultPricing = map[string]ModelPricing{
	"gpt-4":                      {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":                {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                     {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":              {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"gemini-1.5-pro":             {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":           {InputPer1K: 0.000075, OutputPer1K: 0.0003},
}

// Breakdown is the cost of one request in USD.
type Breakdown struct {
	Input  float64
	Output float64
	Total  float64
}

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &Calculator{pricing: pricing}
}

// Rates returns the integration's configured per-1K prices. A zero cost is
// charged as zero even when the model has a list price.
func (c *Calculator) Rates(cfg domain.ProviderConfig) ModelPricing {
	return ModelPricing{InputPer1K: cfg.CostPerInputToken, OutputPer1K: cfg.CostPerOutputToken}
}

// ListPrice returns the vendor list price for model, if known.
func (c *Calculator) ListPrice(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.pricing[model]
	return p, ok
}

// Annotate fills missing catalog prices from the list price table. The input
// slice is not modified.
func (c *Calculator) Annotate(models []domain.ModelInfo) []domain.ModelInfo {
	out := make([]domain.ModelInfo, len(models))
	copy(out, models)
	for i := range out {
		p, ok := c.ListPrice(out[i].ID)
		if !ok {
			continue
		}
		if out[i].InputCostPer1K == nil {
			in := p.InputPer1K
			out[i].InputCostPer1K = &in
		}
		if out[i].OutputCostPer1K == nil {
			o := p.OutputPer1K
			out[i].OutputCostPer1K = &o
		}
	}
	return out
}

func (c *Calculator) Calculate(cfg domain.ProviderConfig, promptTokens, completionTokens int) Breakdown {
	rates := c.Rates(cfg)

	input := float64(promptTokens) / 1000 * rates.InputPer1K
	output := float64(completionTokens) / 1000 * rates.OutputPer1K

	return Breakdown{Input: input, Output: output, Total: input + output}
}

// Estimate prices streamed output whose token counts were never reported.
// Only output is charged.
func (c *Calculator) Estimate(cfg domain.ProviderConfig, text string) (int, Breakdown) {
	tokens := EstimateTokens(text)
	b := c.Calculate(cfg, 0, tokens)
	return tokens, b
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pricing[model] = pricing
}

// EstimateTokens approximates a token count as one token per four characters,
// rounded up. It is a rough heuristic, not a tokenizer.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(n) / 4))
}

// Tracker is a queryable usage sink.
type Tracker interface {
	Record(ctx context.Context, record domain.UsageRecord) error
	IntegrationUsage(ctx context.Context, integrationID string, since time.Time) ([]domain.UsageRecord, error)
	UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		records: make([]domain.UsageRecord, 0),
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, record domain.UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) IntegrationUsage(ctx context.Context, integrationID string, since time.Time) ([]domain.UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []domain.UsageRecord
	for _, r := range t.records {
		if r.IntegrationID == integrationID && r.CreatedAt.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if r.UserID == userID && r.CreatedAt.After(since) {
			total += r.TotalCost
		}
	}
	return total, nil
}

func (t *InMemoryTracker) Records() []domain.UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]domain.UsageRecord, len(t.records))
	copy(result, t.records)
	return result
}
