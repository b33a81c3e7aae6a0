package manager

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Bookkeeping outlives the caller's cancellation.
func (m *Manager) bookkeepingContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (m *Manager) baseRecord(e *entry, req domain.ChatRequest, latency time.Duration) domain.UsageRecord {
	return domain.UsageRecord{
		IntegrationID: e.config.ID,
		UserID:        req.UserID,
		ProjectID:     req.ProjectID,
		Feature:       req.Feature,
		Provider:      e.adapter.ProviderName(),
		LatencyMs:     latency.Milliseconds(),
		CreatedAt:     m.now(),
	}
}

// recordSuccess writes a successful record and advances both rate-limit
// windows. fields carries model, token and cost values.
func (m *Manager) recordSuccess(ctx context.Context, e *entry, req domain.ChatRequest, fields domain.UsageRecord, latency time.Duration) {
	ctx = m.bookkeepingContext(ctx)

	r := m.baseRecord(e, req, latency)
	r.Model = fields.Model
	r.PromptTokens = fields.PromptTokens
	r.CompletionTokens = fields.CompletionTokens
	r.TotalTokens = fields.TotalTokens
	r.InputCost = fields.InputCost
	r.OutputCost = fields.OutputCost
	r.TotalCost = fields.TotalCost
	r.Estimated = fields.Estimated
	r.Success = true

	metrics.RecordRequest(r.IntegrationID, r.Provider, r.Model, "success", latency.Seconds())
	metrics.RecordTokens(r.IntegrationID, r.Provider, r.Model, r.PromptTokens, r.CompletionTokens)
	metrics.RecordCost(r.IntegrationID, r.Provider, r.Model, r.TotalCost)

	m.writeUsage(ctx, r)
	m.advance(ctx, e.config.ID, req.UserID)
}

// recordFailure writes a failed record with zero tokens and cost. Windows
// are not advanced.
func (m *Manager) recordFailure(ctx context.Context, e *entry, req domain.ChatRequest, model string, err error, latency time.Duration) {
	ctx = m.bookkeepingContext(ctx)

	r := m.baseRecord(e, req, latency)
	r.Model = model
	r.Error = errorMessage(err)

	metrics.RecordRequest(r.IntegrationID, r.Provider, r.Model, "error", latency.Seconds())
	metrics.RecordProviderError(r.Provider, errorCode(err))

	m.logger.Warn("chat request failed",
		"integration_id", r.IntegrationID,
		"provider", r.Provider,
		"model", r.Model,
		"error", err,
	)

	m.writeUsage(ctx, r)
}

func (m *Manager) writeUsage(ctx context.Context, r domain.UsageRecord) {
	if m.usage == nil {
		return
	}
	if err := m.usage.Record(ctx, r); err != nil {
		m.logger.Error("failed to record usage",
			"integration_id", r.IntegrationID,
			"user_id", r.UserID,
			"error", err,
		)
	}
}

func (m *Manager) advance(ctx context.Context, id, userID string) {
	if m.limits == nil {
		return
	}
	now := m.now()
	for _, key := range windowKeys(id, userID) {
		if err := m.limits.Increment(ctx, key, now); err != nil {
			m.logger.Error("failed to advance rate limit window",
				"key", key.String(),
				"error", err,
			)
		}
	}
}

// streamTracker wraps an adapter stream and writes exactly one usage record
// when it ends, fails or is abandoned.
type streamTracker struct {
	m     *Manager
	ctx   context.Context
	span  trace.Span
	entry *entry
	req   domain.ChatRequest
	model string
	start time.Time
	inner *provider.Stream

	content  strings.Builder
	finished sync.Once
}

func (t *streamTracker) next() (domain.StreamChunk, error) {
	if t.inner.Next() {
		chunk := t.inner.Chunk()
		t.content.WriteString(chunk.Delta)
		if chunk.Model != "" {
			t.model = chunk.Model
		}
		return chunk, nil
	}

	if err := t.inner.Err(); err != nil {
		t.finish(err)
		return domain.StreamChunk{}, err
	}
	t.finish(nil)
	return domain.StreamChunk{}, io.EOF
}

func (t *streamTracker) close() error {
	err := t.inner.Close()
	t.finish(nil)
	return err
}

func (t *streamTracker) finish(streamErr error) {
	t.finished.Do(func() {
		defer t.span.End()
		defer metrics.DecrementActiveStreams()

		latency := t.m.now().Sub(t.start)

		if streamErr != nil {
			telemetry.AddErrorAttribute(t.span, streamErr)
			t.m.recordFailure(t.ctx, t.entry, t.req, t.model, streamErr, latency)
			return
		}

		// Streams carry no usage block, so tokens and cost are estimated
		// from the delivered text. Input is not estimated.
		tokens, b := t.m.calc.Estimate(t.entry.config.Config, t.content.String())
		telemetry.AddTokenAttributes(t.span, 0, tokens, true)
		telemetry.AddCostAttribute(t.span, b.Total)

		t.m.recordSuccess(t.ctx, t.entry, t.req, domain.UsageRecord{
			Model:            t.model,
			CompletionTokens: tokens,
			TotalTokens:      tokens,
			OutputCost:       b.Output,
			TotalCost:        b.Total,
			Estimated:        true,
		}, latency)
	})
}
