package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
)

// PostgresRateLimitRepository is a ratelimit.WindowStore over the
// rate_limit_windows table. Increment is a single UPDATE so concurrent
// gateways never lose counts.
type PostgresRateLimitRepository struct {
	db *sql.DB
}

func NewPostgresRateLimitRepository(db *sql.DB) *PostgresRateLimitRepository {
	return &PostgresRateLimitRepository{db: db}
}

// Put configures or replaces a window.
func (r *PostgresRateLimitRepository) Put(ctx context.Context, w domain.RateLimitWindow) error {
	query := `
		INSERT INTO rate_limit_windows (integration_id, scope, scope_id, window_start, window_size_ms,
		                                max_requests, current_requests, block_on_exceed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (integration_id, scope, scope_id) DO UPDATE
		SET window_start = EXCLUDED.window_start, window_size_ms = EXCLUDED.window_size_ms,
		    max_requests = EXCLUDED.max_requests, current_requests = EXCLUDED.current_requests,
		    block_on_exceed = EXCLUDED.block_on_exceed
	`

	_, err := r.db.ExecContext(ctx, query,
		w.IntegrationID,
		w.Scope,
		w.ScopeID,
		w.WindowStart,
		w.WindowSize.Milliseconds(),
		w.MaxRequests,
		w.CurrentRequests,
		w.BlockOnExceed,
	)
	if err != nil {
		return fmt.Errorf("upsert rate limit window: %w", err)
	}
	return nil
}

func (r *PostgresRateLimitRepository) ActiveWindow(ctx context.Context, key ratelimit.Key) (*domain.RateLimitWindow, error) {
	query := `
		SELECT window_start, window_size_ms, max_requests, current_requests, block_on_exceed
		FROM rate_limit_windows
		WHERE integration_id = $1 AND scope = $2 AND scope_id = $3
	`

	w := domain.RateLimitWindow{
		IntegrationID: key.IntegrationID,
		Scope:         key.Scope,
		ScopeID:       key.ScopeID,
	}
	var sizeMs int64

	err := r.db.QueryRowContext(ctx, query, key.IntegrationID, key.Scope, key.ScopeID).Scan(
		&w.WindowStart,
		&sizeMs,
		&w.MaxRequests,
		&w.CurrentRequests,
		&w.BlockOnExceed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rate limit window: %w", err)
	}

	w.WindowSize = time.Duration(sizeMs) * time.Millisecond
	return &w, nil
}

func (r *PostgresRateLimitRepository) ResetWindow(ctx context.Context, key ratelimit.Key, now time.Time) error {
	query := `
		UPDATE rate_limit_windows
		SET window_start = $4, current_requests = 0
		WHERE integration_id = $1 AND scope = $2 AND scope_id = $3
	`

	if _, err := r.db.ExecContext(ctx, query, key.IntegrationID, key.Scope, key.ScopeID, now); err != nil {
		return fmt.Errorf("reset rate limit window: %w", err)
	}
	return nil
}

func (r *PostgresRateLimitRepository) Increment(ctx context.Context, key ratelimit.Key, now time.Time) error {
	query := `
		UPDATE rate_limit_windows
		SET current_requests = CASE
		        WHEN $4::timestamptz > window_start + window_size_ms * interval '1 millisecond' THEN 1
		        ELSE current_requests + 1
		    END,
		    window_start = CASE
		        WHEN $4::timestamptz > window_start + window_size_ms * interval '1 millisecond' THEN $4::timestamptz
		        ELSE window_start
		    END
		WHERE integration_id = $1 AND scope = $2 AND scope_id = $3
	`

	if _, err := r.db.ExecContext(ctx, query, key.IntegrationID, key.Scope, key.ScopeID, now); err != nil {
		return fmt.Errorf("increment rate limit window: %w", err)
	}
	return nil
}

var _ ratelimit.WindowStore = (*PostgresRateLimitRepository)(nil)
