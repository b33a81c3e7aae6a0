package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (integration_id, user_id, project_id, feature, provider, model,
		                           prompt_tokens, completion_tokens, total_tokens,
		                           input_cost, output_cost, total_cost,
		                           success, error, estimated, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	var projectID sql.NullInt64
	if record.ProjectID != nil {
		projectID = sql.NullInt64{Int64: int64(*record.ProjectID), Valid: true}
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query,
		record.IntegrationID,
		record.UserID,
		projectID,
		record.Feature,
		record.Provider,
		record.Model,
		record.PromptTokens,
		record.CompletionTokens,
		record.TotalTokens,
		record.InputCost,
		record.OutputCost,
		record.TotalCost,
		record.Success,
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		record.Estimated,
		record.LatencyMs,
		createdAt,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresUsageRepository) IntegrationUsage(ctx context.Context, integrationID string, since time.Time) ([]domain.UsageRecord, error) {
	query := `
		SELECT integration_id, user_id, project_id, feature, provider, model,
		       prompt_tokens, completion_tokens, total_tokens,
		       input_cost, output_cost, total_cost,
		       success, error, estimated, latency_ms, created_at
		FROM usage_records
		WHERE integration_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, integrationID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var record domain.UsageRecord
		var projectID sql.NullInt64
		var errMsg sql.NullString
		err := rows.Scan(
			&record.IntegrationID,
			&record.UserID,
			&projectID,
			&record.Feature,
			&record.Provider,
			&record.Model,
			&record.PromptTokens,
			&record.CompletionTokens,
			&record.TotalTokens,
			&record.InputCost,
			&record.OutputCost,
			&record.TotalCost,
			&record.Success,
			&errMsg,
			&record.Estimated,
			&record.LatencyMs,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if projectID.Valid {
			id := int(projectID.Int64)
			record.ProjectID = &id
		}
		record.Error = errMsg.String
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *PostgresUsageRepository) UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(total_cost), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
	`

	var total float64
	err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}
