package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables used by the Postgres repositories.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

const integrationColumns = `
	id, name, provider, api_key, endpoint, base_url,
	default_model, available_models, max_tokens_per_request, default_temperature,
	default_max_tokens, timeout_ms, retry_attempts, cost_per_input_token,
	cost_per_output_token, is_default, settings, active, deleted, created_at, updated_at`

// PostgresIntegrationRepository stores integrations with API keys sealed by
// the encryptor. A nil encryptor stores keys as given.
type PostgresIntegrationRepository struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

func NewPostgresIntegrationRepository(db *sql.DB, encryptor *crypto.Encryptor) *PostgresIntegrationRepository {
	return &PostgresIntegrationRepository{db: db, encryptor: encryptor}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresIntegrationRepository) scan(row rowScanner) (*domain.IntegrationConfig, error) {
	var in domain.IntegrationConfig
	var models pq.StringArray
	var settings []byte
	var endpoint, baseURL sql.NullString

	err := row.Scan(
		&in.ID,
		&in.Name,
		&in.Provider,
		&in.Credentials.APIKey,
		&endpoint,
		&baseURL,
		&in.Config.DefaultModel,
		&models,
		&in.Config.MaxTokensPerRequest,
		&in.Config.DefaultTemperature,
		&in.Config.DefaultMaxTokens,
		&in.Config.TimeoutMs,
		&in.Config.RetryAttempts,
		&in.Config.CostPerInputToken,
		&in.Config.CostPerOutputToken,
		&in.Config.IsDefault,
		&settings,
		&in.Active,
		&in.Deleted,
		&in.CreatedAt,
		&in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.Credentials.Endpoint = endpoint.String
	in.Credentials.BaseURL = baseURL.String
	in.Config.AvailableModels = []string(models)

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &in.Config.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", in.ID, err)
		}
	}

	if r.encryptor != nil {
		key, err := r.encryptor.Open(in.Credentials.APIKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key for %s: %w", in.ID, err)
		}
		in.Credentials.APIKey = key
	}

	return &in, nil
}

func (r *PostgresIntegrationRepository) Get(ctx context.Context, id string) (*domain.IntegrationConfig, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1 AND deleted = false`

	in, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query integration: %w", err)
	}

	return in, nil
}

func (r *PostgresIntegrationRepository) List(ctx context.Context) ([]*domain.IntegrationConfig, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE deleted = false ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query integrations: %w", err)
	}
	defer rows.Close()

	var out []*domain.IntegrationConfig
	for rows.Next() {
		in, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, in)
	}

	return out, rows.Err()
}

func (r *PostgresIntegrationRepository) sealedKey(apiKey string) (string, error) {
	if r.encryptor == nil {
		return apiKey, nil
	}
	return r.encryptor.Seal(apiKey)
}

// encodeSettings returns text so lib/pq binds it as jsonb rather than bytea.
func encodeSettings(settings map[string]any) (string, error) {
	if settings == nil {
		return "{}", nil
	}
	data, err := json.Marshal(settings)
	return string(data), err
}

func (r *PostgresIntegrationRepository) Create(ctx context.Context, in *domain.IntegrationConfig) error {
	key, err := r.sealedKey(in.Credentials.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	settings, err := encodeSettings(in.Config.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO integrations (` + integrationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, false, $19, $19)
	`

	_, err = r.db.ExecContext(ctx, query,
		in.ID,
		in.Name,
		in.Provider,
		key,
		sql.NullString{String: in.Credentials.Endpoint, Valid: in.Credentials.Endpoint != ""},
		sql.NullString{String: in.Credentials.BaseURL, Valid: in.Credentials.BaseURL != ""},
		in.Config.DefaultModel,
		pq.Array(in.Config.AvailableModels),
		in.Config.MaxTokensPerRequest,
		in.Config.DefaultTemperature,
		in.Config.DefaultMaxTokens,
		in.Config.TimeoutMs,
		in.Config.RetryAttempts,
		in.Config.CostPerInputToken,
		in.Config.CostPerOutputToken,
		in.Config.IsDefault,
		settings,
		in.Active,
		now,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrIntegrationExists, in.ID)
	}
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}

	return nil
}

func (r *PostgresIntegrationRepository) Update(ctx context.Context, in *domain.IntegrationConfig) error {
	key, err := r.sealedKey(in.Credentials.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	settings, err := encodeSettings(in.Config.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	query := `
		UPDATE integrations
		SET name = $2, provider = $3, api_key = $4, endpoint = $5, base_url = $6,
		    default_model = $7, available_models = $8, max_tokens_per_request = $9,
		    default_temperature = $10, default_max_tokens = $11, timeout_ms = $12,
		    retry_attempts = $13, cost_per_input_token = $14, cost_per_output_token = $15,
		    is_default = $16, settings = $17, active = $18, updated_at = $19
		WHERE id = $1 AND deleted = false
	`

	result, err := r.db.ExecContext(ctx, query,
		in.ID,
		in.Name,
		in.Provider,
		key,
		sql.NullString{String: in.Credentials.Endpoint, Valid: in.Credentials.Endpoint != ""},
		sql.NullString{String: in.Credentials.BaseURL, Valid: in.Credentials.BaseURL != ""},
		in.Config.DefaultModel,
		pq.Array(in.Config.AvailableModels),
		in.Config.MaxTokensPerRequest,
		in.Config.DefaultTemperature,
		in.Config.DefaultMaxTokens,
		in.Config.TimeoutMs,
		in.Config.RetryAttempts,
		in.Config.CostPerInputToken,
		in.Config.CostPerOutputToken,
		in.Config.IsDefault,
		settings,
		in.Active,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrIntegrationNotFound
	}

	return nil
}

// Delete is a soft delete; usage rows keep referencing the integration.
func (r *PostgresIntegrationRepository) Delete(ctx context.Context, id string) error {
	query := `UPDATE integrations SET deleted = true, active = false, updated_at = $2 WHERE id = $1 AND deleted = false`

	result, err := r.db.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrIntegrationNotFound
	}

	return nil
}
