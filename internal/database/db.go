package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/yourusername/upload-gateway/internal/models"
)

type DB struct {
	conn *sql.DB
}

func Connect(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("couldn't open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("database not responding: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// GetIdentityWithTier resolves a raw API key to its owner and tier in a
// single round trip. Returns (nil, nil) when no matching active-or-not
// key exists.
func (db *DB) GetIdentityWithTier(ctx context.Context, rawKey string) (*models.IdentityRecord, error) {
	query := `
		SELECT ak.id, ak.user_id, ak.secret_hash, ak.is_active, ak.expires_at, u.tier, ak.rate_limit_id
		FROM api_keys ak
		JOIN users u ON u.id = ak.user_id
		WHERE ak.key = $1
	`

	rec := &models.IdentityRecord{}
	err := db.conn.QueryRowContext(ctx, query, rawKey).Scan(
		&rec.APIKeyID,
		&rec.UserID,
		&rec.SecretHash,
		&rec.IsActive,
		&rec.ExpiresAt,
		&rec.Tier,
		&rec.RateLimitID,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	rec.CachedAt = time.Now().UTC()
	return rec, nil
}

// GetUserTier returns the tier for a user, defaulting to free when the
// user row is missing.
func (db *DB) GetUserTier(ctx context.Context, userID uuid.UUID) (models.Tier, error) {
	var tier models.Tier
	err := db.conn.QueryRowContext(ctx, `SELECT tier FROM users WHERE id = $1`, userID).Scan(&tier)
	if err == sql.ErrNoRows {
		return models.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("couldn't fetch tier: %w", err)
	}
	return tier, nil
}

// upsertStatementRows bounds rows per INSERT statement so placeholder
// counts stay well under the wire limit.
const upsertStatementRows = 500

// UpsertUsage persists one drained batch of usage rows atomically.
// Owner totals and per-provider rows commit together or not at all, so
// a batch that errors can be re-drained later without double counting.
// The unique constraints make repeated commits of distinct drains
// additive, never a wholesale overwrite.
func (db *DB) UpsertUsage(ctx context.Context, ownerRows []models.DailyUsageRow, providerRows []models.ProviderUsageRow) error {
	if len(ownerRows) == 0 && len(providerRows) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("couldn't begin usage upsert: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ownerRows); start += upsertStatementRows {
		end := min(start+upsertStatementRows, len(ownerRows))
		if err := upsertOwnerRows(ctx, tx, ownerRows[start:end]); err != nil {
			return err
		}
	}
	for start := 0; start < len(providerRows); start += upsertStatementRows {
		end := min(start+upsertStatementRows, len(providerRows))
		if err := upsertProviderRows(ctx, tx, providerRows[start:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("couldn't commit usage upsert: %w", err)
	}
	return nil
}

func upsertOwnerRows(ctx context.Context, tx *sql.Tx, rows []models.DailyUsageRow) error {
	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*3)
	for i, row := range rows {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3))
		args = append(args, row.OwnerID, row.UsageDate, row.TotalRequests)
	}

	query := fmt.Sprintf(`
		INSERT INTO daily_usage (owner_id, usage_date, total_requests)
		VALUES %s
		ON CONFLICT (owner_id, usage_date)
		DO UPDATE SET total_requests = daily_usage.total_requests + EXCLUDED.total_requests,
		              updated_at = NOW()
	`, strings.Join(placeholders, ", "))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("couldn't upsert owner usage: %w", err)
	}
	return nil
}

func upsertProviderRows(ctx context.Context, tx *sql.Tx, rows []models.ProviderUsageRow) error {
	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*4)
	for i, row := range rows {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4))
		args = append(args, row.OwnerID, row.Provider, row.UsageDate, row.UploadCount)
	}

	query := fmt.Sprintf(`
		INSERT INTO provider_usage_daily (owner_id, provider, usage_date, upload_count)
		VALUES %s
		ON CONFLICT (owner_id, provider, usage_date)
		DO UPDATE SET upload_count = provider_usage_daily.upload_count + EXCLUDED.upload_count,
		              updated_at = NOW()
	`, strings.Join(placeholders, ", "))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("couldn't upsert provider usage: %w", err)
	}
	return nil
}

// UpsertPermanentBan mirrors a permanent ban into Postgres, keyed by
// user so retries are idempotent.
func (db *DB) UpsertPermanentBan(ctx context.Context, userID, reason string, violationCount int64) error {
	query := `
		INSERT INTO permanent_bans (user_id, reason, violation_count, banned_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET reason = EXCLUDED.reason, violation_count = EXCLUDED.violation_count
	`

	if _, err := db.conn.ExecContext(ctx, query, userID, reason, violationCount); err != nil {
		return fmt.Errorf("couldn't upsert permanent ban: %w", err)
	}
	return nil
}

func (db *DB) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (id, severity, kind, user_id, identifier, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := db.conn.ExecContext(ctx, query,
		event.ID,
		event.Severity,
		event.Kind,
		nullable(event.UserID),
		nullable(event.Identifier),
		event.Detail,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("couldn't insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (db *DB) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	query := `
		INSERT INTO api_keys (key, user_id, name, secret_hash, rate_limit_id, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := db.conn.QueryRowContext(ctx, query,
		apiKey.Key,
		apiKey.UserID,
		apiKey.Name,
		"",
		apiKey.UserID.String(),
		apiKey.IsActive,
		apiKey.ExpiresAt,
		time.Now(),
	).Scan(&apiKey.ID)

	if err != nil {
		return fmt.Errorf("couldn't create API key: %w", err)
	}
	return nil
}

func (db *DB) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	query := `
		SELECT id, key, user_id, name, is_active, expires_at, created_at
		FROM api_keys
		ORDER BY created_at DESC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("couldn't list API keys: %w", err)
	}
	defer rows.Close()

	var apiKeys []models.APIKey
	for rows.Next() {
		var apiKey models.APIKey
		err := rows.Scan(
			&apiKey.ID,
			&apiKey.Key,
			&apiKey.UserID,
			&apiKey.Name,
			&apiKey.IsActive,
			&apiKey.ExpiresAt,
			&apiKey.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		apiKeys = append(apiKeys, apiKey)
	}

	return apiKeys, rows.Err()
}

// DeleteAPIKey removes a key row and returns its raw key so callers can
// invalidate cached projections.
func (db *DB) DeleteAPIKey(ctx context.Context, id uuid.UUID) (string, error) {
	var rawKey string
	err := db.conn.QueryRowContext(ctx, `DELETE FROM api_keys WHERE id = $1 RETURNING key`, id).Scan(&rawKey)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("API key not found")
	}
	if err != nil {
		return "", fmt.Errorf("couldn't delete API key: %w", err)
	}
	return rawKey, nil
}

// DeactivateAPIKey flips a key inactive and returns its raw key for
// cache invalidation.
func (db *DB) DeactivateAPIKey(ctx context.Context, id uuid.UUID) (string, error) {
	var rawKey string
	err := db.conn.QueryRowContext(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1 RETURNING key`, id).Scan(&rawKey)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("API key not found")
	}
	if err != nil {
		return "", fmt.Errorf("couldn't deactivate API key: %w", err)
	}
	return rawKey, nil
}
