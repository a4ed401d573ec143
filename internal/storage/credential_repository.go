package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// CredentialRepository handles credential and quota ledger persistence
type CredentialRepository struct {
	db *PostgresDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *PostgresDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `
	id, name, provider, owner_id, secret, quota_limit, quota_used, is_active,
	deactivation_reason, health_status, last_used_at, next_reset_at, created_at`

func scanCredential(row rowScanner) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Provider,
		&c.OwnerID,
		&c.Secret,
		&c.QuotaLimit,
		&c.QuotaUsed,
		&c.IsActive,
		&c.DeactivationReason,
		&c.HealthStatus,
		&c.LastUsedAt,
		&c.NextResetAt,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CredentialRepository) list(ctx context.Context, query string, args ...any) ([]*models.Credential, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return creds, nil
}

// Create inserts a new credential
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	query := `
		INSERT INTO credentials (name, provider, owner_id, secret, quota_limit, quota_used, is_active, health_status, next_reset_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	health := c.HealthStatus
	if health == "" {
		health = types.HealthUnknown
	}

	err := r.db.Pool().QueryRow(ctx, query,
		c.Name, c.Provider, c.OwnerID, c.Secret, c.QuotaLimit, c.QuotaUsed, c.IsActive, health, c.NextResetAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	c.HealthStatus = health

	return nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	c, err := scanCredential(r.db.Pool().QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("credential", id)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// ListByScope returns every credential in a scope in creation order
func (r *CredentialRepository) ListByScope(ctx context.Context, scope models.Scope) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE provider = $1
		  AND owner_id IS NOT DISTINCT FROM NULLIF($2, '')
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query, scope.Provider, scope.OwnerID)
}

// ListDeactivated returns inactive credentials switched off for reason
func (r *CredentialRepository) ListDeactivated(ctx context.Context, reason types.DeactivationReason) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE is_active = FALSE AND deactivation_reason = $1
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, reason)
}

// IncrementUsage atomically adds units to quota_used.
// Reaching the limit deactivates the credential in the same statement.
func (r *CredentialRepository) IncrementUsage(ctx context.Context, id string, units int, now time.Time) (*models.Credential, error) {
	query := `
		UPDATE credentials
		SET quota_used = quota_used + $2,
			last_used_at = $3,
			is_active = CASE WHEN quota_used + $2 >= quota_limit THEN FALSE ELSE is_active END,
			deactivation_reason = CASE
				WHEN quota_used + $2 >= quota_limit AND is_active THEN 'quota_exhausted'
				ELSE deactivation_reason
			END
		WHERE id = $1
		RETURNING ` + credentialColumns

	c, err := scanCredential(r.db.Pool().QueryRow(ctx, query, id, units, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("credential", id)
		}
		return nil, fmt.Errorf("failed to record credential usage: %w", err)
	}

	return c, nil
}

// Deactivate switches an active credential off. Returns false if it was already inactive.
func (r *CredentialRepository) Deactivate(ctx context.Context, id string, reason types.DeactivationReason) (bool, error) {
	query := `
		UPDATE credentials
		SET is_active = FALSE, deactivation_reason = $2
		WHERE id = $1 AND is_active = TRUE
	`

	result, err := r.db.Pool().Exec(ctx, query, id, reason)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate credential: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkExhausted switches off an active credential the provider reported as out of quota.
// Usage is raised to the limit so failover skips it until the reset monitor restores it.
// Returns nil when the credential was not active.
func (r *CredentialRepository) MarkExhausted(ctx context.Context, id string) (*models.Credential, error) {
	query := `
		UPDATE credentials
		SET is_active = FALSE,
			deactivation_reason = 'quota_exhausted',
			quota_used = GREATEST(quota_used, quota_limit)
		WHERE id = $1 AND is_active = TRUE
		RETURNING ` + credentialColumns

	c, err := scanCredential(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to mark credential exhausted: %w", err)
	}

	return c, nil
}

// ResetUsage starts a new quota period for a quota-exhausted credential without switching
// it on. It becomes a standby that failover may activate.
func (r *CredentialRepository) ResetUsage(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE credentials
		SET deactivation_reason = '',
			quota_used = 0,
			next_reset_at = NULL,
			health_status = 'healthy'
		WHERE id = $1
		  AND is_active = FALSE
		  AND deactivation_reason = 'quota_exhausted'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset credential usage: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Activate switches on a non-revoked credential with at least minRemaining units left
func (r *CredentialRepository) Activate(ctx context.Context, id string, minRemaining int) (bool, error) {
	query := `
		UPDATE credentials
		SET is_active = TRUE, deactivation_reason = ''
		WHERE id = $1
		  AND is_active = FALSE
		  AND deactivation_reason <> 'revoked'
		  AND quota_limit - quota_used >= $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, minRemaining)
	if err != nil {
		return false, fmt.Errorf("failed to activate credential: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Reactivate switches a quota-exhausted credential back on for a new quota period,
// resetting its usage. Revoked credentials never match.
func (r *CredentialRepository) Reactivate(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE credentials
		SET is_active = TRUE,
			deactivation_reason = '',
			quota_used = 0,
			next_reset_at = NULL,
			health_status = 'healthy'
		WHERE id = $1
		  AND is_active = FALSE
		  AND deactivation_reason = 'quota_exhausted'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reactivate credential: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// UpdateHealth records the last observed health of a credential
func (r *CredentialRepository) UpdateHealth(ctx context.Context, id string, status types.HealthStatus) error {
	if _, err := r.db.Pool().Exec(ctx, `UPDATE credentials SET health_status = $2 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("failed to update credential health: %w", err)
	}
	return nil
}

// Summary returns credential counts per provider
func (r *CredentialRepository) Summary(ctx context.Context) ([]models.CredentialSummary, error) {
	query := `
		SELECT provider,
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE NOT is_active AND deactivation_reason = 'quota_exhausted'),
			COUNT(*) FILTER (WHERE NOT is_active AND deactivation_reason = 'revoked'),
			COUNT(*) FILTER (WHERE NOT is_active AND deactivation_reason = '')
		FROM credentials
		GROUP BY provider
		ORDER BY provider
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise credentials: %w", err)
	}
	defer rows.Close()

	var out []models.CredentialSummary
	for rows.Next() {
		var s models.CredentialSummary
		if err := rows.Scan(&s.Provider, &s.Active, &s.Exhausted, &s.Revoked, &s.Idle); err != nil {
			return nil, fmt.Errorf("failed to scan credential summary: %w", err)
		}
		out = append(out, s)
	}

	return out, rows.Err()
}
