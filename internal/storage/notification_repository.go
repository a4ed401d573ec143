package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/indexnow-engine/internal/models"
)

// NotificationRepository handles internal quota alerts
type NotificationRepository struct {
	db *PostgresDB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *PostgresDB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create records a quota alert unless one for the same scope was raised since dedupSince
func (r *NotificationRepository) Create(ctx context.Context, n *models.QuotaNotification, dedupSince time.Time) (bool, error) {
	query := `
		INSERT INTO quota_notifications (scope, message)
		SELECT $1, $2
		WHERE NOT EXISTS (
			SELECT 1 FROM quota_notifications WHERE scope = $1 AND created_at >= $3
		)
		RETURNING id, created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, n.Scope, n.Message, dedupSince)
	if err != nil {
		return false, fmt.Errorf("failed to create quota notification: %w", err)
	}
	defer rows.Close()

	created := false
	if rows.Next() {
		if err := rows.Scan(&n.ID, &n.CreatedAt); err != nil {
			return false, fmt.Errorf("failed to scan quota notification: %w", err)
		}
		created = true
	}

	return created, rows.Err()
}

// DeleteOlderThan removes alerts created before cutoff
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM quota_notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete quota notifications: %w", err)
	}
	return result.RowsAffected(), nil
}
