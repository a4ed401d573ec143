package storage

import (
	"context"
	"fmt"

	"github.com/indexnow-engine/internal/models"
)

// KeywordRepository handles keyword tracking task persistence
type KeywordRepository struct {
	db *PostgresDB
}

// NewKeywordRepository creates a new keyword repository
func NewKeywordRepository(db *PostgresDB) *KeywordRepository {
	return &KeywordRepository{db: db}
}

// ListDue returns active tasks not checked on date (YYYY-MM-DD), oldest first
func (r *KeywordRepository) ListDue(ctx context.Context, date string) ([]*models.KeywordTask, error) {
	query := `
		SELECT id, user_id, keyword, domain, device, country_code, is_active, last_check_date, created_at
		FROM keyword_tasks
		WHERE is_active = TRUE
		  AND (last_check_date IS NULL OR last_check_date <> $1::date)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list due keywords: %w", err)
	}
	defer rows.Close()

	var tasks []*models.KeywordTask
	for rows.Next() {
		var k models.KeywordTask
		err := rows.Scan(
			&k.ID,
			&k.UserID,
			&k.Keyword,
			&k.Domain,
			&k.Device,
			&k.CountryCode,
			&k.IsActive,
			&k.LastCheckDate,
			&k.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keyword task: %w", err)
		}
		tasks = append(tasks, &k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keyword tasks: %w", err)
	}

	return tasks, nil
}

// MarkChecked sets the last check date of a task
func (r *KeywordRepository) MarkChecked(ctx context.Context, id, date string) error {
	result, err := r.db.Pool().Exec(ctx, `UPDATE keyword_tasks SET last_check_date = $2::date WHERE id = $1`, id, date)
	if err != nil {
		return fmt.Errorf("failed to mark keyword checked: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("keyword task not found: %s", id)
	}

	return nil
}

// Stats returns rank-check progress for date
func (r *KeywordRepository) Stats(ctx context.Context, date string) (*models.RankCheckStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE last_check_date IS NULL OR last_check_date <> $1::date),
			COUNT(*) FILTER (WHERE last_check_date = $1::date)
		FROM keyword_tasks
		WHERE is_active = TRUE
	`

	var stats models.RankCheckStats
	if err := r.db.Pool().QueryRow(ctx, query, date).Scan(&stats.TotalActive, &stats.DueToday, &stats.CompletedToday); err != nil {
		return nil, fmt.Errorf("failed to get rank check stats: %w", err)
	}

	stats.CompletionRate = models.Progress(stats.CompletedToday, stats.TotalActive)
	if stats.TotalActive == 0 {
		stats.CompletionRate = 0
	}

	return &stats, nil
}
