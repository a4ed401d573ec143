package storage

import (
	"context"
	"fmt"

	"github.com/indexnow-engine/internal/models"
)

// RankResultRepository stores rank history in ClickHouse
type RankResultRepository struct {
	db *ClickHouseDB
}

// NewRankResultRepository creates a new rank result repository
func NewRankResultRepository(db *ClickHouseDB) *RankResultRepository {
	return &RankResultRepository{db: db}
}

// Insert stores one rank observation
func (r *RankResultRepository) Insert(ctx context.Context, res *models.RankResult) error {
	batch, err := r.db.Conn().PrepareBatch(ctx, `INSERT INTO rank_results`)
	if err != nil {
		return fmt.Errorf("failed to prepare rank result batch: %w", err)
	}

	var position *int32
	if res.Position != nil {
		p := int32(*res.Position) // #nosec G115 - SERP positions are small
		position = &p
	}

	err = batch.Append(
		res.KeywordID,
		res.UserID,
		res.Keyword,
		res.Domain,
		string(res.Device),
		res.CountryCode,
		position,
		res.RankedURL,
		res.CredentialID,
		res.CheckedAt,
	)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append rank result: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert rank result: %w", err)
	}

	return nil
}
