package store

import (
	"context"
	"fmt"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"gorm.io/gorm"
)

// ContributionStore is the Postgres-backed contribution ledger. It serves
// both the settlement read path and the event consumer's append path.
type ContributionStore struct {
	db *gorm.DB
}

// NewContributionStore returns a contribution store.
func NewContributionStore(db *gorm.DB) *ContributionStore {
	return &ContributionStore{db: db}
}

// ListByPool returns contributions in insertion order. The draw indexes into
// this slice, so the order must be stable across calls.
func (s *ContributionStore) ListByPool(ctx context.Context, poolID, scope string) ([]settlement.Contribution, error) {
	var rows []ContributionModel
	err := s.db.WithContext(ctx).
		Where("pool_id = ? AND scope = ?", poolID, scope).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions for pool %s: %w", poolID, err)
	}

	out := make([]settlement.Contribution, 0, len(rows))
	for _, r := range rows {
		out = append(out, settlement.Contribution{
			PoolID:        r.PoolID,
			ContributorID: r.ContributorID,
			Scope:         r.Scope,
			Weight:        r.Weight,
			CreatedAt:     r.CreatedAt,
		})
	}
	return out, nil
}

// Record appends one ledger row. Used by the contribution consumer;
// settlement itself only reads.
func (s *ContributionStore) Record(ctx context.Context, c settlement.Contribution) error {
	row := ContributionModel{
		PoolID:        c.PoolID,
		Scope:         c.Scope,
		ContributorID: c.ContributorID,
		Weight:        c.Weight,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record contribution for pool %s: %w", c.PoolID, err)
	}
	return nil
}
