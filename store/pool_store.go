package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"gorm.io/gorm"
)

// isDuplicateKey reports whether err is a unique-constraint violation. gorm's
// TranslateError covers the common path; the SQLSTATE check catches drivers
// that surface the raw pgconn error.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key")
}

type poolStore struct {
	db *gorm.DB
}

// NewPoolStore returns a Postgres-backed settlement.PoolStore.
func NewPoolStore(db *gorm.DB) settlement.PoolStore {
	return &poolStore{db: db}
}

func (s *poolStore) GetPool(ctx context.Context, poolID, scope string) (*settlement.Pool, error) {
	var m PoolModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND scope = ?", poolID, scope).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, settlement.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pool %s: %w", poolID, err)
	}
	return poolFromModel(&m), nil
}

func (s *poolStore) ListPools(ctx context.Context, scope string) ([]settlement.Pool, error) {
	var models []PoolModel
	err := s.db.WithContext(ctx).
		Where("scope = ?", scope).
		Order("expiry_time ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	pools := make([]settlement.Pool, 0, len(models))
	for i := range models {
		pools = append(pools, *poolFromModel(&models[i]))
	}
	return pools, nil
}

func (s *poolStore) MarkSettled(ctx context.Context, poolID, scope string, winnerID *string, settledAt time.Time) error {
	// Guarded by is_settled = false so a concurrent writer cannot replace an
	// existing outcome. Zero rows affected means someone else already won the
	// race, which is not an error.
	res := s.db.WithContext(ctx).
		Model(&PoolModel{}).
		Where("id = ? AND scope = ? AND is_settled = ?", poolID, scope, false).
		Updates(map[string]interface{}{
			"is_settled": true,
			"winner_id":  winnerID,
			"settled_at": settledAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark pool %s settled: %w", poolID, res.Error)
	}
	return nil
}

func poolFromModel(m *PoolModel) *settlement.Pool {
	return &settlement.Pool{
		ID:               m.ID,
		Scope:            m.Scope,
		DisplayName:      m.DisplayName,
		DisplayImage:     m.DisplayImage,
		PrizeKind:        settlement.PrizeKind(m.PrizeKind),
		FixedPrizeAmount: m.FixedPrizeAmount,
		ExpiryTime:       m.ExpiryTime,
		IsSettled:        m.IsSettled,
		WinnerID:         m.WinnerID,
		SettledAt:        m.SettledAt,
	}
}
