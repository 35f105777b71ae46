package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"gorm.io/gorm"
)

type winStore struct {
	db *gorm.DB
}

// NewWinStore returns a Postgres-backed settlement.WinStore.
func NewWinStore(db *gorm.DB) settlement.WinStore {
	return &winStore{db: db}
}

func (s *winStore) GetFinal(ctx context.Context, poolID, scope string) (*settlement.Win, error) {
	var m WinModel
	err := s.db.WithContext(ctx).
		Where("pool_id = ? AND scope = ? AND kind = ?", poolID, scope, settlement.WinKindFinal).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load final win for pool %s: %w", poolID, err)
	}
	return &settlement.Win{
		ID:            m.ID,
		PoolID:        m.PoolID,
		Scope:         m.Scope,
		WinnerID:      m.WinnerID,
		AwardedAmount: m.AwardedAmount,
		Kind:          m.Kind,
		CreatedAt:     m.CreatedAt,
	}, nil
}

func (s *winStore) InsertFinal(ctx context.Context, win *settlement.Win) error {
	row := WinModel{
		ID:            win.ID,
		PoolID:        win.PoolID,
		Scope:         win.Scope,
		Kind:          settlement.WinKindFinal,
		WinnerID:      win.WinnerID,
		AwardedAmount: win.AwardedAmount,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return settlement.ErrDuplicateWin
		}
		return fmt.Errorf("failed to insert final win for pool %s: %w", win.PoolID, err)
	}
	return nil
}
