package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"gorm.io/gorm"
)

type rewardStore struct {
	db *gorm.DB
}

// NewRewardStore returns a Postgres-backed settlement.RewardStore.
func NewRewardStore(db *gorm.DB) settlement.RewardStore {
	return &rewardStore{db: db}
}

func (s *rewardStore) GetByID(ctx context.Context, rewardID, scope string) (*settlement.Reward, error) {
	var m RewardModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND scope = ?", rewardID, scope).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reward %s: %w", rewardID, err)
	}
	return rewardFromModel(&m), nil
}

func (s *rewardStore) GetByOwnerAndName(ctx context.Context, ownerID, displayName, scope string) (*settlement.Reward, error) {
	var m RewardModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND display_name = ? AND scope = ?", ownerID, displayName, scope).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reward for owner %s: %w", ownerID, err)
	}
	return rewardFromModel(&m), nil
}

// FindAssetRefByName returns an asset reference already recorded for rewards
// sharing this display name, or "" when none is known.
func (s *rewardStore) FindAssetRefByName(ctx context.Context, displayName, scope string) (string, error) {
	var m RewardModel
	err := s.db.WithContext(ctx).
		Where("display_name = ? AND scope = ? AND asset_ref <> ''", displayName, scope).
		Order("created_at ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up asset ref for %q: %w", displayName, err)
	}
	return m.AssetRef, nil
}

func (s *rewardStore) Insert(ctx context.Context, reward *settlement.Reward) error {
	row := RewardModel{
		ID:          reward.ID,
		OwnerID:     reward.OwnerID,
		Scope:       reward.Scope,
		DisplayName: reward.DisplayName,
		ImageRef:    reward.ImageRef,
		Kind:        string(reward.Kind),
		AssetRef:    reward.AssetRef,
		Amount:      reward.Amount,
		IsClaimed:   reward.IsClaimed,
	}
	if reward.IsClaimed {
		now := time.Now()
		row.ClaimedAt = &now
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return settlement.ErrDuplicateReward
		}
		return fmt.Errorf("failed to insert reward for owner %s: %w", reward.OwnerID, err)
	}
	return nil
}

// MarkClaimed flips is_claimed under a conditional update. The row count
// tells apart the winner of a concurrent claim from everyone else.
func (s *rewardStore) MarkClaimed(ctx context.Context, rewardID, scope string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&RewardModel{}).
		Where("id = ? AND scope = ? AND is_claimed = ?", rewardID, scope, false).
		Updates(map[string]interface{}{
			"is_claimed": true,
			"claimed_at": time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark reward %s claimed: %w", rewardID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func rewardFromModel(m *RewardModel) *settlement.Reward {
	return &settlement.Reward{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Scope:       m.Scope,
		DisplayName: m.DisplayName,
		ImageRef:    m.ImageRef,
		Kind:        settlement.PrizeKind(m.Kind),
		AssetRef:    m.AssetRef,
		Amount:      m.Amount,
		IsClaimed:   m.IsClaimed,
		CreatedAt:   m.CreatedAt,
	}
}
