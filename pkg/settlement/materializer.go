package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Materialize turns a settlement outcome into a claimable reward record.
// Idempotent: a reward keyed by (winner, pool display name, scope) is
// created at most once, and re-invocation after a partial failure
// completes the missing piece. Returns the resolved asset ref for
// asset-kind pools.
func (s *Service) Materialize(ctx context.Context, pool *Pool, winnerID string, amount decimal.Decimal) (string, error) {
	if winnerID == "" {
		return "", nil
	}
	scope := NormalizeScope(pool.Scope)

	existing, err := s.rewards.GetByOwnerAndName(ctx, winnerID, pool.DisplayName, scope)
	if err != nil {
		return "", fmt.Errorf("failed to check existing reward: %w", err)
	}
	if existing != nil {
		return existing.AssetRef, nil
	}

	switch pool.PrizeKind {
	case PrizeKindAsset:
		assetRef, err := s.resolveAssetRef(ctx, pool, scope)
		if err != nil {
			// A malformed asset reward is worse than none: the win
			// record stands and materialization retries later.
			return "", err
		}
		reward := &Reward{
			ID:          uuid.New().String(),
			OwnerID:     winnerID,
			Scope:       scope,
			DisplayName: pool.DisplayName,
			ImageRef:    pool.DisplayImage,
			Kind:        PrizeKindAsset,
			AssetRef:    assetRef,
			Amount:      nil, // an asset reward is never also a balance credit
			CreatedAt:   time.Now(),
		}
		if err := s.insertReward(ctx, reward); err != nil {
			return "", err
		}
		return assetRef, nil

	case PrizeKindItem:
		// Deferred: the fixed balance credit happens at claim time so
		// the side effect runs at most once per claim, not once per
		// settlement retry.
		return "", nil

	default:
		reward := &Reward{
			ID:          uuid.New().String(),
			OwnerID:     winnerID,
			Scope:       scope,
			DisplayName: pool.DisplayName,
			ImageRef:    pool.DisplayImage,
			Kind:        PrizeKindFungible,
			Amount:      &amount,
			CreatedAt:   time.Now(),
		}
		if err := s.insertReward(ctx, reward); err != nil {
			return "", err
		}
		return "", nil
	}
}

// resolveAssetRef finds the asset identifier for an asset-kind pool.
// The display image is used directly when it still carries the mint;
// pools whose image was later overwritten with a URL fall back to a
// prior reward row for the same pool name.
func (s *Service) resolveAssetRef(ctx context.Context, pool *Pool, scope string) (string, error) {
	if IsLegacyAssetRef(pool.DisplayImage) {
		return pool.DisplayImage, nil
	}

	assetRef, err := s.rewards.FindAssetRefByName(ctx, pool.DisplayName, scope)
	if err != nil {
		return "", fmt.Errorf("failed to look up prior asset ref: %w", err)
	}
	if assetRef == "" {
		return "", fmt.Errorf("%w: pool %s", ErrNoAssetRef, pool.ID)
	}
	return assetRef, nil
}

// insertReward tolerates a duplicate-key conflict: it means a
// concurrent materialization already created the same reward.
func (s *Service) insertReward(ctx context.Context, reward *Reward) error {
	if err := s.rewards.Insert(ctx, reward); err != nil {
		if errors.Is(err, ErrDuplicateReward) {
			return nil
		}
		return fmt.Errorf("failed to insert reward: %w", err)
	}
	return nil
}
