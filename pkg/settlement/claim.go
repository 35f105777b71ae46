package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Claim redeems a materialized reward exactly once. The actual credit
// or transfer is delegated to the payout executor; an executor response
// of "already processed" counts as success without a second attempt.
// rewardID may be empty for item-kind pools, whose reward materializes
// lazily here.
func (s *Service) Claim(ctx context.Context, rewardID, claimantID, poolID, scope string) (*ClaimResult, error) {
	scope = NormalizeScope(scope)
	logger := s.logger.With().
		Str("reward_id", rewardID).
		Str("pool_id", poolID).
		Str("scope", scope).
		Str("claimant_id", claimantID).
		Logger()

	unlock := s.locks.lock(claimLockKey(rewardID, poolID, scope))
	defer unlock()

	var reward *Reward
	if rewardID != "" {
		var err error
		reward, err = s.rewards.GetByID(ctx, rewardID, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load reward: %w", err)
		}
	}
	if reward == nil {
		return s.claimItemPrize(ctx, logger, claimantID, poolID, scope)
	}

	// Ownership mismatch is a security rejection, not a no-op.
	if reward.OwnerID != claimantID {
		logger.Warn().Str("owner_id", reward.OwnerID).Msg("Claim rejected: claimant is not the reward owner")
		return nil, ErrNotOwner
	}

	if reward.IsClaimed {
		return &ClaimResult{
			Status:   ClaimStatusAlreadyClaimed,
			Amount:   amountOf(reward),
			AssetRef: reward.AssetRef,
		}, nil
	}

	result := &ClaimResult{
		Status:   ClaimStatusClaimed,
		Amount:   amountOf(reward),
		AssetRef: reward.AssetRef,
	}

	switch reward.Kind {
	case PrizeKindAsset:
		if err := s.payout.TransferAsset(ctx, claimantID, reward.AssetRef, scope, reward.ID); err != nil {
			if !errors.Is(err, ErrAlreadyProcessed) {
				return nil, fmt.Errorf("asset transfer failed: %w", err)
			}
			logger.Info().Msg("Payout executor reports asset transfer already processed")
		}
	default:
		if reward.Amount == nil {
			return nil, fmt.Errorf("reward %s has no amount to credit", reward.ID)
		}
		newBalance, err := s.payout.CreditBalance(ctx, claimantID, *reward.Amount, scope, reward.ID)
		if err != nil {
			if !errors.Is(err, ErrAlreadyProcessed) {
				return nil, fmt.Errorf("balance credit failed: %w", err)
			}
			logger.Info().Msg("Payout executor reports credit already processed")
		} else {
			result.NewBalance = newBalance
		}
	}

	ok, err := s.rewards.MarkClaimed(ctx, reward.ID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to mark reward claimed: %w", err)
	}
	if !ok {
		// A concurrent claim committed first; the payout executor's own
		// idempotency shields the double invocation.
		result.Status = ClaimStatusAlreadyClaimed
		return result, nil
	}

	s.finishClaim(ctx, logger, poolID, scope, claimantID, result.Amount)
	return result, nil
}

// claimItemPrize handles item-kind pools: no reward row exists until
// the winner claims, at which point the fixed prize is credited and a
// claimed reward row records the payout.
func (s *Service) claimItemPrize(ctx context.Context, logger zerolog.Logger, claimantID, poolID, scope string) (*ClaimResult, error) {
	pool, err := s.pools.GetPool(ctx, poolID, scope)
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			return nil, ErrRewardNotFound
		}
		return nil, err
	}
	if pool.PrizeKind != PrizeKindItem {
		return nil, ErrRewardNotFound
	}

	win, err := s.wins.GetFinal(ctx, poolID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read final win: %w", err)
	}
	if win == nil {
		return nil, ErrRewardNotFound
	}
	if win.WinnerID != claimantID {
		logger.Warn().Str("winner_id", win.WinnerID).Msg("Claim rejected: claimant is not the pool winner")
		return nil, ErrNotOwner
	}

	existing, err := s.rewards.GetByOwnerAndName(ctx, claimantID, pool.DisplayName, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing reward: %w", err)
	}
	if existing != nil && existing.IsClaimed {
		return &ClaimResult{
			Status: ClaimStatusAlreadyClaimed,
			Amount: amountOf(existing),
		}, nil
	}

	amount := pool.FixedPrizeAmount
	result := &ClaimResult{
		Status: ClaimStatusClaimed,
		Amount: amount,
	}

	// The reward row may not exist yet, so the pool identifies the
	// payout; an item pool pays its winner exactly once.
	newBalance, err := s.payout.CreditBalance(ctx, claimantID, amount, scope, poolID)
	if err != nil {
		if !errors.Is(err, ErrAlreadyProcessed) {
			return nil, fmt.Errorf("balance credit failed: %w", err)
		}
		logger.Info().Msg("Payout executor reports credit already processed")
	} else {
		result.NewBalance = newBalance
	}

	if existing != nil {
		ok, err := s.rewards.MarkClaimed(ctx, existing.ID, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to mark reward claimed: %w", err)
		}
		if !ok {
			result.Status = ClaimStatusAlreadyClaimed
			return result, nil
		}
	} else {
		reward := &Reward{
			ID:          uuid.New().String(),
			OwnerID:     claimantID,
			Scope:       scope,
			DisplayName: pool.DisplayName,
			ImageRef:    pool.DisplayImage,
			Kind:        PrizeKindItem,
			Amount:      &amount,
			IsClaimed:   true,
			CreatedAt:   time.Now(),
		}
		if err := s.rewards.Insert(ctx, reward); err != nil {
			if errors.Is(err, ErrDuplicateReward) {
				// Concurrent claim won the insert race; its payout is
				// the one that counts.
				result.Status = ClaimStatusAlreadyClaimed
				return result, nil
			}
			return nil, fmt.Errorf("failed to record claimed reward: %w", err)
		}
	}

	s.finishClaim(ctx, logger, poolID, scope, claimantID, amount)
	return result, nil
}

func (s *Service) finishClaim(ctx context.Context, logger zerolog.Logger, poolID, scope, claimantID string, amount decimal.Decimal) {
	s.invalidateStatus(ctx, poolID, scope)
	if s.events != nil {
		s.events.RewardClaimed(ctx, poolID, scope, claimantID, amount)
	}
	if s.broad != nil {
		s.broad.Send(Event{
			Type:     EventClaimed,
			PoolID:   poolID,
			Scope:    scope,
			Amount:   amount,
			WinnerID: claimantID,
		})
	}
	logger.Info().Str("amount", amount.String()).Msg("Reward claimed")
}

func amountOf(reward *Reward) decimal.Decimal {
	if reward.Amount == nil {
		return decimal.Zero
	}
	return *reward.Amount
}
