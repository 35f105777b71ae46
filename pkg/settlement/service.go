package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	// DefaultLockTTL bounds how long the advisory settlement lock is held.
	DefaultLockTTL = 15 * time.Second

	// DefaultStatusTTL is the cache lifetime of the polling status view.
	DefaultStatusTTL = 3 * time.Second
)

// ServiceConfig wires the settlement service.
type ServiceConfig struct {
	Pools         PoolStore
	Contributions ContributionLedger
	Wins          WinStore
	Rewards       RewardStore
	Payout        PayoutExecutor

	// Locker is optional; when nil only the in-process keyed mutex
	// serializes settlement for a pool.
	Locker Locker

	// Cache is optional; when nil every Status call hits the pool store.
	Cache StatusCache

	// Events is optional; when set, settlement outcomes and claims are
	// published to it (e.g. Kafka).
	Events EventSink

	// Broadcaster is optional; when set, live events are pushed to
	// stream listeners.
	Broadcaster *Broadcaster

	Logger zerolog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	// Seed seeds the draw RNG; zero means time-based.
	Seed int64
}

// Service owns a pool's lifecycle from open to settled to claimed.
// All mutating paths converge on a single persisted outcome per pool:
// the settled flag plus the unique final win row.
type Service struct {
	pools         PoolStore
	contributions ContributionLedger
	wins          WinStore
	rewards       RewardStore
	payout        PayoutExecutor
	locker        Locker
	cache         StatusCache
	events        EventSink
	broad         *Broadcaster
	logger        zerolog.Logger

	locks     *keyedMutex
	now       func() time.Time
	lockTTL   time.Duration
	statusTTL time.Duration

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewService creates a settlement service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		pools:         cfg.Pools,
		contributions: cfg.Contributions,
		wins:          cfg.Wins,
		rewards:       cfg.Rewards,
		payout:        cfg.Payout,
		locker:        cfg.Locker,
		cache:         cfg.Cache,
		events:        cfg.Events,
		broad:         cfg.Broadcaster,
		logger:        cfg.Logger.With().Str("component", "settlement").Logger(),
		locks:         newKeyedMutex(),
		now:           now,
		lockTTL:       DefaultLockTTL,
		statusTTL:     DefaultStatusTTL,
		rand:          rand.New(rand.NewSource(seed)),
	}
}

// Broadcaster returns the configured broadcaster (may be nil).
func (s *Service) Broadcaster() *Broadcaster {
	return s.broad
}

// NormalizeScope maps an empty tenant scope to the global scope.
func NormalizeScope(scope string) string {
	if scope == "" {
		return ScopeGlobal
	}
	return scope
}

// Settle decides whether a pool is due and, if so, draws and durably
// records its winner exactly once. Safe to call any number of times
// from any number of concurrent callers; every call converges on the
// persisted outcome.
func (s *Service) Settle(ctx context.Context, poolID, scope string) (*Outcome, error) {
	scope = NormalizeScope(scope)
	logger := s.logger.With().Str("pool_id", poolID).Str("scope", scope).Logger()

	pool, err := s.pools.GetPool(ctx, poolID, scope)
	if err != nil {
		return nil, err
	}

	// Idempotency anchor: a settled pool is read-only. Never recompute.
	if pool.IsSettled {
		return s.settledOutcome(ctx, logger, pool), nil
	}

	// A final win row with the pool flag missing means the flag write
	// was lost; the win row is still authoritative.
	win, err := s.wins.GetFinal(ctx, poolID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read final win: %w", err)
	}
	if win != nil {
		s.repairSettledFlag(ctx, logger, pool, win)
		return s.outcomeFromWin(ctx, logger, pool, win), nil
	}

	now := s.now()
	if now.Before(pool.ExpiryTime) {
		return &Outcome{
			Status:     StatusNotYetDue,
			PoolID:     poolID,
			Scope:      scope,
			PoolName:   pool.DisplayName,
			PrizeKind:  pool.PrizeKind,
			ExpiryTime: pool.ExpiryTime,
		}, nil
	}

	contribs, err := s.contributions.ListByPool(ctx, poolID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load contributions: %w", err)
	}
	if len(contribs) == 0 {
		// The absence of contributions is itself authoritative; every
		// caller reaches this same conclusion, so a lost flag write
		// does not break idempotency here.
		if err := s.pools.MarkSettled(ctx, poolID, scope, nil, now); err != nil {
			logger.Warn().Err(err).Msg("Failed to mark empty pool settled")
		}
		s.invalidateStatus(ctx, poolID, scope)
		logger.Info().Msg("Pool settled with no contributions")
		return &Outcome{
			Status:     StatusNoContributions,
			PoolID:     poolID,
			Scope:      scope,
			PoolName:   pool.DisplayName,
			PrizeKind:  pool.PrizeKind,
			SettledAt:  now,
			ExpiryTime: pool.ExpiryTime,
		}, nil
	}

	// Serialize draw+persist per (pool, scope). The unique constraint on
	// the win store remains the safety net if the advisory lock is lost.
	lockKey := settleLockKey(poolID, scope)
	unlock := s.locks.lock(lockKey)
	defer unlock()
	release := acquireDistributed(ctx, s.locker, logger, lockKey, s.lockTTL)
	defer release()

	// Re-check under the lock: a racer may have settled while we waited.
	// Both halves of the dual write are re-read, because the holder may
	// have committed the flag and then failed the win-row insert; drawing
	// again here would mint a second winner.
	pool, err = s.pools.GetPool(ctx, poolID, scope)
	if err != nil {
		return nil, err
	}
	win, err = s.wins.GetFinal(ctx, poolID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to read final win: %w", err)
	}
	if win != nil {
		s.repairSettledFlag(ctx, logger, pool, win)
		return s.outcomeFromWin(ctx, logger, pool, win), nil
	}
	if pool.IsSettled {
		return s.settledOutcome(ctx, logger, pool), nil
	}

	// Uniform draw by row index: one row, one ticket, whatever its weight.
	idx := s.drawIndex(len(contribs))
	winnerID := contribs[idx].ContributorID

	amount := pool.FixedPrizeAmount
	if pool.PrizeKind != PrizeKindItem {
		amount = sumWeights(contribs)
	}

	settledAt := s.now()

	// Flag first, win row second; both are checked on every read path.
	if err := s.pools.MarkSettled(ctx, poolID, scope, &winnerID, settledAt); err != nil {
		logger.Warn().Err(err).Msg("Pool settled-flag write failed; win record remains the fallback")
	}

	newWin := &Win{
		ID:            uuid.New().String(),
		PoolID:        poolID,
		Scope:         scope,
		WinnerID:      winnerID,
		AwardedAmount: amount,
		Kind:          WinKindFinal,
		CreatedAt:     settledAt,
	}
	if err := s.wins.InsertFinal(ctx, newWin); err != nil {
		if errors.Is(err, ErrDuplicateWin) {
			// A concurrent caller committed first. Their winner is the
			// durable one; report it, not our local draw.
			existing, gerr := s.wins.GetFinal(ctx, poolID, scope)
			if gerr != nil {
				return nil, fmt.Errorf("failed to read winning insert after conflict: %w", gerr)
			}
			if existing == nil {
				return nil, err
			}
			s.repairSettledFlag(ctx, logger, pool, existing)
			return s.outcomeFromWin(ctx, logger, pool, existing), nil
		}
		return nil, fmt.Errorf("failed to record final win: %w", err)
	}

	s.invalidateStatus(ctx, poolID, scope)

	outcome := &Outcome{
		Status:        StatusSettled,
		PoolID:        poolID,
		Scope:         scope,
		PoolName:      pool.DisplayName,
		PrizeKind:     pool.PrizeKind,
		WinnerID:      winnerID,
		AwardedAmount: amount,
		SettledAt:     settledAt,
		ExpiryTime:    pool.ExpiryTime,
	}

	// Downstream failures never unwind the recorded winner; a retry
	// re-enters via the AlreadySettled short-circuit and re-attempts
	// materialization idempotently.
	assetRef, err := s.Materialize(ctx, pool, winnerID, amount)
	if err != nil {
		logger.Error().Err(err).Str("winner_id", winnerID).Msg("Reward materialization failed; retriable via Settle")
	}
	outcome.AssetRef = assetRef

	if s.events != nil {
		s.events.PoolSettled(ctx, outcome)
	}
	if s.broad != nil {
		s.broad.Send(Event{
			Type:      EventSettled,
			PoolID:    poolID,
			Scope:     scope,
			Amount:    amount,
			WinnerID:  winnerID,
			Timestamp: settledAt,
		})
	}

	logger.Info().
		Str("winner_id", winnerID).
		Str("amount", amount.String()).
		Int("contributions", len(contribs)).
		Msg("Pool settled")

	return outcome, nil
}

// settledOutcome builds the short-circuit result for a pool whose
// settled flag is set, preferring the win row for amount and asset info.
func (s *Service) settledOutcome(ctx context.Context, logger zerolog.Logger, pool *Pool) *Outcome {
	win, err := s.wins.GetFinal(ctx, pool.ID, pool.Scope)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read final win for settled pool")
	}
	if win != nil {
		return s.outcomeFromWin(ctx, logger, pool, win)
	}

	winnerID := ""
	if pool.WinnerID != nil {
		winnerID = *pool.WinnerID
	}
	if winnerID == "" {
		return &Outcome{
			Status:     StatusAlreadySettledNoWinner,
			PoolID:     pool.ID,
			Scope:      pool.Scope,
			PoolName:   pool.DisplayName,
			PrizeKind:  pool.PrizeKind,
			SettledAt:  settledAtOf(pool),
			ExpiryTime: pool.ExpiryTime,
		}
	}

	// The flag carries a winner but the win row is missing: the write
	// order is flag first, so a crash or failed insert strands this
	// state. The stored winner rules, and the contribution ledger is
	// immutable, so the awarded amount is recomputable. Backfill the
	// row so every read path agrees from here on.
	amount := pool.FixedPrizeAmount
	if pool.PrizeKind != PrizeKindItem {
		contribs, cerr := s.contributions.ListByPool(ctx, pool.ID, pool.Scope)
		if cerr != nil {
			// Without the ledger the amount is unknown; materializing a
			// zero reward would make zero permanent, so report only.
			logger.Warn().Err(cerr).Msg("Failed to recompute awarded amount for settled pool")
			return &Outcome{
				Status:     StatusAlreadySettled,
				PoolID:     pool.ID,
				Scope:      pool.Scope,
				PoolName:   pool.DisplayName,
				PrizeKind:  pool.PrizeKind,
				WinnerID:   winnerID,
				SettledAt:  settledAtOf(pool),
				ExpiryTime: pool.ExpiryTime,
			}
		}
		amount = sumWeights(contribs)
	}

	backfill := &Win{
		ID:            uuid.New().String(),
		PoolID:        pool.ID,
		Scope:         pool.Scope,
		WinnerID:      winnerID,
		AwardedAmount: amount,
		Kind:          WinKindFinal,
		CreatedAt:     settledAtOf(pool),
	}
	if err := s.wins.InsertFinal(ctx, backfill); err != nil {
		if errors.Is(err, ErrDuplicateWin) {
			// A concurrent repair or settle got there first; its row wins.
			if existing, gerr := s.wins.GetFinal(ctx, pool.ID, pool.Scope); gerr == nil && existing != nil {
				return s.outcomeFromWin(ctx, logger, pool, existing)
			}
		}
		logger.Warn().Err(err).Msg("Failed to backfill final win for settled pool")
	} else {
		logger.Info().
			Str("winner_id", winnerID).
			Str("amount", amount.String()).
			Msg("Backfilled missing final win from settled flag")
	}

	outcome := &Outcome{
		Status:        StatusAlreadySettled,
		PoolID:        pool.ID,
		Scope:         pool.Scope,
		PoolName:      pool.DisplayName,
		PrizeKind:     pool.PrizeKind,
		WinnerID:      winnerID,
		AwardedAmount: amount,
		SettledAt:     settledAtOf(pool),
		ExpiryTime:    pool.ExpiryTime,
	}
	outcome.AssetRef = s.rematerialize(ctx, logger, pool, winnerID, amount)
	return outcome
}

// outcomeFromWin reports a previously persisted outcome and re-attempts
// materialization so a stuck materializer heals on the next Settle call.
func (s *Service) outcomeFromWin(ctx context.Context, logger zerolog.Logger, pool *Pool, win *Win) *Outcome {
	outcome := &Outcome{
		Status:        StatusAlreadySettled,
		PoolID:        pool.ID,
		Scope:         pool.Scope,
		PoolName:      pool.DisplayName,
		PrizeKind:     pool.PrizeKind,
		WinnerID:      win.WinnerID,
		AwardedAmount: win.AwardedAmount,
		SettledAt:     win.CreatedAt,
		ExpiryTime:    pool.ExpiryTime,
	}
	outcome.AssetRef = s.rematerialize(ctx, logger, pool, win.WinnerID, win.AwardedAmount)
	return outcome
}

func (s *Service) rematerialize(ctx context.Context, logger zerolog.Logger, pool *Pool, winnerID string, amount decimal.Decimal) string {
	assetRef, err := s.Materialize(ctx, pool, winnerID, amount)
	if err != nil {
		logger.Warn().Err(err).Str("winner_id", winnerID).Msg("Reward re-materialization failed")
	}
	return assetRef
}

// repairSettledFlag restores a lost pool-level flag from the win row.
func (s *Service) repairSettledFlag(ctx context.Context, logger zerolog.Logger, pool *Pool, win *Win) {
	if pool.IsSettled {
		return
	}
	winnerID := win.WinnerID
	if err := s.pools.MarkSettled(ctx, pool.ID, pool.Scope, &winnerID, win.CreatedAt); err != nil {
		logger.Warn().Err(err).Msg("Failed to repair settled flag from win record")
	}
}

// Status is the read-only polling view; it never mutates state.
// requesterID personalizes isWinner/canClaim and may be empty.
func (s *Service) Status(ctx context.Context, poolID, requesterID, scope string) (*PoolStatus, error) {
	scope = NormalizeScope(scope)

	shared, err := s.sharedStatus(ctx, poolID, scope)
	if err != nil {
		return nil, err
	}

	status := *shared
	status.IsWinner = requesterID != "" && requesterID == status.WinnerUserID
	status.CanClaim = false
	status.RewardID = ""

	if status.IsWinner {
		reward, err := s.rewards.GetByOwnerAndName(ctx, requesterID, status.PoolName, scope)
		if err != nil {
			s.logger.Warn().Err(err).Str("pool_id", poolID).Msg("Failed to look up reward for status")
		} else if reward != nil {
			status.RewardID = reward.ID
			status.CanClaim = !reward.IsClaimed
		} else if status.PrizeKind == PrizeKindItem {
			// Item prizes materialize lazily at claim time.
			status.CanClaim = true
		}
	}

	return &status, nil
}

// sharedStatus loads (or revives from cache) the non-personalized part
// of the status view.
func (s *Service) sharedStatus(ctx context.Context, poolID, scope string) (*PoolStatus, error) {
	key := statusCacheKey(poolID, scope)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil && raw != nil {
			var cached PoolStatus
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		}
	}

	pool, err := s.pools.GetPool(ctx, poolID, scope)
	if err != nil {
		return nil, err
	}

	status := &PoolStatus{
		PoolName:   pool.DisplayName,
		IsExpired:  !s.now().Before(pool.ExpiryTime),
		IsSettled:  pool.IsSettled,
		PrizeKind:  pool.PrizeKind,
		ExpiryTime: pool.ExpiryTime,
	}

	winnerID := ""
	if pool.WinnerID != nil {
		winnerID = *pool.WinnerID
	}
	// Dual-read both halves of the settlement write. The win row is the
	// authoritative one: either write can be lost independently, and when
	// they disagree the row is what Settle reports.
	if win, err := s.wins.GetFinal(ctx, poolID, scope); err == nil && win != nil {
		status.IsSettled = true
		winnerID = win.WinnerID
	}
	status.HasWinner = winnerID != ""
	status.WinnerUserID = winnerID

	if s.cache != nil {
		if raw, err := json.Marshal(status); err == nil {
			_ = s.cache.Set(ctx, key, raw, s.statusTTL)
		}
	}

	return status, nil
}

// ListPools returns the read-only listing of all pools in a scope,
// ordered by expiry. It never mutates state and skips the win-row
// dual-read; the per-pool status endpoint is the authoritative view.
func (s *Service) ListPools(ctx context.Context, scope string) ([]PoolSummary, error) {
	scope = NormalizeScope(scope)

	pools, err := s.pools.ListPools(ctx, scope)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summaries := make([]PoolSummary, 0, len(pools))
	for i := range pools {
		p := &pools[i]
		winnerID := ""
		if p.WinnerID != nil {
			winnerID = *p.WinnerID
		}
		summaries = append(summaries, PoolSummary{
			PoolID:       p.ID,
			PoolName:     p.DisplayName,
			PrizeKind:    p.PrizeKind,
			IsExpired:    !now.Before(p.ExpiryTime),
			IsSettled:    p.IsSettled,
			HasWinner:    winnerID != "",
			WinnerUserID: winnerID,
			ExpiryTime:   p.ExpiryTime,
		})
	}
	return summaries, nil
}

func (s *Service) invalidateStatus(ctx context.Context, poolID, scope string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statusCacheKey(poolID, scope)); err != nil {
		s.logger.Debug().Err(err).Str("pool_id", poolID).Msg("Failed to invalidate status cache")
	}
}

func (s *Service) drawIndex(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Intn(n)
}

func sumWeights(contribs []Contribution) decimal.Decimal {
	return lo.Reduce(contribs, func(total decimal.Decimal, c Contribution, _ int) decimal.Decimal {
		return total.Add(c.Weight)
	}, decimal.Zero)
}

func statusCacheKey(poolID, scope string) string {
	return fmt.Sprintf("pool_status:%s:%s", scope, poolID)
}

func settledAtOf(pool *Pool) time.Time {
	if pool.SettledAt != nil {
		return *pool.SettledAt
	}
	return time.Time{}
}
