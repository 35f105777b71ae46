package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PrizeKind identifies what a pool pays out.
type PrizeKind string

const (
	PrizeKindFungible PrizeKind = "fungible"
	PrizeKindAsset    PrizeKind = "asset"
	PrizeKindItem     PrizeKind = "item"
)

// WinKindFinal marks the single authoritative win record of a pool.
// The win store enforces uniqueness on (pool_id, scope, kind=final).
const WinKindFinal = "final"

// ScopeGlobal is the scope used when no tenant scope is given.
const ScopeGlobal = "global"

// Pool is a time-boxed prize pool scoped to a tenant.
type Pool struct {
	ID               string
	Scope            string
	DisplayName      string
	DisplayImage     string
	PrizeKind        PrizeKind
	FixedPrizeAmount decimal.Decimal
	ExpiryTime       time.Time

	// Settlement outcome, mutable exactly once.
	IsSettled bool
	WinnerID  *string
	SettledAt *time.Time
}

// Contribution is one purchased unit of chance against a pool.
// One row is one ticket regardless of its weight.
type Contribution struct {
	PoolID        string
	ContributorID string
	Scope         string
	Weight        decimal.Decimal
	CreatedAt     time.Time
}

// Win is the immutable record of a pool's outcome.
type Win struct {
	ID            string
	PoolID        string
	Scope         string
	WinnerID      string
	AwardedAmount decimal.Decimal
	Kind          string
	CreatedAt     time.Time
}

// Reward is a claimable reward entry visible to the winner.
// Amount is nil for asset rewards: an asset reward is never also a
// balance credit.
type Reward struct {
	ID          string
	OwnerID     string
	Scope       string
	DisplayName string
	ImageRef    string
	Kind        PrizeKind
	AssetRef    string
	Amount      *decimal.Decimal
	IsClaimed   bool
	CreatedAt   time.Time
}

// Sentinel errors surfaced by stores and the payout executor.
var (
	ErrPoolNotFound     = errors.New("pool not found")
	ErrRewardNotFound   = errors.New("reward not found")
	ErrNotOwner         = errors.New("reward does not belong to claimant")
	ErrDuplicateWin     = errors.New("final win already recorded for pool")
	ErrDuplicateReward  = errors.New("reward already exists for owner and pool")
	ErrAlreadyProcessed = errors.New("payout already processed")
	ErrNoAssetRef       = errors.New("no asset reference resolvable for pool")
)

// PoolStore reads pools and flips their settled flag.
type PoolStore interface {
	GetPool(ctx context.Context, poolID, scope string) (*Pool, error)
	ListPools(ctx context.Context, scope string) ([]Pool, error)
	MarkSettled(ctx context.Context, poolID, scope string, winnerID *string, settledAt time.Time) error
}

// ContributionLedger reads the append-only contribution records.
// Settlement never writes to it.
type ContributionLedger interface {
	ListByPool(ctx context.Context, poolID, scope string) ([]Contribution, error)
}

// WinStore persists the one final win per pool. GetFinal returns
// (nil, nil) when no final win exists. InsertFinal returns
// ErrDuplicateWin when a final win is already recorded.
type WinStore interface {
	GetFinal(ctx context.Context, poolID, scope string) (*Win, error)
	InsertFinal(ctx context.Context, win *Win) error
}

// RewardStore persists claimable rewards. Lookups return (nil, nil)
// when absent. MarkClaimed is a compare-and-set: it reports false when
// the reward was already claimed.
type RewardStore interface {
	GetByID(ctx context.Context, rewardID, scope string) (*Reward, error)
	GetByOwnerAndName(ctx context.Context, ownerID, displayName, scope string) (*Reward, error)
	FindAssetRefByName(ctx context.Context, displayName, scope string) (string, error)
	Insert(ctx context.Context, reward *Reward) error
	MarkClaimed(ctx context.Context, rewardID, scope string) (bool, error)
}

// PayoutExecutor performs the actual balance credit or asset transfer.
// Implementations return ErrAlreadyProcessed (possibly wrapped) when
// their own idempotency layer reports the payout as done. payoutRef
// identifies the payout (reward or pool) and must be stable across
// retries; two distinct payouts never share a ref, even for the same
// user and amount.
type PayoutExecutor interface {
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal, scope, payoutRef string) (newBalance decimal.Decimal, err error)
	TransferAsset(ctx context.Context, userID, assetRef, scope, payoutRef string) error
}

// Locker is an advisory lock scoped to a key, e.g. Redis SETNX.
// Acquire reports false when another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// StatusCache caches serialized pool status for the polling read path.
// Get returns (nil, nil) on a miss.
type StatusCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// EventSink receives settlement lifecycle events (e.g. a Kafka producer).
type EventSink interface {
	PoolSettled(ctx context.Context, outcome *Outcome)
	RewardClaimed(ctx context.Context, poolID, scope, ownerID string, amount decimal.Decimal)
}

// OutcomeStatus discriminates Settle results.
type OutcomeStatus string

const (
	StatusSettled                OutcomeStatus = "settled"
	StatusAlreadySettled         OutcomeStatus = "already_settled"
	StatusAlreadySettledNoWinner OutcomeStatus = "already_settled_no_winner"
	StatusNotYetDue              OutcomeStatus = "not_yet_due"
	StatusNoContributions        OutcomeStatus = "no_contributions"
)

// Outcome is the result of a Settle invocation.
type Outcome struct {
	Status        OutcomeStatus
	PoolID        string
	Scope         string
	PoolName      string
	PrizeKind     PrizeKind
	WinnerID      string
	AwardedAmount decimal.Decimal
	AssetRef      string
	SettledAt     time.Time
	ExpiryTime    time.Time
}

// HasWinner reports whether the outcome carries a winner.
func (o *Outcome) HasWinner() bool {
	return o.WinnerID != ""
}

// ClaimStatus discriminates Claim results.
type ClaimStatus string

const (
	ClaimStatusClaimed        ClaimStatus = "claimed"
	ClaimStatusAlreadyClaimed ClaimStatus = "already_claimed"
)

// ClaimResult is the result of a Claim invocation.
type ClaimResult struct {
	Status     ClaimStatus
	Amount     decimal.Decimal
	NewBalance decimal.Decimal
	AssetRef   string
}

// PoolStatus is the read-only polling view of a pool.
type PoolStatus struct {
	PoolName     string    `json:"poolName,omitempty"`
	IsExpired    bool      `json:"isExpired"`
	IsSettled    bool      `json:"isSettled"`
	HasWinner    bool      `json:"hasWinner"`
	WinnerUserID string    `json:"winnerUserId,omitempty"`
	IsWinner     bool      `json:"isWinner"`
	PrizeKind    PrizeKind `json:"prizeType"`
	CanClaim     bool      `json:"canClaim"`
	RewardID     string    `json:"rewardId,omitempty"`
	ExpiryTime   time.Time `json:"expiryTime"`
}

// PoolSummary is one row of the read-only pool listing.
type PoolSummary struct {
	PoolID       string    `json:"poolId"`
	PoolName     string    `json:"poolName,omitempty"`
	PrizeKind    PrizeKind `json:"prizeType"`
	IsExpired    bool      `json:"isExpired"`
	IsSettled    bool      `json:"isSettled"`
	HasWinner    bool      `json:"hasWinner"`
	WinnerUserID string    `json:"winnerUserId,omitempty"`
	ExpiryTime   time.Time `json:"expiryTime"`
}
