package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PoolModel is the persisted form of a prize pool. Settlement state lives on
// the row itself (is_settled, winner_id) so the flag and the win row can be
// cross-checked on read.
type PoolModel struct {
	ID               string          `gorm:"column:id;primaryKey;size:64"`
	Scope            string          `gorm:"column:scope;primaryKey;size:64"`
	DisplayName      string          `gorm:"column:display_name;size:255"`
	DisplayImage     string          `gorm:"column:display_image;size:255"`
	PrizeKind        string          `gorm:"column:prize_kind;size:32"`
	FixedPrizeAmount decimal.Decimal `gorm:"column:fixed_prize_amount;type:numeric(30,8)"`
	ExpiryTime       time.Time       `gorm:"column:expiry_time;index"`
	IsSettled        bool            `gorm:"column:is_settled;default:false"`
	WinnerID         *string         `gorm:"column:winner_id;size:64"`
	SettledAt        *time.Time      `gorm:"column:settled_at"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (PoolModel) TableName() string {
	return "pools"
}

// ContributionModel is an append-only ledger row. Rows are never mutated after
// insert; the draw reads them in insertion order.
type ContributionModel struct {
	ID            uint            `gorm:"column:id;primaryKey;autoIncrement"`
	PoolID        string          `gorm:"column:pool_id;size:64;index:idx_contributions_pool,priority:1"`
	Scope         string          `gorm:"column:scope;size:64;index:idx_contributions_pool,priority:2"`
	ContributorID string          `gorm:"column:contributor_id;size:64"`
	Weight        decimal.Decimal `gorm:"column:weight;type:numeric(30,8)"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (ContributionModel) TableName() string {
	return "contributions"
}

// WinModel records a settlement outcome. The composite unique index on
// (pool_id, scope, kind) is the hard guarantee that at most one final win
// exists per pool per scope, regardless of what the callers do.
type WinModel struct {
	ID            string          `gorm:"column:id;primaryKey;size:64"`
	PoolID        string          `gorm:"column:pool_id;size:64;uniqueIndex:idx_wins_final,priority:1"`
	Scope         string          `gorm:"column:scope;size:64;uniqueIndex:idx_wins_final,priority:2"`
	Kind          string          `gorm:"column:kind;size:32;uniqueIndex:idx_wins_final,priority:3"`
	WinnerID      string          `gorm:"column:winner_id;size:64;index"`
	AwardedAmount decimal.Decimal `gorm:"column:awarded_amount;type:numeric(30,8)"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (WinModel) TableName() string {
	return "settlement_wins"
}

// RewardModel is a claimable reward owned by a single user. The unique index
// on (owner_id, display_name, scope) makes materialization idempotent: a
// retry that races another writer collapses onto the existing row.
type RewardModel struct {
	ID          string           `gorm:"column:id;primaryKey;size:64"`
	OwnerID     string           `gorm:"column:owner_id;size:64;uniqueIndex:idx_rewards_owner_name,priority:1"`
	DisplayName string           `gorm:"column:display_name;size:255;uniqueIndex:idx_rewards_owner_name,priority:2"`
	Scope       string           `gorm:"column:scope;size:64;uniqueIndex:idx_rewards_owner_name,priority:3"`
	ImageRef    string           `gorm:"column:image_ref;size:255"`
	Kind        string           `gorm:"column:kind;size:32"`
	AssetRef    string           `gorm:"column:asset_ref;size:255"`
	Amount      *decimal.Decimal `gorm:"column:amount;type:numeric(30,8)"`
	IsClaimed   bool             `gorm:"column:is_claimed;default:false"`
	ClaimedAt   *time.Time       `gorm:"column:claimed_at"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (RewardModel) TableName() string {
	return "claimable_rewards"
}

// AutoMigrate creates or updates the settlement tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PoolModel{},
		&ContributionModel{},
		&WinModel{},
		&RewardModel{},
	)
}
