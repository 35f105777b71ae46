package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory implementation of the store interfaces used
// to exercise the settlement engine without a database. It reproduces
// the same uniqueness guarantees the Postgres layer enforces.
type memStore struct {
	mu       sync.Mutex
	pools    map[string]*Pool
	contribs map[string][]Contribution
	wins     map[string]*Win
	rewards  map[string]*Reward

	markSettledErr error
	failInsertWin  error

	// listHook runs at the top of ListByPool; tests use it to order
	// concurrent callers around the contribution read.
	listHook func()
}

func newMemStore() *memStore {
	return &memStore{
		pools:    make(map[string]*Pool),
		contribs: make(map[string][]Contribution),
		wins:     make(map[string]*Win),
		rewards:  make(map[string]*Reward),
	}
}

func poolKey(poolID, scope string) string {
	return scope + ":" + poolID
}

func rewardNameKey(ownerID, displayName, scope string) string {
	return scope + ":" + ownerID + ":" + displayName
}

func (m *memStore) addPool(p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pools[poolKey(p.ID, p.Scope)] = &cp
}

func (m *memStore) addContribution(poolID, scope, contributorID string, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := poolKey(poolID, scope)
	m.contribs[key] = append(m.contribs[key], Contribution{
		PoolID:        poolID,
		Scope:         scope,
		ContributorID: contributorID,
		Weight:        decimal.NewFromFloat(weight),
		CreatedAt:     time.Now(),
	})
}

func (m *memStore) poolState(poolID, scope string) Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.pools[poolKey(poolID, scope)]
}

// forceSettle writes only the pool-level half of the settlement dual
// write, the state a crash between the flag update and the win insert
// leaves behind.
func (m *memStore) forceSettle(poolID, scope, winnerID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pools[poolKey(poolID, scope)]
	p.IsSettled = true
	w := winnerID
	p.WinnerID = &w
	t := at
	p.SettledAt = &t
}

func (m *memStore) finalWin(poolID, scope string) *Win {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wins[poolKey(poolID, scope)]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

func (m *memStore) winCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wins)
}

func (m *memStore) rewardByOwner(ownerID, displayName, scope string) *Reward {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rewards {
		if r.OwnerID == ownerID && r.DisplayName == displayName && r.Scope == scope {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (m *memStore) GetPool(ctx context.Context, poolID, scope string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolKey(poolID, scope)]
	if !ok {
		return nil, ErrPoolNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListPools(ctx context.Context, scope string) ([]Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pools []Pool
	for _, p := range m.pools {
		if p.Scope == scope {
			pools = append(pools, *p)
		}
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].ExpiryTime.Before(pools[j].ExpiryTime)
	})
	return pools, nil
}

func (m *memStore) MarkSettled(ctx context.Context, poolID, scope string, winnerID *string, settledAt time.Time) error {
	if m.markSettledErr != nil {
		return m.markSettledErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolKey(poolID, scope)]
	if !ok {
		return ErrPoolNotFound
	}
	if p.IsSettled {
		return nil
	}
	p.IsSettled = true
	p.WinnerID = winnerID
	at := settledAt
	p.SettledAt = &at
	return nil
}

func (m *memStore) ListByPool(ctx context.Context, poolID, scope string) ([]Contribution, error) {
	if h := m.listHook; h != nil {
		h()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.contribs[poolKey(poolID, scope)]
	out := make([]Contribution, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *memStore) GetFinal(ctx context.Context, poolID, scope string) (*Win, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wins[poolKey(poolID, scope)]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *memStore) InsertFinal(ctx context.Context, win *Win) error {
	if m.failInsertWin != nil {
		return m.failInsertWin
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := poolKey(win.PoolID, win.Scope)
	if _, exists := m.wins[key]; exists {
		return ErrDuplicateWin
	}
	cp := *win
	m.wins[key] = &cp
	return nil
}

func (m *memStore) GetByID(ctx context.Context, rewardID, scope string) (*Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rewards[rewardID]
	if !ok || r.Scope != scope {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) GetByOwnerAndName(ctx context.Context, ownerID, displayName, scope string) (*Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rewards {
		if r.OwnerID == ownerID && r.DisplayName == displayName && r.Scope == scope {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindAssetRefByName(ctx context.Context, displayName, scope string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rewards {
		if r.DisplayName == displayName && r.Scope == scope && r.AssetRef != "" {
			return r.AssetRef, nil
		}
	}
	return "", nil
}

func (m *memStore) Insert(ctx context.Context, reward *Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nameKey := rewardNameKey(reward.OwnerID, reward.DisplayName, reward.Scope)
	for _, r := range m.rewards {
		if rewardNameKey(r.OwnerID, r.DisplayName, r.Scope) == nameKey {
			return ErrDuplicateReward
		}
	}
	cp := *reward
	m.rewards[reward.ID] = &cp
	return nil
}

func (m *memStore) MarkClaimed(ctx context.Context, rewardID, scope string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rewards[rewardID]
	if !ok || r.Scope != scope {
		return false, fmt.Errorf("reward %s not found", rewardID)
	}
	if r.IsClaimed {
		return false, nil
	}
	r.IsClaimed = true
	return true, nil
}

// fakePayout counts executor invocations and reproduces the executor's
// own idempotency layer: a payout ref that was already processed answers
// ErrAlreadyProcessed instead of paying twice.
type fakePayout struct {
	mu              sync.Mutex
	creditCalls     int
	transferCalls   int
	balance         decimal.Decimal
	creditErr       error
	transferErr     error
	alreadyProcess  bool
	lastCreditedFor string
	processed       map[string]bool
}

func newFakePayout() *fakePayout {
	return &fakePayout{
		balance:   decimal.NewFromInt(100),
		processed: make(map[string]bool),
	}
}

func (f *fakePayout) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal, scope, payoutRef string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creditCalls++
	f.lastCreditedFor = userID
	if f.creditErr != nil {
		return decimal.Zero, f.creditErr
	}
	key := "credit:" + scope + ":" + userID + ":" + payoutRef
	if f.alreadyProcess || f.processed[key] {
		return decimal.Zero, ErrAlreadyProcessed
	}
	f.processed[key] = true
	f.balance = f.balance.Add(amount)
	return f.balance, nil
}

func (f *fakePayout) TransferAsset(ctx context.Context, userID, assetRef, scope, payoutRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	if f.transferErr != nil {
		return f.transferErr
	}
	key := "transfer:" + scope + ":" + userID + ":" + payoutRef
	if f.alreadyProcess || f.processed[key] {
		return ErrAlreadyProcessed
	}
	f.processed[key] = true
	return nil
}

func (f *fakePayout) credits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creditCalls
}

func (f *fakePayout) transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferCalls
}

func newTestService(store *memStore, payout *fakePayout, now time.Time) *Service {
	return NewService(ServiceConfig{
		Pools:         store,
		Contributions: store,
		Wins:          store,
		Rewards:       store,
		Payout:        payout,
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return now },
		Seed:          42,
	})
}
