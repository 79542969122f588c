// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/learnhub/wallet-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serialises units per wallet with one mutex each. Writes made inside
// a unit are buffered in the view and published under the global lock on
// commit, so readers never observe half a unit and a failed unit leaves no
// trace.
type Memory struct {
	mu           sync.RWMutex
	wallets      map[ledger.WalletID]ledger.Wallet
	owners       map[owner]ledger.WalletID
	transactions map[ledger.WalletID][]ledger.Transaction
	credits      map[ledger.WalletID][]ledger.CreditBatch
	payouts      map[ledger.PayoutID]ledger.PayoutRequest
	payoutOrder  []ledger.PayoutID

	locksMu sync.Mutex
	locks   map[ledger.WalletID]*sync.Mutex
}

var _ ledger.Store = (*Memory)(nil)

type owner struct {
	UserID   string
	UserType ledger.UserType
}

func NewMemory() *Memory {
	return &Memory{
		wallets:      make(map[ledger.WalletID]ledger.Wallet),
		owners:       make(map[owner]ledger.WalletID),
		transactions: make(map[ledger.WalletID][]ledger.Transaction),
		credits:      make(map[ledger.WalletID][]ledger.CreditBatch),
		payouts:      make(map[ledger.PayoutID]ledger.PayoutRequest),
		locks:        make(map[ledger.WalletID]*sync.Mutex),
	}
}

func (m *Memory) walletLock(id ledger.WalletID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) CreateWallet(_ context.Context, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := owner{UserID: w.UserID, UserType: w.UserType}
	if _, ok := m.owners[k]; ok {
		return ledger.ErrWalletExists
	}
	if _, ok := m.wallets[w.ID]; ok {
		return ledger.ErrWalletExists
	}
	m.wallets[w.ID] = w
	m.owners[k] = w.ID
	return nil
}

func (m *Memory) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	return &w, nil
}

func (m *Memory) FindWallet(_ context.Context, userID string, userType ledger.UserType) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.owners[owner{UserID: userID, UserType: userType}]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	w := m.wallets[id]
	return &w, nil
}

func (m *Memory) ListTransactions(_ context.Context, walletID ledger.WalletID, limit, offset int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.transactions[walletID]
	result := make([]ledger.Transaction, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (m *Memory) ListCredits(_ context.Context, walletID ledger.WalletID) ([]ledger.CreditBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedCredits(m.credits[walletID]), nil
}

func (m *Memory) DueCredits(_ context.Context, now time.Time, limit int) ([]ledger.CreditBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []ledger.CreditBatch
	for _, batches := range m.credits {
		for _, b := range batches {
			if b.IsDue(now) {
				due = append(due, b)
			}
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ExpiresAt.Before(*due[j].ExpiresAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) GetPayout(_ context.Context, id ledger.PayoutID) (*ledger.PayoutRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.payouts[id]
	if !ok {
		return nil, ledger.ErrPayoutNotFound
	}
	return &r, nil
}

func (m *Memory) ListPayouts(_ context.Context, filter ledger.PayoutFilter) ([]ledger.PayoutRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.PayoutRequest
	for i := len(m.payoutOrder) - 1; i >= 0; i-- {
		r := m.payouts[m.payoutOrder[i]]
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.AmbassadorID != "" && r.AmbassadorID != filter.AmbassadorID {
			continue
		}
		result = append(result, r)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

func (m *Memory) WithWallet(ctx context.Context, id ledger.WalletID, fn func(tx ledger.WalletTx) error) error {
	lock := m.walletLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	w, ok := m.wallets[id]
	if !ok {
		m.mu.RUnlock()
		return ledger.ErrWalletNotFound
	}
	view := &memoryView{
		parent:  m,
		start:   w,
		wallet:  w,
		credits: sortedCredits(m.credits[id]),
		payouts: make(map[ledger.PayoutID]ledger.PayoutRequest),
	}
	m.mu.RUnlock()

	if err := fn(view); err != nil {
		return err
	}

	m.commit(view)
	return nil
}

func (m *Memory) commit(v *memoryView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := v.start.ID
	m.wallets[id] = v.wallet
	m.transactions[id] = append(m.transactions[id], v.appended...)
	if v.creditsDirty {
		m.credits[id] = v.credits
	}
	for _, pid := range v.payoutIDs {
		if _, exists := m.payouts[pid]; !exists {
			m.payoutOrder = append(m.payoutOrder, pid)
		}
		m.payouts[pid] = v.payouts[pid]
	}
}

type memoryView struct {
	parent *Memory
	start  ledger.Wallet
	wallet ledger.Wallet

	appended     []ledger.Transaction
	credits      []ledger.CreditBatch
	creditsDirty bool
	payouts      map[ledger.PayoutID]ledger.PayoutRequest
	payoutIDs    []ledger.PayoutID
}

func (v *memoryView) Wallet() ledger.Wallet {
	return v.start
}

func (v *memoryView) UpdateWallet(_ context.Context, w ledger.Wallet) error {
	if w.ID != v.start.ID {
		return fmt.Errorf("wallet %s is not locked by this unit", w.ID)
	}
	v.wallet = w
	return nil
}

func (v *memoryView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	v.appended = append(v.appended, tx)
	return nil
}

func (v *memoryView) Transactions(_ context.Context) ([]ledger.Transaction, error) {
	v.parent.mu.RLock()
	committed := v.parent.transactions[v.start.ID]
	result := make([]ledger.Transaction, 0, len(committed)+len(v.appended))
	result = append(result, committed...)
	v.parent.mu.RUnlock()
	return append(result, v.appended...), nil
}

func (v *memoryView) Credits(_ context.Context) ([]ledger.CreditBatch, error) {
	result := make([]ledger.CreditBatch, len(v.credits))
	copy(result, v.credits)
	return result, nil
}

func (v *memoryView) InsertCredit(_ context.Context, b ledger.CreditBatch) error {
	v.credits = append(v.credits, b)
	v.creditsDirty = true
	return nil
}

func (v *memoryView) UpdateCredit(_ context.Context, b ledger.CreditBatch) error {
	for i := range v.credits {
		if v.credits[i].ID == b.ID {
			v.credits[i] = b
			v.creditsDirty = true
			return nil
		}
	}
	return fmt.Errorf("credit batch %s not found in wallet %s", b.ID, v.start.ID)
}

func (v *memoryView) GetPayout(_ context.Context, id ledger.PayoutID) (*ledger.PayoutRequest, error) {
	if r, ok := v.payouts[id]; ok {
		return &r, nil
	}
	v.parent.mu.RLock()
	r, ok := v.parent.payouts[id]
	v.parent.mu.RUnlock()
	if !ok || r.WalletID != v.start.ID {
		return nil, ledger.ErrPayoutNotFound
	}
	return &r, nil
}

func (v *memoryView) SavePayout(_ context.Context, r ledger.PayoutRequest) error {
	if r.WalletID != v.start.ID {
		return fmt.Errorf("payout %s does not belong to wallet %s", r.ID, v.start.ID)
	}
	if _, seen := v.payouts[r.ID]; !seen {
		v.payoutIDs = append(v.payoutIDs, r.ID)
	}
	v.payouts[r.ID] = r
	return nil
}

// sortedCredits returns a copy ordered oldest CreatedAt first.
func sortedCredits(in []ledger.CreditBatch) []ledger.CreditBatch {
	out := make([]ledger.CreditBatch, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
