package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/wallet-ledger/ledger"
	"github.com/learnhub/wallet-ledger/ledger/store"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func seedWallet(t *testing.T, m *store.Memory, id, user string) ledger.Wallet {
	t.Helper()
	w := ledger.Wallet{
		ID:        ledger.WalletID(id),
		UserID:    user,
		UserType:  ledger.UserStudent,
		Balance:   ledger.Balance{Credits: decimal.Zero, Currency: "USD"},
		Status:    ledger.WalletActive,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, m.CreateWallet(context.Background(), w))
	return w
}

func TestMemory_CreateAndFindWallet(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	w, err := m.FindWallet(ctx, "alice", ledger.UserStudent)
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletID("w1"), w.ID)

	_, err = m.FindWallet(ctx, "alice", ledger.UserAmbassador)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)

	dup := *w
	dup.ID = "w2"
	assert.ErrorIs(t, m.CreateWallet(ctx, dup), ledger.ErrWalletExists)
}

func TestMemory_WithWallet_CommitsAllWrites(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	err := m.WithWallet(ctx, "w1", func(tx ledger.WalletTx) error {
		w := tx.Wallet()
		w.Balance.Points = 10
		require.NoError(t, tx.UpdateWallet(ctx, w))
		require.NoError(t, tx.AppendTransaction(ctx, ledger.Transaction{ID: "t1", WalletID: "w1", Points: 10, CreatedAt: t0}))
		require.NoError(t, tx.InsertCredit(ctx, ledger.CreditBatch{ID: "b1", WalletID: "w1", Amount: decimal.NewFromInt(5), RemainingAmount: decimal.NewFromInt(5), CreatedAt: t0}))

		// Writes are visible inside the unit.
		credits, err := tx.Credits(ctx)
		require.NoError(t, err)
		assert.Len(t, credits, 1)
		txs, err := tx.Transactions(ctx)
		require.NoError(t, err)
		assert.Len(t, txs, 1)
		return nil
	})
	require.NoError(t, err)

	w, err := m.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Balance.Points)

	txs, err := m.ListTransactions(ctx, "w1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	credits, err := m.ListCredits(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, credits, 1)
}

func TestMemory_WithWallet_ErrorDiscardsWrites(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	boom := errors.New("boom")
	err := m.WithWallet(ctx, "w1", func(tx ledger.WalletTx) error {
		w := tx.Wallet()
		w.Balance.Points = 99
		_ = tx.UpdateWallet(ctx, w)
		_ = tx.AppendTransaction(ctx, ledger.Transaction{ID: "t1", WalletID: "w1", Points: 99})
		_ = tx.SavePayout(ctx, ledger.PayoutRequest{ID: "p1", WalletID: "w1", Status: ledger.PayoutPending})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	w, err := m.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance.Points)

	txs, err := m.ListTransactions(ctx, "w1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, err = m.GetPayout(ctx, "p1")
	assert.ErrorIs(t, err, ledger.ErrPayoutNotFound)
}

func TestMemory_WithWallet_UnknownWallet(t *testing.T) {
	m := store.NewMemory()
	err := m.WithWallet(context.Background(), "missing", func(tx ledger.WalletTx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestMemory_ListTransactions_NewestFirstWithPaging(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	for i := 1; i <= 5; i++ {
		i := i
		require.NoError(t, m.WithWallet(ctx, "w1", func(tx ledger.WalletTx) error {
			return tx.AppendTransaction(ctx, ledger.Transaction{
				ID:        ledger.TransactionID(fmt.Sprintf("t%d", i)),
				WalletID:  "w1",
				CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			})
		}))
	}

	page, err := m.ListTransactions(ctx, "w1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.TransactionID("t5"), page[0].ID)
	assert.Equal(t, ledger.TransactionID("t4"), page[1].ID)

	page, err = m.ListTransactions(ctx, "w1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.TransactionID("t1"), page[0].ID)

	page, err = m.ListTransactions(ctx, "w1", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemory_DueCredits(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	past := t0.Add(-time.Hour)
	future := t0.Add(time.Hour)
	require.NoError(t, m.WithWallet(ctx, "w1", func(tx ledger.WalletTx) error {
		for _, b := range []ledger.CreditBatch{
			{ID: "due", WalletID: "w1", Amount: decimal.NewFromInt(30), RemainingAmount: decimal.NewFromInt(30), ExpiresAt: &past, CreatedAt: t0},
			{ID: "later", WalletID: "w1", Amount: decimal.NewFromInt(30), RemainingAmount: decimal.NewFromInt(30), ExpiresAt: &future, CreatedAt: t0},
			{ID: "empty", WalletID: "w1", Amount: decimal.NewFromInt(30), RemainingAmount: decimal.Zero, ExpiresAt: &past, CreatedAt: t0},
			{ID: "forever", WalletID: "w1", Amount: decimal.NewFromInt(30), RemainingAmount: decimal.NewFromInt(30), CreatedAt: t0},
		} {
			if err := tx.InsertCredit(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}))

	due, err := m.DueCredits(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ledger.BatchID("due"), due[0].ID)
}

func TestMemory_ListPayouts_Filter(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	require.NoError(t, m.WithWallet(ctx, "w1", func(tx ledger.WalletTx) error {
		_ = tx.SavePayout(ctx, ledger.PayoutRequest{ID: "p1", WalletID: "w1", AmbassadorID: "alice", Status: ledger.PayoutPending})
		return tx.SavePayout(ctx, ledger.PayoutRequest{ID: "p2", WalletID: "w1", AmbassadorID: "alice", Status: ledger.PayoutRejected})
	}))

	all, err := m.ListPayouts(ctx, ledger.PayoutFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.PayoutID("p2"), all[0].ID)

	pending, err := m.ListPayouts(ctx, ledger.PayoutFilter{Status: ledger.PayoutPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ledger.PayoutID("p1"), pending[0].ID)

	none, err := m.ListPayouts(ctx, ledger.PayoutFilter{AmbassadorID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_SavePayout_OtherWalletRejected(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "w1", "alice")

	err := m.WithWallet(ctx, "w1", func(tx ledger.WalletTx) error {
		return tx.SavePayout(ctx, ledger.PayoutRequest{ID: "p1", WalletID: "w2"})
	})
	assert.Error(t, err)
}
