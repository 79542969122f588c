package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/wallet-ledger/ledger"
	"github.com/learnhub/wallet-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *store.Memory, *testClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := newTestClock()
	base := []ledger.Option{
		ledger.WithClock(clock.Now),
		ledger.WithLogger(quietLogger()),
		ledger.WithRetry(3, 0),
	}
	return ledger.NewEngine(mem, append(base, opts...)...), mem, clock
}

func newWallet(t *testing.T, e *ledger.Engine, userID string, userType ledger.UserType) *ledger.Wallet {
	t.Helper()
	w, err := e.EnsureWallet(context.Background(), ledger.EnsureWalletRequest{UserID: userID, UserType: userType})
	require.NoError(t, err)
	return w
}

func addPoints(t *testing.T, e *ledger.Engine, walletID ledger.WalletID, points int64) {
	t.Helper()
	_, err := e.AddTransaction(context.Background(), ledger.AddTransactionRequest{
		WalletID:    walletID,
		Type:        ledger.TxReferralBonus,
		Points:      points,
		Description: "referral",
	})
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func balanceOf(t *testing.T, e *ledger.Engine, id ledger.WalletID) ledger.Balance {
	t.Helper()
	w, err := e.GetWalletByID(context.Background(), id)
	require.NoError(t, err)
	return w.Balance
}

func history(t *testing.T, e *ledger.Engine, id ledger.WalletID) []ledger.Transaction {
	t.Helper()
	txs, err := e.GetTransactionHistory(context.Background(), id, ledger.MaxHistoryLimit, 0)
	require.NoError(t, err)
	return txs
}

func assertConsistent(t *testing.T, e *ledger.Engine, id ledger.WalletID) {
	t.Helper()
	rec, err := e.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "wallet %s out of balance: %+v", id, rec)
}

// =============================================================================
// WALLETS
// =============================================================================

func TestEnsureWallet_CreatesOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	first := newWallet(t, e, "user-1", ledger.UserStudent)
	second := newWallet(t, e, "user-1", ledger.UserStudent)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(0), first.Balance.Points)
	assertDecimal(t, "0", first.Balance.Credits)
	assert.Equal(t, "USD", first.Balance.Currency)
	assert.Equal(t, ledger.WalletActive, first.Status)

	// Same user in another role gets its own wallet.
	amb := newWallet(t, e, "user-1", ledger.UserAmbassador)
	assert.NotEqual(t, first.ID, amb.ID)

	got, err := e.GetWallet(ctx, "user-1", ledger.UserAmbassador)
	require.NoError(t, err)
	assert.Equal(t, amb.ID, got.ID)
}

func TestEnsureWallet_CustomCurrency(t *testing.T) {
	e, _, _ := newTestEngine(t, ledger.WithCurrency("eur"))

	w := newWallet(t, e, "user-1", ledger.UserStudent)
	assert.Equal(t, "EUR", w.Balance.Currency)

	w2, err := e.EnsureWallet(context.Background(), ledger.EnsureWalletRequest{UserID: "user-2", UserType: ledger.UserStudent, Currency: "ngn"})
	require.NoError(t, err)
	assert.Equal(t, "NGN", w2.Balance.Currency)
}

func TestEnsureWallet_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.EnsureWallet(context.Background(), ledger.EnsureWalletRequest{UserID: "u", UserType: "parent"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "UserType", ve.Field)

	_, err = e.EnsureWallet(context.Background(), ledger.EnsureWalletRequest{UserType: ledger.UserStudent})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestGetWallet_NotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.GetWallet(context.Background(), "nobody", ledger.UserStudent)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

func TestCloseWallet_BlocksMutations(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "user-1", ledger.UserStudent)
	addPoints(t, e, w.ID, 10)

	closed, err := e.CloseWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletClosed, closed.Status)

	_, err = e.AddTransaction(ctx, ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxReferralBonus, Points: 5})
	assert.ErrorIs(t, err, ledger.ErrWalletClosed)

	_, err = e.CloseWallet(ctx, w.ID)
	assert.ErrorIs(t, err, ledger.ErrWalletClosed)

	// History is kept.
	assert.Len(t, history(t, e, w.ID), 1)
	assert.Equal(t, int64(10), balanceOf(t, e, w.ID).Points)
}

// =============================================================================
// ADD TRANSACTION
// =============================================================================

func TestAddTransaction_PointsBonus(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	tx, err := e.AddTransaction(ctx, ledger.AddTransactionRequest{
		WalletID:    w.ID,
		Type:        ledger.TxRegistrationBonus,
		Points:      250,
		Description: "welcome",
		ReferenceID: "signup-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, w.ID, tx.WalletID)
	assert.Equal(t, clock.Now(), tx.CreatedAt)
	assert.Equal(t, "signup-1", tx.ReferenceID)
	assert.Equal(t, int64(250), balanceOf(t, e, w.ID).Points)
}

func TestAddTransaction_PointsBelowZero_Rejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)
	addPoints(t, e, w.ID, 50)

	_, err := e.AddTransaction(ctx, ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxAdjustment, Points: -51})
	require.ErrorIs(t, err, ledger.ErrInsufficientPoints)
	assert.True(t, ledger.IsClientError(err))
	assert.False(t, ledger.IsRetryable(err))

	var fe *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "points", fe.Unit)
	assertDecimal(t, "50", fe.Available)
	assertDecimal(t, "51", fe.Requested)

	// Nothing was written.
	assert.Len(t, history(t, e, w.ID), 1)
	assert.Equal(t, int64(50), balanceOf(t, e, w.ID).Points)
}

func TestAddTransaction_PositiveCreditsAreSpendable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "user-1", ledger.UserStudent)

	tx, err := e.AddTransaction(ctx, ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxAdjustment, Amount: dec("20")})
	require.NoError(t, err)
	assert.NotEmpty(t, tx.Metadata[ledger.MetaCreditBatchID])

	credits, err := e.GetWalletCredits(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, "adjustment", credits[0].Source)
	assert.Nil(t, credits[0].ExpiresAt)

	_, err = e.AddTransaction(ctx, ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxAdjustment, Amount: dec("-15")})
	require.NoError(t, err)
	assertDecimal(t, "5", balanceOf(t, e, w.ID).Credits)
	assertConsistent(t, e, w.ID)
}

func TestAddTransaction_NegativeCreditsMustBeCovered(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "user-1", ledger.UserStudent)

	_, err := e.AddTransaction(ctx, ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxDebit, Amount: dec("-1")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Empty(t, history(t, e, w.ID))
}

func TestAddTransaction_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "user-1", ledger.UserStudent)

	tests := []struct {
		name string
		req  ledger.AddTransactionRequest
	}{
		{"missing wallet", ledger.AddTransactionRequest{Type: ledger.TxCredit, Points: 1}},
		{"unknown type", ledger.AddTransactionRequest{WalletID: w.ID, Type: "gift", Points: 1}},
		{"zero deltas", ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxCredit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddTransaction(ctx, tt.req)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestAddTransaction_UnknownWallet(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.AddTransaction(context.Background(), ledger.AddTransactionRequest{WalletID: "missing", Type: ledger.TxCredit, Points: 1})
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestGetTransactionHistory_NewestFirst(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	for i := int64(1); i <= 3; i++ {
		addPoints(t, e, w.ID, i)
		clock.Advance(time.Minute)
	}

	txs, err := e.GetTransactionHistory(ctx, w.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(3), txs[0].Points)
	assert.Equal(t, int64(2), txs[1].Points)

	txs, err = e.GetTransactionHistory(ctx, w.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(1), txs[0].Points)

	_, err = e.GetTransactionHistory(ctx, w.ID, 10, -1)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.GetTransactionHistory(ctx, "missing", 10, 0)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

// =============================================================================
// LOG REPLAY
// =============================================================================

func TestBalanceAlwaysEqualsLogReplay(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		clock.Advance(time.Minute)
		switch rng.Intn(5) {
		case 0:
			_, _ = e.AddTransaction(ctx, ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxReferralBonus, Points: int64(rng.Intn(100) + 1)})
		case 1:
			exp := clock.Now().Add(time.Duration(rng.Intn(60)+1) * time.Minute)
			_, _, _ = e.GrantCredit(ctx, ledger.GrantCreditRequest{WalletID: w.ID, Amount: decimal.NewFromInt(int64(rng.Intn(50) + 1)), Source: ledger.SourcePromo, ExpiresAt: &exp})
		case 2:
			_, _ = e.ConsumeCredits(ctx, ledger.ConsumeCreditsRequest{WalletID: w.ID, Amount: decimal.NewFromInt(int64(rng.Intn(40) + 1)), AllowPartial: rng.Intn(2) == 0})
		case 3:
			_, _ = e.ConvertPointsToCredits(ctx, ledger.ConvertPointsRequest{WalletID: w.ID, Points: int64(rng.Intn(60) + 1), Rate: dec("0.1")})
		case 4:
			_, _ = ledger.NewSweeper(e, 2).Sweep(ctx, clock.Now())
		}

		b := balanceOf(t, e, w.ID)
		require.GreaterOrEqual(t, b.Points, int64(0))
		require.False(t, b.Credits.IsNegative())
	}

	assertConsistent(t, e, w.ID)

	credits, err := e.Store().ListCredits(ctx, w.ID)
	require.NoError(t, err)
	for _, c := range credits {
		assert.False(t, c.RemainingAmount.IsNegative())
		assert.True(t, c.RemainingAmount.LessThanOrEqual(c.Amount))
	}
}

// =============================================================================
// RETRIES
// =============================================================================

// conflictStore fails the first n units with ErrConcurrencyConflict.
type conflictStore struct {
	ledger.Store
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictStore) WithWallet(ctx context.Context, id ledger.WalletID, fn func(tx ledger.WalletTx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return ledger.ErrConcurrencyConflict
	}
	return s.Store.WithWallet(ctx, id, fn)
}

func TestMutation_RetriesConflicts(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictStore{Store: mem}
	e := ledger.NewEngine(cs, ledger.WithLogger(quietLogger()), ledger.WithRetry(3, 0))
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	cs.remaining.Store(2)
	addPoints(t, e, w.ID, 10)

	assert.Equal(t, int32(3), cs.calls.Load())
	assert.Equal(t, int64(10), balanceOf(t, e, w.ID).Points)
	assert.Len(t, history(t, e, w.ID), 1)
}

func TestMutation_SurfacesTransientErrorAfterBudget(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictStore{Store: mem}
	e := ledger.NewEngine(cs, ledger.WithLogger(quietLogger()), ledger.WithRetry(3, 0))
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	cs.remaining.Store(10)
	_, err := e.AddTransaction(context.Background(), ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxReferralBonus, Points: 10})
	require.Error(t, err)

	var te *ledger.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, int32(3), cs.calls.Load())

	cs.remaining.Store(0)
	assert.Empty(t, history(t, e, w.ID))
}

func TestMutation_BusinessErrorsAreNotRetried(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictStore{Store: mem}
	e := ledger.NewEngine(cs, ledger.WithLogger(quietLogger()), ledger.WithRetry(3, 0))
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	_, err := e.AddTransaction(context.Background(), ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxAdjustment, Points: -1})
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)
	assert.Equal(t, int32(1), cs.calls.Load())
}

func TestMutation_ContextCancelledDuringBackoff(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictStore{Store: mem}
	e := ledger.NewEngine(cs, ledger.WithLogger(quietLogger()), ledger.WithRetry(5, time.Hour))
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	cs.remaining.Store(10)
	_, err := e.AddTransaction(ctx, ledger.AddTransactionRequest{WalletID: w.ID, Type: ledger.TxReferralBonus, Points: 1})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// =============================================================================
// CACHE
// =============================================================================

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]ledger.Wallet
	generations map[string]int64
	hits        int
	invalidated int
	skipped     int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:     make(map[string]ledger.Wallet),
		generations: make(map[string]int64),
	}
}

func cacheKey(userID string, userType ledger.UserType) string {
	return string(userType) + ":" + userID
}

func (c *fakeCache) Lookup(_ context.Context, userID string, userType ledger.UserType) (*ledger.Wallet, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey(userID, userType)
	w, ok := c.entries[k]
	if !ok {
		return nil, c.generations[k], nil
	}
	c.hits++
	return &w, c.generations[k], nil
}

func (c *fakeCache) Fill(_ context.Context, w ledger.Wallet, gen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey(w.UserID, w.UserType)
	if c.generations[k] != gen {
		c.skipped++
		return nil
	}
	c.entries[k] = w
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, w ledger.Wallet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey(w.UserID, w.UserType)
	delete(c.entries, k)
	c.generations[k]++
	c.invalidated++
	return nil
}

// interleavingStore runs hook once, right after FindWallet has read the
// wallet and before the caller sees it.
type interleavingStore struct {
	*store.Memory
	hook func()
}

func (s *interleavingStore) FindWallet(ctx context.Context, userID string, userType ledger.UserType) (*ledger.Wallet, error) {
	w, err := s.Memory.FindWallet(ctx, userID, userType)
	if s.hook != nil {
		hook := s.hook
		s.hook = nil
		hook()
	}
	return w, err
}

func TestGetWallet_ReadThroughCache(t *testing.T) {
	cache := newFakeCache()
	e, _, _ := newTestEngine(t, ledger.WithCache(cache))
	ctx := context.Background()
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	_, err := e.GetWallet(ctx, "amb-1", ledger.UserAmbassador)
	require.NoError(t, err)
	_, err = e.GetWallet(ctx, "amb-1", ledger.UserAmbassador)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	addPoints(t, e, w.ID, 40)
	assert.Equal(t, 1, cache.invalidated)

	got, err := e.GetWallet(ctx, "amb-1", ledger.UserAmbassador)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.Balance.Points)
}

func TestGetWallet_CommitDuringFillDoesNotCacheOldBalance(t *testing.T) {
	// GIVEN: a wallet whose first cached read races with a points grant
	cache := newFakeCache()
	st := &interleavingStore{Memory: store.NewMemory()}
	e := ledger.NewEngine(st,
		ledger.WithClock(newTestClock().Now),
		ledger.WithLogger(quietLogger()),
		ledger.WithRetry(3, 0),
		ledger.WithCache(cache),
	)
	ctx := context.Background()
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)

	st.hook = func() { addPoints(t, e, w.ID, 40) }

	// WHEN: the racing read returns the balance it loaded before the grant
	first, err := e.GetWallet(ctx, "amb-1", ledger.UserAmbassador)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Balance.Points)

	// THEN: that balance was not cached, and the next read sees the grant
	assert.Equal(t, 1, cache.skipped)
	got, err := e.GetWallet(ctx, "amb-1", ledger.UserAmbassador)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.Balance.Points)

	again, err := e.GetWallet(ctx, "amb-1", ledger.UserAmbassador)
	require.NoError(t, err)
	assert.Equal(t, int64(40), again.Balance.Points)
	assert.Equal(t, 1, cache.hits)
}

func TestAddTransaction_RejectsPointsOverflow(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	w := newWallet(t, e, "amb-1", ledger.UserAmbassador)
	addPoints(t, e, w.ID, 1)

	for _, delta := range []int64{math.MaxInt64, math.MinInt64} {
		_, err := e.AddTransaction(ctx, ledger.AddTransactionRequest{
			WalletID: w.ID, Type: ledger.TxAdjustment, Points: delta,
		})
		assert.ErrorIs(t, err, ledger.ErrValidation, "delta %d", delta)

		var ve *ledger.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "Points", ve.Field)
	}

	got, err := e.GetWalletByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Balance.Points)

	history, err := e.GetTransactionHistory(ctx, w.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
