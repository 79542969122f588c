package api

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/wallet-ledger/ledger"
	"github.com/learnhub/wallet-ledger/ledger/store"
)

func newSchedulerFixture(t *testing.T) (*ExpiryScheduler, *ledger.Engine, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := ledger.NewEngine(store.NewMemory(), ledger.WithClock(clock.Now), ledger.WithLogger(logger))

	s := NewExpiryScheduler(ledger.NewSweeper(engine, 2))
	s.Logger = logger
	s.Now = clock.Now
	return s, engine, clock
}

func grantExpiring(t *testing.T, e *ledger.Engine, userID string, amount int64, expires time.Time) ledger.WalletID {
	t.Helper()
	ctx := context.Background()
	w, err := e.EnsureWallet(ctx, ledger.EnsureWalletRequest{UserID: userID, UserType: ledger.UserStudent})
	require.NoError(t, err)
	_, _, err = e.GrantCredit(ctx, ledger.GrantCreditRequest{
		WalletID: w.ID, Amount: decimal.NewFromInt(amount), Source: ledger.SourcePromo, ExpiresAt: &expires,
	})
	require.NoError(t, err)
	return w.ID
}

func TestExpiryScheduler_RunNow(t *testing.T) {
	s, e, clock := newSchedulerFixture(t)
	id := grantExpiring(t, e, "stu-1", 25, clock.Now().Add(time.Hour))

	// Nothing due yet
	res := s.RunNow(context.Background())
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, clock.Now(), s.LastRun())

	clock.Advance(61 * time.Minute)
	res = s.RunNow(context.Background())
	assert.Equal(t, 1, res.Batches)
	assert.True(t, res.WrittenOff.Equal(decimal.NewFromInt(25)))

	w, err := e.GetWalletByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, w.Balance.Credits.IsZero())

	// A second run finds nothing left to write off
	res = s.RunNow(context.Background())
	assert.Equal(t, 0, res.Batches)
}

func TestExpiryScheduler_StartSweepsImmediately(t *testing.T) {
	s, e, clock := newSchedulerFixture(t)
	id := grantExpiring(t, e, "stu-2", 10, clock.Now().Add(time.Minute))
	clock.Advance(time.Hour)

	s.CheckInterval = time.Hour
	s.Start()
	t.Cleanup(s.Stop)

	assert.Eventually(t, func() bool {
		w, err := e.GetWalletByID(context.Background(), id)
		return err == nil && w.Balance.Credits.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExpiryScheduler_StopIsIdempotentAndRestartable(t *testing.T) {
	s, _, _ := newSchedulerFixture(t)
	s.CheckInterval = 10 * time.Millisecond

	s.Start()
	s.Stop()
	s.Stop()

	s.Start()
	s.Stop()
	assert.False(t, s.LastRun().IsZero())
}

func TestExpiryScheduler_Disabled(t *testing.T) {
	s, _, _ := newSchedulerFixture(t)
	s.Enabled = false

	s.Start()
	s.Stop()
	assert.True(t, s.LastRun().IsZero())
}
