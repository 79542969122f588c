/*
engine.go - The ledger engine and its atomic mutation primitive

PURPOSE:
  Every change to a wallet funnels through Engine.mutate, which opens one
  per-wallet unit on the Store, and Engine.apply, which validates the new
  balance, writes it and appends exactly one log row. No other code path
  writes Wallet.Balance, so the balance always equals the replay of the log.

RETRIES:
  A unit that fails with ErrConcurrencyConflict is re-run from scratch (fresh
  wallet read, fresh batches) up to the configured attempt budget with linear
  backoff. Business-rule and validation errors are never retried. After the
  last attempt the conflict is surfaced as a *TransientError.

SEE ALSO:
  - credits.go: GrantCredit, ConsumeCredits, ConvertPointsToCredits
  - payout.go: RequestPayout, ProcessPayoutRequest
  - expiry.go: Sweeper
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/learnhub/wallet-ledger/metrics"
)

const (
	DefaultCurrency     = "USD"
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 10 * time.Millisecond
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	cache    BalanceCache
	logger   *slog.Logger
	now      func() time.Time
	currency string

	maxAttempts int
	backoff     time.Duration
}

type Option func(*Engine)

// WithCache enables the read-through balance cache for GetWallet.
func WithCache(c BalanceCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry sets the attempt budget and base backoff for conflicting units.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
		if backoff >= 0 {
			e.backoff = backoff
		}
	}
}

// WithCurrency sets the currency stamped on new wallets.
func WithCurrency(code string) Option {
	return func(e *Engine) {
		if code != "" {
			e.currency = strings.ToUpper(code)
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		currency:    DefaultCurrency,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "ledger")
	return e
}

// Store returns the injected store.
func (e *Engine) Store() Store { return e.store }

// =============================================================================
// ATOMIC UNIT
// =============================================================================

// unit is the working state of one WithWallet attempt.
type unit struct {
	tx      WalletTx
	wallet  Wallet
	now     time.Time
	applied []Transaction
}

func (u *unit) requireOpen() error {
	if u.wallet.Status == WalletClosed {
		return fmt.Errorf("wallet %s: %w", u.wallet.ID, ErrWalletClosed)
	}
	return nil
}

// mutate runs fn inside one per-wallet unit, retrying on conflict.
func (e *Engine) mutate(ctx context.Context, walletID WalletID, op string, fn func(ctx context.Context, u *unit) error) error {
	for attempt := 1; ; attempt++ {
		var u *unit
		err := e.store.WithWallet(ctx, walletID, func(tx WalletTx) error {
			u = &unit{tx: tx, wallet: tx.Wallet(), now: e.now().UTC()}
			return fn(ctx, u)
		})
		if err == nil {
			e.committed(ctx, u)
			return nil
		}

		if !errors.Is(err, ErrConcurrencyConflict) {
			e.rejected(op, err)
			return err
		}
		if attempt >= e.maxAttempts {
			e.logger.Warn("giving up after conflicts", "op", op, "wallet_id", walletID, "attempts", attempt)
			return &TransientError{Op: op, Attempts: attempt, Err: err}
		}

		metrics.RecordConflictRetry(op)
		e.logger.Debug("retrying after conflict", "op", op, "wallet_id", walletID, "attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.backoff * time.Duration(attempt)):
		}
	}
}

func (e *Engine) committed(ctx context.Context, u *unit) {
	if u == nil {
		return
	}
	for _, tx := range u.applied {
		metrics.RecordTransaction(string(tx.Type))
	}
	if e.cache != nil && len(u.applied) > 0 {
		if err := e.cache.Invalidate(ctx, u.wallet); err != nil {
			e.logger.Warn("cache invalidation failed", "wallet_id", u.wallet.ID, "error", err)
		}
	}
}

func (e *Engine) rejected(op string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientPoints):
		metrics.RecordRejection(op, "insufficient_points")
	case errors.Is(err, ErrInsufficientCredits):
		metrics.RecordRejection(op, "insufficient_credits")
	case errors.Is(err, ErrAlreadyProcessed):
		metrics.RecordRejection(op, "already_processed")
	case errors.Is(err, ErrWalletClosed):
		metrics.RecordRejection(op, "wallet_closed")
	}
}

// apply validates the post-mutation balance, persists it and appends entry.
// It is the only place Wallet.Balance is written.
func (e *Engine) apply(ctx context.Context, u *unit, entry Transaction) (Transaction, error) {
	if pointsOverflow(u.wallet.Balance.Points, entry.Points) {
		return Transaction{}, &ValidationError{Field: "Points", Message: "would overflow the points balance"}
	}
	next := u.wallet.Balance.Apply(entry.Points, entry.Amount)
	if next.Points < 0 {
		return Transaction{}, insufficientPoints(u.wallet.ID, u.wallet.Balance.Points, -entry.Points)
	}
	if next.Credits.IsNegative() {
		return Transaction{}, insufficientCredits(u.wallet.ID, u.wallet.Balance.Credits, entry.Amount.Neg())
	}

	if entry.ID == "" {
		entry.ID = TransactionID(uuid.NewString())
	}
	entry.WalletID = u.wallet.ID
	entry.CreatedAt = u.now

	w := u.wallet
	w.Balance = next
	w.UpdatedAt = u.now
	if err := u.tx.UpdateWallet(ctx, w); err != nil {
		return Transaction{}, fmt.Errorf("failed to update balance: %w", err)
	}
	if err := u.tx.AppendTransaction(ctx, entry); err != nil {
		return Transaction{}, fmt.Errorf("failed to append transaction: %w", err)
	}

	u.wallet = w
	u.applied = append(u.applied, entry)
	return entry, nil
}

// =============================================================================
// WALLETS
// =============================================================================

// EnsureWallet returns the wallet for (UserID, UserType), creating it on
// first onboarding.
func (e *Engine) EnsureWallet(ctx context.Context, req EnsureWalletRequest) (*Wallet, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	w, err := e.store.FindWallet(ctx, req.UserID, req.UserType)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	currency := e.currency
	if req.Currency != "" {
		currency = strings.ToUpper(req.Currency)
	}
	now := e.now().UTC()
	created := Wallet{
		ID:        WalletID(uuid.NewString()),
		UserID:    req.UserID,
		UserType:  req.UserType,
		Balance:   Balance{Points: 0, Credits: decimal.Zero, Currency: currency},
		Status:    WalletActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateWallet(ctx, created); err != nil {
		if errors.Is(err, ErrWalletExists) {
			// Lost a provisioning race; the other caller's wallet wins.
			return e.store.FindWallet(ctx, req.UserID, req.UserType)
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	e.logger.Info("wallet created", "wallet_id", created.ID, "user_id", created.UserID, "user_type", created.UserType)
	return &created, nil
}

// GetWallet returns the wallet of a user in a role.
func (e *Engine) GetWallet(ctx context.Context, userID string, userType UserType) (*Wallet, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "UserID", Message: "is required"}
	}
	if !userType.Valid() {
		return nil, &ValidationError{Field: "UserType", Message: "must be one of [student ambassador]"}
	}

	var (
		gen  int64
		fill bool
	)
	if e.cache != nil {
		cached, g, err := e.cache.Lookup(ctx, userID, userType)
		switch {
		case err != nil:
			e.logger.Warn("cache read failed", "user_id", userID, "error", err)
		case cached != nil:
			return cached, nil
		default:
			gen, fill = g, true
		}
	}

	w, err := e.store.FindWallet(ctx, userID, userType)
	if err != nil {
		return nil, err
	}

	if fill {
		if err := e.cache.Fill(ctx, *w, gen); err != nil {
			e.logger.Warn("cache write failed", "wallet_id", w.ID, "error", err)
		}
	}
	return w, nil
}

func (e *Engine) GetWalletByID(ctx context.Context, id WalletID) (*Wallet, error) {
	return e.store.GetWallet(ctx, id)
}

// CloseWallet soft-closes a wallet. The wallet and its history remain;
// caller-initiated mutations are rejected afterwards.
func (e *Engine) CloseWallet(ctx context.Context, id WalletID) (*Wallet, error) {
	var closed Wallet
	err := e.mutate(ctx, id, "close_wallet", func(ctx context.Context, u *unit) error {
		if err := u.requireOpen(); err != nil {
			return err
		}
		w := u.wallet
		w.Status = WalletClosed
		w.UpdatedAt = u.now
		if err := u.tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		u.wallet = w
		closed = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, closed); err != nil {
			e.logger.Warn("cache invalidation failed", "wallet_id", closed.ID, "error", err)
		}
	}
	e.logger.Info("wallet closed", "wallet_id", id)
	return &closed, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// AddTransaction applies signed deltas as one atomic unit and appends one
// log row. A positive Amount is backed by a new non-expiring credit batch; a
// negative Amount drains active batches FIFO and must be fully covered.
func (e *Engine) AddTransaction(ctx context.Context, req AddTransactionRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Points == 0 && req.Amount.IsZero() {
		return nil, &ValidationError{Message: "at least one of Amount or Points must be non-zero"}
	}

	var out Transaction
	err := e.mutate(ctx, req.WalletID, "add_transaction", func(ctx context.Context, u *unit) error {
		if err := u.requireOpen(); err != nil {
			return err
		}

		meta := copyMetadata(req.Metadata)
		switch {
		case req.Amount.IsPositive():
			batch, err := e.insertBatch(ctx, u, req.Amount, string(req.Type), nil, "")
			if err != nil {
				return err
			}
			meta[MetaCreditBatchID] = string(batch.ID)
		case req.Amount.IsNegative():
			used, err := e.drainCredits(ctx, u, req.Amount.Neg(), false)
			if err != nil {
				return err
			}
			if !used.Equal(req.Amount.Neg()) {
				return insufficientCredits(u.wallet.ID, used, req.Amount.Neg())
			}
		}

		tx, err := e.apply(ctx, u, Transaction{
			Type:        req.Type,
			Amount:      req.Amount,
			Points:      req.Points,
			Description: req.Description,
			ReferenceID: req.ReferenceID,
			Metadata:    meta,
		})
		if err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransactionHistory returns a page of the wallet's log, newest first.
func (e *Engine) GetTransactionHistory(ctx context.Context, walletID WalletID, limit, offset int) ([]Transaction, error) {
	if offset < 0 {
		return nil, &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if _, err := e.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, walletID, limit, offset)
}

// pointsOverflow reports whether balance+delta leaves the int64 range.
// MinInt64 is rejected outright since it has no positive counterpart.
func pointsOverflow(balance, delta int64) bool {
	if delta == math.MinInt64 {
		return true
	}
	sum := balance + delta
	return (delta > 0 && sum < balance) || (delta < 0 && sum > balance)
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
