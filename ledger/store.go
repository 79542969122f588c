/*
store.go - Persistence contract for wallets, the log, credit batches and payouts

PURPOSE:
  Defines the boundary between the engine and the database. The engine never
  holds a database client of its own; a Store is constructed by the caller and
  injected into NewEngine.

ATOMIC UNIT:
  WithWallet(ctx, walletID, fn) runs fn with exclusive access to one wallet.
  Everything fn writes through the WalletTx (balance, log rows, batches,
  payout requests) commits together or not at all, and no other unit on the
  same wallet interleaves with it. Units on different wallets are
  independent. Implementations:
    - ledger/store.Memory:  per-wallet mutex, writes buffered until commit
    - store/sqlite.Store:   immediate (write-locking) SQLite transactions
    - store/postgres.Store: SELECT ... FOR UPDATE on the wallet row

  A store that loses a race reports ErrConcurrencyConflict; the engine
  retries.

APPEND-ONLY CONTRACT:
  There is no method to update or delete a Transaction. Credit batches are
  updated (remaining amount, expiry flag) but never deleted.

SEE ALSO:
  - engine.go: the only caller of WithWallet that writes balances
  - ledger/store/memory.go, store/sqlite, store/postgres
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence. Reads outside WithWallet see committed state only.
type Store interface {
	// CreateWallet inserts a new wallet. Returns ErrWalletExists if the
	// (UserID, UserType) pair is taken.
	CreateWallet(ctx context.Context, w Wallet) error

	// GetWallet returns ErrWalletNotFound if the wallet does not exist.
	GetWallet(ctx context.Context, id WalletID) (*Wallet, error)

	// FindWallet looks a wallet up by owner. Returns ErrWalletNotFound.
	FindWallet(ctx context.Context, userID string, userType UserType) (*Wallet, error)

	// ListTransactions returns a page of the log, newest first.
	ListTransactions(ctx context.Context, walletID WalletID, limit, offset int) ([]Transaction, error)

	// ListCredits returns every batch of the wallet, oldest CreatedAt first.
	ListCredits(ctx context.Context, walletID WalletID) ([]CreditBatch, error)

	// DueCredits returns batches across all wallets that are due for expiry
	// at now (see CreditBatch.IsDue). limit <= 0 means no limit.
	DueCredits(ctx context.Context, now time.Time, limit int) ([]CreditBatch, error)

	// GetPayout returns ErrPayoutNotFound if the request does not exist.
	GetPayout(ctx context.Context, id PayoutID) (*PayoutRequest, error)

	// ListPayouts returns requests matching filter, newest first.
	ListPayouts(ctx context.Context, filter PayoutFilter) ([]PayoutRequest, error)

	// WithWallet runs fn as one atomic, per-wallet serialized unit.
	// Returns ErrWalletNotFound if the wallet does not exist.
	WithWallet(ctx context.Context, id WalletID, fn func(tx WalletTx) error) error
}

// WalletTx is the view of one locked wallet inside WithWallet.
type WalletTx interface {
	// Wallet returns the wallet as read when the unit started.
	Wallet() Wallet

	// UpdateWallet persists balance, status and UpdatedAt.
	UpdateWallet(ctx context.Context, w Wallet) error

	// AppendTransaction adds one log row.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// Transactions returns the full log of the wallet, oldest first.
	Transactions(ctx context.Context) ([]Transaction, error)

	// Credits returns every batch of the wallet, oldest CreatedAt first,
	// including writes made earlier in the unit.
	Credits(ctx context.Context) ([]CreditBatch, error)

	InsertCredit(ctx context.Context, b CreditBatch) error
	UpdateCredit(ctx context.Context, b CreditBatch) error

	// GetPayout returns a request belonging to this wallet, or
	// ErrPayoutNotFound.
	GetPayout(ctx context.Context, id PayoutID) (*PayoutRequest, error)

	// SavePayout inserts or updates a request belonging to this wallet.
	SavePayout(ctx context.Context, r PayoutRequest) error
}

// BalanceCache is an optional read-through cache for GetWallet.
//
// A fill must not resurrect a balance that a later commit invalidated, so
// Lookup hands out a generation on a miss and Fill writes only if no
// Invalidate happened since. The engine invalidates after every committed
// mutation and treats cache failures as misses.
type BalanceCache interface {
	// Lookup returns the cached wallet, or nil and the current generation
	// on a miss.
	Lookup(ctx context.Context, userID string, userType UserType) (*Wallet, int64, error)

	// Fill stores w if the wallet's generation still equals gen.
	Fill(ctx context.Context, w Wallet, gen int64) error

	// Invalidate drops the entry and advances the generation.
	Invalidate(ctx context.Context, w Wallet) error
}
