/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists wallets, the append-only transaction log, credit batches and payout
  requests in a single SQLite file. Suited to single-node deployments and
  local development; store/postgres covers multi-node.

ATOMIC UNIT:
  WithWallet opens an IMMEDIATE transaction (_txlock=immediate), which takes
  SQLite's write lock up front, so the wallet read and every write of the unit
  happen under one lock. Within the process a mutex serialises writers;
  reads never wait for it and see the last committed state. Across processes SQLITE_BUSY / SQLITE_LOCKED after the busy timeout is
  reported as ledger.ErrConcurrencyConflict and the engine retries.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on wallet_transactions
  - Credit batches are updated in place but never deleted

KEY TABLES:
  wallets:             one row per (user_id, user_type), materialised balance
  wallet_transactions: immutable log, seq gives insertion order
  wallet_credits:      credit batches
  payout_requests:     payout state machine rows

STORAGE FORMATS:
  Decimals are stored as TEXT to keep exact values. Timestamps are UTC TEXT
  in a fixed-width layout so lexical order equals chronological order.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation with versioned migrations
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/learnhub/wallet-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB

	// writeMu serialises writers within the process. Reads take no lock.
	writeMu sync.Mutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_type TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		credits TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, user_type)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		points INTEGER NOT NULL,
		description TEXT,
		reference_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet_created
		ON wallet_transactions(wallet_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_reference
		ON wallet_transactions(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS wallet_credits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		source TEXT NOT NULL,
		source_payment_id TEXT,
		expires_at TEXT,
		is_expired INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_credits_wallet
		ON wallet_credits(wallet_id, created_at);
	-- Expiry sweeper (hot path)
	CREATE INDEX IF NOT EXISTS idx_wallet_credits_due
		ON wallet_credits(expires_at) WHERE is_expired = 0 AND expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS payout_requests (
		id TEXT PRIMARY KEY,
		ambassador_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		amount TEXT NOT NULL,
		points_redeemed INTEGER NOT NULL,
		status TEXT NOT NULL,
		bank_details_json TEXT,
		processed_at TEXT,
		processed_by TEXT,
		admin_notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payout_requests_status_ambassador
		ON payout_requests(status, ambassador_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, user_id, user_type, points, credits, currency, status, created_at, updated_at`

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.UserType, w.Balance.Points, w.Balance.Credits.String(),
		w.Balance.Currency, w.Status, formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrWalletExists
		}
		return fmt.Errorf("failed to create wallet: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return getWallet(ctx, s.db, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
}

func (s *Store) FindWallet(ctx context.Context, userID string, userType ledger.UserType) (*ledger.Wallet, error) {
	return getWallet(ctx, s.db, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ? AND user_type = ?`, userID, userType)
}

func getWallet(ctx context.Context, q queryer, query string, args ...any) (*ledger.Wallet, error) {
	w, err := scanWallet(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &w, nil
}

func scanWallet(row scanner) (ledger.Wallet, error) {
	var (
		w         ledger.Wallet
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.UserType, &w.Balance.Points, &w.Balance.Credits,
		&w.Balance.Currency, &w.Status, &createdAt, &updatedAt); err != nil {
		return w, err
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const txColumns = `id, wallet_id, tx_type, amount, points, description, reference_id, metadata_json, created_at`

func (s *Store) ListTransactions(ctx context.Context, walletID ledger.WalletID, limit, offset int) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE wallet_id = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`,
		walletID, limit, offset)
}

func appendTransaction(ctx context.Context, q queryer, tx ledger.Transaction) error {
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO wallet_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.WalletID, tx.Type, tx.Amount.String(), tx.Points,
		tx.Description, nullString(tx.ReferenceID), string(metadataJSON), formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", mapError(err))
	}
	return nil
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", mapError(err))
	}
	defer rows.Close()

	transactions := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		description  sql.NullString
		referenceID  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)
	err := row.Scan(&tx.ID, &tx.WalletID, &tx.Type, &tx.Amount, &tx.Points,
		&description, &referenceID, &metadataJSON, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Description = description.String
	tx.ReferenceID = referenceID.String
	tx.CreatedAt = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

// =============================================================================
// CREDIT BATCHES
// =============================================================================

const creditColumns = `id, wallet_id, amount, remaining_amount, source, source_payment_id, expires_at, is_expired, created_at`

func (s *Store) ListCredits(ctx context.Context, walletID ledger.WalletID) ([]ledger.CreditBatch, error) {
	return listCredits(ctx, s.db, walletID)
}

func (s *Store) DueCredits(ctx context.Context, now time.Time, limit int) ([]ledger.CreditBatch, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryCredits(ctx, s.db, `
		SELECT `+creditColumns+`
		FROM wallet_credits
		WHERE is_expired = 0
		  AND expires_at IS NOT NULL
		  AND expires_at <= ?
		  AND CAST(remaining_amount AS REAL) > 0
		ORDER BY expires_at ASC, seq ASC
		LIMIT ?`,
		formatTime(now), limit)
}

func listCredits(ctx context.Context, q queryer, walletID ledger.WalletID) ([]ledger.CreditBatch, error) {
	return queryCredits(ctx, q, `
		SELECT `+creditColumns+`
		FROM wallet_credits
		WHERE wallet_id = ?
		ORDER BY created_at ASC, seq ASC`,
		walletID)
}

func queryCredits(ctx context.Context, q queryer, query string, args ...any) ([]ledger.CreditBatch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", mapError(err))
	}
	defer rows.Close()

	batches := []ledger.CreditBatch{}
	for rows.Next() {
		var (
			b         ledger.CreditBatch
			paymentID sql.NullString
			expiresAt sql.NullString
			createdAt string
		)
		if err := rows.Scan(&b.ID, &b.WalletID, &b.Amount, &b.RemainingAmount, &b.Source,
			&paymentID, &expiresAt, &b.IsExpired, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit batch: %w", err)
		}
		b.SourcePaymentID = paymentID.String
		b.CreatedAt = parseTime(createdAt)
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			b.ExpiresAt = &t
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// =============================================================================
// PAYOUT REQUESTS
// =============================================================================

const payoutColumns = `id, ambassador_id, wallet_id, amount, points_redeemed, status, bank_details_json,
	processed_at, processed_by, admin_notes, created_at, updated_at`

func (s *Store) GetPayout(ctx context.Context, id ledger.PayoutID) (*ledger.PayoutRequest, error) {
	return getPayout(ctx, s.db, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = ?`, id)
}

func (s *Store) ListPayouts(ctx context.Context, filter ledger.PayoutFilter) ([]ledger.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_requests WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AmbassadorID != "" {
		query += ` AND ambassador_id = ?`
		args = append(args, filter.AmbassadorID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout requests: %w", mapError(err))
	}
	defer rows.Close()

	requests := []ledger.PayoutRequest{}
	for rows.Next() {
		r, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func getPayout(ctx context.Context, q queryer, query string, args ...any) (*ledger.PayoutRequest, error) {
	r, err := scanPayout(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanPayout(row scanner) (ledger.PayoutRequest, error) {
	var (
		r           ledger.PayoutRequest
		bankJSON    sql.NullString
		processedAt sql.NullString
		processedBy sql.NullString
		adminNotes  sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&r.ID, &r.AmbassadorID, &r.WalletID, &r.Amount, &r.PointsRedeemed, &r.Status,
		&bankJSON, &processedAt, &processedBy, &adminNotes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan payout request: %w", err)
	}

	if bankJSON.Valid && bankJSON.String != "" && bankJSON.String != "null" {
		if err := json.Unmarshal([]byte(bankJSON.String), &r.BankDetails); err != nil {
			return r, fmt.Errorf("failed to decode bank details of %s: %w", r.ID, err)
		}
	}
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		r.ProcessedAt = &t
	}
	r.ProcessedBy = processedBy.String
	r.AdminNotes = adminNotes.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// ATOMIC UNIT (ledger.Store.WithWallet)
// =============================================================================

// WithWallet executes fn within one immediate transaction.
func (s *Store) WithWallet(ctx context.Context, id ledger.WalletID, fn func(tx ledger.WalletTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	w, err := getWallet(ctx, sqlTx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	if err != nil {
		return err
	}

	if err := fn(&walletTx{tx: sqlTx, wallet: *w}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type walletTx struct {
	tx     *sql.Tx
	wallet ledger.Wallet
}

func (t *walletTx) Wallet() ledger.Wallet {
	return t.wallet
}

func (t *walletTx) UpdateWallet(ctx context.Context, w ledger.Wallet) error {
	if w.ID != t.wallet.ID {
		return fmt.Errorf("wallet %s is not locked by this unit", w.ID)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE wallets
		SET points = ?, credits = ?, currency = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		w.Balance.Points, w.Balance.Credits.String(), w.Balance.Currency, w.Status, formatTime(w.UpdatedAt), w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", mapError(err))
	}
	return nil
}

func (t *walletTx) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, t.tx, tx)
}

func (t *walletTx) Transactions(ctx context.Context) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, t.tx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE wallet_id = ?
		ORDER BY seq ASC`,
		t.wallet.ID)
}

func (t *walletTx) Credits(ctx context.Context) ([]ledger.CreditBatch, error) {
	return listCredits(ctx, t.tx, t.wallet.ID)
}

func (t *walletTx) InsertCredit(ctx context.Context, b ledger.CreditBatch) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_credits (`+creditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.WalletID, b.Amount.String(), b.RemainingAmount.String(), b.Source,
		nullString(b.SourcePaymentID), nullTime(b.ExpiresAt), b.IsExpired, formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credit batch: %w", mapError(err))
	}
	return nil
}

func (t *walletTx) UpdateCredit(ctx context.Context, b ledger.CreditBatch) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallet_credits
		SET remaining_amount = ?, is_expired = ?
		WHERE id = ? AND wallet_id = ?`,
		b.RemainingAmount.String(), b.IsExpired, b.ID, t.wallet.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update credit batch: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credit batch %s not found in wallet %s", b.ID, t.wallet.ID)
	}
	return nil
}

func (t *walletTx) GetPayout(ctx context.Context, id ledger.PayoutID) (*ledger.PayoutRequest, error) {
	return getPayout(ctx, t.tx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = ? AND wallet_id = ?`, id, t.wallet.ID)
}

func (t *walletTx) SavePayout(ctx context.Context, r ledger.PayoutRequest) error {
	if r.WalletID != t.wallet.ID {
		return fmt.Errorf("payout %s does not belong to wallet %s", r.ID, t.wallet.ID)
	}
	bankJSON, err := json.Marshal(r.BankDetails)
	if err != nil {
		return fmt.Errorf("failed to encode bank details: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO payout_requests (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed_at = excluded.processed_at,
			processed_by = excluded.processed_by,
			admin_notes = excluded.admin_notes,
			updated_at = excluded.updated_at`,
		r.ID, r.AmbassadorID, r.WalletID, r.Amount.String(), r.PointsRedeemed, r.Status,
		string(bankJSON), nullTime(r.ProcessedAt), nullString(r.ProcessedBy), nullString(r.AdminNotes),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payout request: %w", mapError(err))
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// mapError reports lock contention as ledger.ErrConcurrencyConflict.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrencyConflict, err)
	}
	return err
}
