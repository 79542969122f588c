/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

ATOMIC UNIT:
  WithWallet begins a transaction and locks the wallet row with
  SELECT ... FOR UPDATE. Every other unit on the same wallet blocks on that
  lock until commit or rollback; units on different wallets proceed in
  parallel. Serialization failures, deadlocks and lock timeouts are reported
  as ledger.ErrConcurrencyConflict so the engine retries them.

SCHEMA:
  Versioned migrations live in migrations/ and are embedded into the binary
  (see migrate.go). wallet_transactions is protected by a trigger that
  rejects UPDATE and DELETE.

  Credits are NUMERIC, points BIGINT, timestamps TIMESTAMPTZ, metadata and
  bank details JSONB.
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/learnhub/wallet-ledger/ledger"
)

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ ledger.Store = (*Store)(nil)

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, databaseURL string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// ROWS
// =============================================================================

type walletRow struct {
	ID        string          `db:"id"`
	UserID    string          `db:"user_id"`
	UserType  string          `db:"user_type"`
	Points    int64           `db:"points"`
	Credits   decimal.Decimal `db:"credits"`
	Currency  string          `db:"currency"`
	Status    string          `db:"status"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

func (r walletRow) toWallet() ledger.Wallet {
	return ledger.Wallet{
		ID:       ledger.WalletID(r.ID),
		UserID:   r.UserID,
		UserType: ledger.UserType(r.UserType),
		Balance: ledger.Balance{
			Points:   r.Points,
			Credits:  r.Credits,
			Currency: r.Currency,
		},
		Status:    ledger.WalletStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type transactionRow struct {
	ID          string          `db:"id"`
	WalletID    string          `db:"wallet_id"`
	Type        string          `db:"tx_type"`
	Amount      decimal.Decimal `db:"amount"`
	Points      int64           `db:"points"`
	Description string          `db:"description"`
	ReferenceID sql.NullString  `db:"reference_id"`
	Metadata    []byte          `db:"metadata"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r transactionRow) toTransaction() (ledger.Transaction, error) {
	tx := ledger.Transaction{
		ID:          ledger.TransactionID(r.ID),
		WalletID:    ledger.WalletID(r.WalletID),
		Type:        ledger.TransactionType(r.Type),
		Amount:      r.Amount,
		Points:      r.Points,
		Description: r.Description,
		ReferenceID: r.ReferenceID.String,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata of %s: %w", r.ID, err)
		}
		if len(tx.Metadata) == 0 {
			tx.Metadata = nil
		}
	}
	return tx, nil
}

type creditRow struct {
	ID              string          `db:"id"`
	WalletID        string          `db:"wallet_id"`
	Amount          decimal.Decimal `db:"amount"`
	RemainingAmount decimal.Decimal `db:"remaining_amount"`
	Source          string          `db:"source"`
	SourcePaymentID sql.NullString  `db:"source_payment_id"`
	ExpiresAt       *time.Time      `db:"expires_at"`
	IsExpired       bool            `db:"is_expired"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r creditRow) toBatch() ledger.CreditBatch {
	b := ledger.CreditBatch{
		ID:              ledger.BatchID(r.ID),
		WalletID:        ledger.WalletID(r.WalletID),
		Amount:          r.Amount,
		RemainingAmount: r.RemainingAmount,
		Source:          r.Source,
		SourcePaymentID: r.SourcePaymentID.String,
		IsExpired:       r.IsExpired,
		CreatedAt:       r.CreatedAt.UTC(),
	}
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC()
		b.ExpiresAt = &t
	}
	return b
}

type payoutRow struct {
	ID             string          `db:"id"`
	AmbassadorID   string          `db:"ambassador_id"`
	WalletID       string          `db:"wallet_id"`
	Amount         decimal.Decimal `db:"amount"`
	PointsRedeemed int64           `db:"points_redeemed"`
	Status         string          `db:"status"`
	BankDetails    []byte          `db:"bank_details"`
	ProcessedAt    *time.Time      `db:"processed_at"`
	ProcessedBy    sql.NullString  `db:"processed_by"`
	AdminNotes     sql.NullString  `db:"admin_notes"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r payoutRow) toPayout() (ledger.PayoutRequest, error) {
	p := ledger.PayoutRequest{
		ID:             ledger.PayoutID(r.ID),
		AmbassadorID:   r.AmbassadorID,
		WalletID:       ledger.WalletID(r.WalletID),
		Amount:         r.Amount,
		PointsRedeemed: r.PointsRedeemed,
		Status:         ledger.PayoutStatus(r.Status),
		ProcessedBy:    r.ProcessedBy.String,
		AdminNotes:     r.AdminNotes.String,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.ProcessedAt != nil {
		t := r.ProcessedAt.UTC()
		p.ProcessedAt = &t
	}
	if len(r.BankDetails) > 0 {
		if err := json.Unmarshal(r.BankDetails, &p.BankDetails); err != nil {
			return p, fmt.Errorf("failed to decode bank details of %s: %w", r.ID, err)
		}
	}
	return p, nil
}

const (
	walletColumns  = `id, user_id, user_type, points, credits, currency, status, created_at, updated_at`
	txColumns      = `id, wallet_id, tx_type, amount, points, description, reference_id, metadata, created_at`
	creditColumns  = `id, wallet_id, amount, remaining_amount, source, source_payment_id, expires_at, is_expired, created_at`
	payoutColumns  = `id, ambassador_id, wallet_id, amount, points_redeemed, status, bank_details, processed_at, processed_by, admin_notes, created_at, updated_at`
	lockWalletStmt = `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`
)

// =============================================================================
// READS
// =============================================================================

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (`+walletColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(w.ID), w.UserID, string(w.UserType), w.Balance.Points, w.Balance.Credits.String(),
		w.Balance.Currency, string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrWalletExists
		}
		return fmt.Errorf("failed to create wallet: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return getWallet(ctx, s.db, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, string(id))
}

func (s *Store) FindWallet(ctx context.Context, userID string, userType ledger.UserType) (*ledger.Wallet, error) {
	return getWallet(ctx, s.db,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND user_type = $2`,
		userID, string(userType))
}

func getWallet(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*ledger.Wallet, error) {
	var row walletRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, ledger.ErrWalletNotFound
		}
		return nil, mapError(err)
	}
	w := row.toWallet()
	return &w, nil
}

func (s *Store) ListTransactions(ctx context.Context, walletID ledger.WalletID, limit, offset int) ([]ledger.Transaction, error) {
	return selectTransactions(ctx, s.db,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		string(walletID), limit, offset)
}

func selectTransactions(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]ledger.Transaction, error) {
	var rows []transactionRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", mapError(err))
	}
	out := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) ListCredits(ctx context.Context, walletID ledger.WalletID) ([]ledger.CreditBatch, error) {
	return selectCredits(ctx, s.db,
		`SELECT `+creditColumns+` FROM wallet_credits WHERE wallet_id = $1 ORDER BY created_at ASC, seq ASC`,
		string(walletID))
}

func (s *Store) DueCredits(ctx context.Context, now time.Time, limit int) ([]ledger.CreditBatch, error) {
	query := `SELECT ` + creditColumns + ` FROM wallet_credits
		WHERE is_expired = FALSE AND expires_at IS NOT NULL AND expires_at <= $1 AND remaining_amount > 0
		ORDER BY expires_at ASC, seq ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return selectCredits(ctx, s.db, query, args...)
}

func selectCredits(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]ledger.CreditBatch, error) {
	var rows []creditRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", mapError(err))
	}
	out := make([]ledger.CreditBatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toBatch())
	}
	return out, nil
}

func (s *Store) GetPayout(ctx context.Context, id ledger.PayoutID) (*ledger.PayoutRequest, error) {
	return getPayout(ctx, s.db, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, string(id))
}

func (s *Store) ListPayouts(ctx context.Context, filter ledger.PayoutFilter) ([]ledger.PayoutRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AmbassadorID != "" {
		args = append(args, filter.AmbassadorID)
		where = append(where, fmt.Sprintf("ambassador_id = $%d", len(args)))
	}

	query := `SELECT ` + payoutColumns + ` FROM payout_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []payoutRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query payout requests: %w", mapError(err))
	}
	out := make([]ledger.PayoutRequest, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPayout()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func getPayout(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*ledger.PayoutRequest, error) {
	var row payoutRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, ledger.ErrPayoutNotFound
		}
		return nil, mapError(err)
	}
	p, err := row.toPayout()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

func (s *Store) WithWallet(ctx context.Context, id ledger.WalletID, fn func(tx ledger.WalletTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback()

	w, err := getWallet(ctx, tx, lockWalletStmt, string(id))
	if err != nil {
		return err
	}

	if err := fn(&walletTx{tx: tx, wallet: *w}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type walletTx struct {
	tx     *sqlx.Tx
	wallet ledger.Wallet
}

func (t *walletTx) Wallet() ledger.Wallet {
	return t.wallet
}

func (t *walletTx) UpdateWallet(ctx context.Context, w ledger.Wallet) error {
	if w.ID != t.wallet.ID {
		return fmt.Errorf("wallet %s is not locked by this unit", w.ID)
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET points = $1, credits = $2, currency = $3, status = $4, updated_at = $5 WHERE id = $6`,
		w.Balance.Points, w.Balance.Credits.String(), w.Balance.Currency, string(w.Status), w.UpdatedAt, string(w.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", mapError(err))
	}
	return nil
}

func (t *walletTx) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	metadata, err := encodeMap(tx.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO wallet_transactions (`+txColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(tx.ID), string(tx.WalletID), string(tx.Type), tx.Amount.String(), tx.Points,
		tx.Description, nullString(tx.ReferenceID), metadata, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", mapError(err))
	}
	return nil
}

func (t *walletTx) Transactions(ctx context.Context) ([]ledger.Transaction, error) {
	return selectTransactions(ctx, t.tx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY seq ASC`,
		string(t.wallet.ID))
}

func (t *walletTx) Credits(ctx context.Context) ([]ledger.CreditBatch, error) {
	return selectCredits(ctx, t.tx,
		`SELECT `+creditColumns+` FROM wallet_credits WHERE wallet_id = $1 ORDER BY created_at ASC, seq ASC`,
		string(t.wallet.ID))
}

func (t *walletTx) InsertCredit(ctx context.Context, b ledger.CreditBatch) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallet_credits (`+creditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(b.ID), string(b.WalletID), b.Amount.String(), b.RemainingAmount.String(), b.Source,
		nullString(b.SourcePaymentID), b.ExpiresAt, b.IsExpired, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credit batch: %w", mapError(err))
	}
	return nil
}

func (t *walletTx) UpdateCredit(ctx context.Context, b ledger.CreditBatch) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wallet_credits SET remaining_amount = $1, is_expired = $2 WHERE id = $3 AND wallet_id = $4`,
		b.RemainingAmount.String(), b.IsExpired, string(b.ID), string(t.wallet.ID),
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
	return getPayout(ctx, t.tx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1 AND wallet_id = $2`,
		string(id), string(t.wallet.ID))
}

func (t *walletTx) SavePayout(ctx context.Context, r ledger.PayoutRequest) error {
	if r.WalletID != t.wallet.ID {
		return fmt.Errorf("payout %s does not belong to wallet %s", r.ID, t.wallet.ID)
	}
	bank, err := encodeMap(r.BankDetails)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO payout_requests (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processed_at = EXCLUDED.processed_at,
			processed_by = EXCLUDED.processed_by,
			admin_notes = EXCLUDED.admin_notes,
			updated_at = EXCLUDED.updated_at`,
		string(r.ID), r.AmbassadorID, string(r.WalletID), r.Amount.String(), r.PointsRedeemed, string(r.Status),
		bank, r.ProcessedAt, nullString(r.ProcessedBy), nullString(r.AdminNotes), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payout request: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func encodeMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isMalformedID reports 22P02 invalid_text_representation, raised when an id
// that is not a UUID is compared with a UUID column. No row can match it.
func isMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

// mapError reports contention as ledger.ErrConcurrencyConflict:
// 40001 serialization_failure, 40P01 deadlock_detected, 55P03 lock_not_available.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ledger.ErrConcurrencyConflict, err)
		}
	}
	return err
}
