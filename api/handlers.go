/*
handlers.go - HTTP API handlers for the wallet ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Wallets:
    POST   /api/wallets                       Get or create a wallet
    GET    /api/wallets?user_id=&user_type=   Look up by owner
    GET    /api/wallets/{id}                  Get wallet
    POST   /api/wallets/{id}/close            Close wallet
    GET    /api/wallets/{id}/transactions     Transaction history (newest first)
    POST   /api/wallets/{id}/transactions     Post a bonus or adjustment
    GET    /api/wallets/{id}/reconcile        Replay log against balance

  Credits:
    GET    /api/wallets/{id}/credits          Active batches, oldest first
    POST   /api/wallets/{id}/credits          Grant a batch
    POST   /api/wallets/{id}/consume          Spend credits FIFO
    POST   /api/wallets/{id}/convert          Convert points at the configured rate

  Payouts:
    POST   /api/payouts                       Request a payout
    GET    /api/payouts?status=&ambassador_id= List requests
    GET    /api/payouts/{id}                  Get request
    POST   /api/payouts/{id}/decision         Approve or reject
    POST   /api/payouts/{id}/processed        Mark an approved request paid

  Admin:
    POST   /api/admin/sweep                   Run the expiry sweep now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Wallet or payout request not found
  - 409: Already processed, invalid transition, wallet closed or exists
  - 422: Insufficient points or credits
  - 503: Contention persisted past the retry budget
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Admin routes must sit behind a
  gateway that enforces it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/learnhub/wallet-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *ledger.Engine
	Sweeper *ledger.Sweeper

	// ConversionRate is credits per point for the convert endpoint.
	ConversionRate decimal.Decimal

	Logger *slog.Logger
	Now    func() time.Time
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *ledger.Engine, sweeper *ledger.Sweeper, rate decimal.Decimal) *Handler {
	return &Handler{
		Engine:         engine,
		Sweeper:        sweeper,
		ConversionRate: rate,
		Logger:         slog.Default().With("component", "api"),
		Now:            time.Now,
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// EnsureWallet returns the caller's wallet, creating it on first use.
func (h *Handler) EnsureWallet(w http.ResponseWriter, r *http.Request) {
	var req EnsureWalletRequest
	if !decode(w, r, &req) {
		return
	}

	wallet, err := h.Engine.EnsureWallet(r.Context(), ledger.EnsureWalletRequest{
		UserID:   req.UserID,
		UserType: ledger.UserType(req.UserType),
		Currency: req.Currency,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetWallet looks a wallet up by owner.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, userType := q.Get("user_id"), q.Get("user_type")
	if userID == "" || userType == "" {
		writeError(w, http.StatusBadRequest, "user_id and user_type are required", nil)
		return
	}

	wallet, err := h.Engine.GetWallet(r.Context(), userID, ledger.UserType(userType))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *Handler) GetWalletByID(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Engine.GetWalletByID(r.Context(), walletParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *Handler) CloseWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Engine.CloseWallet(r.Context(), walletParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetTransactions returns one page of the wallet's log, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", ledger.DefaultHistoryLimit)
	if !ok {
		return
	}
	offset, ok := intQuery(w, r, "offset", 0)
	if !ok {
		return
	}

	txs, err := h.Engine.GetTransactionHistory(r.Context(), walletParam(r), limit, offset)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{
		Transactions: txs,
		Limit:        min(limit, ledger.MaxHistoryLimit),
		Offset:       offset,
	})
}

// AddTransaction posts a signed entry (bonus, adjustment, refund).
func (h *Handler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	var req AddTransactionRequest
	if !decode(w, r, &req) {
		return
	}

	tx, err := h.Engine.AddTransaction(r.Context(), ledger.AddTransactionRequest{
		WalletID:    walletParam(r),
		Type:        ledger.TransactionType(req.Type),
		Amount:      req.Amount,
		Points:      req.Points,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Reconcile(r.Context(), walletParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

func (h *Handler) ListCredits(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Engine.GetWalletCredits(r.Context(), walletParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{
		Batches:   batches,
		Available: ledger.AvailableCredits(batches, h.Now()),
	})
}

func (h *Handler) GrantCredit(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditRequest
	if !decode(w, r, &req) {
		return
	}

	batch, tx, err := h.Engine.GrantCredit(r.Context(), ledger.GrantCreditRequest{
		WalletID:        walletParam(r),
		Amount:          req.Amount,
		Source:          req.Source,
		ExpiresAt:       req.ExpiresAt,
		SourcePaymentID: req.SourcePaymentID,
		Description:     req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantCreditResponse{Batch: *batch, Transaction: *tx})
}

func (h *Handler) ConsumeCredits(w http.ResponseWriter, r *http.Request) {
	var req ConsumeCreditsRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Engine.ConsumeCredits(r.Context(), ledger.ConsumeCreditsRequest{
		WalletID:     walletParam(r),
		Amount:       req.Amount,
		AllowPartial: req.AllowPartial,
		ReferenceID:  req.ReferenceID,
		Description:  req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ConvertPoints exchanges points for credits at the server's configured rate.
func (h *Handler) ConvertPoints(w http.ResponseWriter, r *http.Request) {
	var req ConvertPointsRequest
	if !decode(w, r, &req) {
		return
	}

	tx, err := h.Engine.ConvertPointsToCredits(r.Context(), ledger.ConvertPointsRequest{
		WalletID: walletParam(r),
		Points:   req.Points,
		Rate:     h.ConversionRate,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequestBody
	if !decode(w, r, &req) {
		return
	}

	payout, err := h.Engine.RequestPayout(r.Context(), ledger.PayoutRequestInput{
		AmbassadorID: req.AmbassadorID,
		Amount:       req.Amount,
		Points:       req.Points,
		BankDetails:  req.BankDetails,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payout)
}

func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", 0)
	if !ok {
		return
	}
	q := r.URL.Query()

	payouts, err := h.Engine.ListPayoutRequests(r.Context(), ledger.PayoutFilter{
		Status:       ledger.PayoutStatus(q.Get("status")),
		AmbassadorID: q.Get("ambassador_id"),
		Limit:        limit,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	payout, err := h.Engine.GetPayoutRequest(r.Context(), payoutParam(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// DecidePayout approves or rejects a pending request. Rejection returns the
// held points to the ambassador.
func (h *Handler) DecidePayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutDecisionRequest
	if !decode(w, r, &req) {
		return
	}

	payout, err := h.Engine.ProcessPayoutRequest(r.Context(), ledger.PayoutDecision{
		RequestID: payoutParam(r),
		Approved:  req.Approved,
		AdminID:   req.AdminID,
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (h *Handler) MarkPayoutProcessed(w http.ResponseWriter, r *http.Request) {
	var req MarkProcessedRequest
	if !decode(w, r, &req) {
		return
	}

	payout, err := h.Engine.MarkPayoutProcessed(r.Context(), payoutParam(r), req.AdminID, req.Notes)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the expiry sweep synchronously and reports what it did.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.Sweep(r.Context(), h.Now())
	if err != nil {
		h.Logger.Warn("manual sweep finished with failures", "failed", res.Failed, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Sweep finished with failures",
			Code:    "sweep_failed",
			Details: res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Pinger is implemented by stores that hold a connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	p, ok := h.Engine.Store().(Pinger)
	if !ok {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Store: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func walletParam(r *http.Request) ledger.WalletID {
	return ledger.WalletID(chi.URLParam(r, "id"))
}

func payoutParam(r *http.Request) ledger.PayoutID {
	return ledger.PayoutID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+key, err)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps ledger errors onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	var transient *ledger.TransientError
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientPoints), errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return http.StatusConflict, "already_processed"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrWalletClosed):
		return http.StatusConflict, "wallet_closed"
	case errors.Is(err, ledger.ErrWalletExists):
		return http.StatusConflict, "wallet_exists"
	case errors.As(err, &transient), ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var funds *ledger.InsufficientFundsError
	if errors.As(err, &funds) {
		resp.Details = map[string]string{
			"unit":      funds.Unit,
			"available": funds.Available.String(),
			"requested": funds.Requested.String(),
		}
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if status == http.StatusInternalServerError {
			resp.Error = "Internal error"
			resp.Details = err.Error()
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}
