/*
payout.go - Payout request state machine

STATES:
  pending ──approve──▶ approved ──mark processed──▶ processed
     │
     └──reject──▶ rejected

  rejected and processed are terminal.

LEDGER EFFECTS:
  request  → one payout transaction, Points = -PointsRedeemed (the hold)
  reject   → one credit transaction, Points = +PointsRedeemed (compensation)
  approve  → none; the held points stay spent
  process  → none; money movement happens outside the ledger

  The payout transaction carries no credits delta. The money amount is
  recorded in its metadata under "payout_amount" so the log still sums to
  the balance.

  Status checks and writes happen inside the wallet's atomic unit, so two
  concurrent decisions on one request cannot both restore points.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/learnhub/wallet-ledger/metrics"
)

// transitions lists the targets reachable from each status.
var transitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:  {PayoutApproved, PayoutRejected},
	PayoutApproved: {PayoutProcessed},
}

// CanTransition reports whether from → to is defined.
func CanTransition(from, to PayoutStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition maps an undefined transition to the right error. Leaving a
// state that was already left is ErrAlreadyProcessed; skipping a state is
// ErrInvalidTransition.
func checkTransition(r PayoutRequest, to PayoutStatus) error {
	if CanTransition(r.Status, to) {
		return nil
	}
	if r.Status.IsTerminal() || (to != PayoutProcessed && r.Status != PayoutPending) {
		return fmt.Errorf("payout %s is %s: %w", r.ID, r.Status, ErrAlreadyProcessed)
	}
	return fmt.Errorf("payout %s: %s -> %s: %w", r.ID, r.Status, to, ErrInvalidTransition)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// RequestPayout creates a pending request and holds the points in the same
// unit.
func (e *Engine) RequestPayout(ctx context.Context, req PayoutRequestInput) (*PayoutRequest, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	w, err := e.store.FindWallet(ctx, req.AmbassadorID, UserAmbassador)
	if err != nil {
		return nil, err
	}

	var out PayoutRequest
	err = e.mutate(ctx, w.ID, "request_payout", func(ctx context.Context, u *unit) error {
		if err := u.requireOpen(); err != nil {
			return err
		}
		if u.wallet.Balance.Points < req.Points {
			return insufficientPoints(u.wallet.ID, u.wallet.Balance.Points, req.Points)
		}

		r := PayoutRequest{
			ID:             PayoutID(uuid.NewString()),
			AmbassadorID:   req.AmbassadorID,
			WalletID:       u.wallet.ID,
			Amount:         req.Amount,
			PointsRedeemed: req.Points,
			Status:         PayoutPending,
			BankDetails:    req.BankDetails,
			CreatedAt:      u.now,
			UpdatedAt:      u.now,
		}
		if err := u.tx.SavePayout(ctx, r); err != nil {
			return fmt.Errorf("failed to save payout request: %w", err)
		}

		if _, err := e.apply(ctx, u, Transaction{
			Type:        TxPayout,
			Points:      -req.Points,
			Description: fmt.Sprintf("Payout requested: %d points", req.Points),
			ReferenceID: string(r.ID),
			Metadata:    map[string]string{MetaPayoutAmount: req.Amount.String()},
		}); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordPayoutTransition(string(PayoutPending))
	e.logger.Info("payout requested", "payout_id", out.ID, "wallet_id", out.WalletID, "points", out.PointsRedeemed, "amount", out.Amount)
	return &out, nil
}

// ProcessPayoutRequest records an admin decision on a pending request.
// Rejection restores the held points with a compensating credit.
func (e *Engine) ProcessPayoutRequest(ctx context.Context, d PayoutDecision) (*PayoutRequest, error) {
	if err := validateRequest(d); err != nil {
		return nil, err
	}
	to := PayoutRejected
	if d.Approved {
		to = PayoutApproved
	}
	return e.transition(ctx, d.RequestID, to, d.AdminID, d.Notes, "process_payout")
}

// MarkPayoutProcessed records that the approved payout left the system.
func (e *Engine) MarkPayoutProcessed(ctx context.Context, id PayoutID, adminID, notes string) (*PayoutRequest, error) {
	if id == "" {
		return nil, &ValidationError{Field: "RequestID", Message: "is required"}
	}
	if adminID == "" {
		return nil, &ValidationError{Field: "AdminID", Message: "is required"}
	}
	return e.transition(ctx, id, PayoutProcessed, adminID, notes, "mark_payout_processed")
}

func (e *Engine) transition(ctx context.Context, id PayoutID, to PayoutStatus, adminID, notes, op string) (*PayoutRequest, error) {
	existing, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}

	var out PayoutRequest
	err = e.mutate(ctx, existing.WalletID, op, func(ctx context.Context, u *unit) error {
		r, err := u.tx.GetPayout(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(*r, to); err != nil {
			return err
		}

		if to == PayoutRejected {
			if _, err := e.apply(ctx, u, Transaction{
				Type:        TxCredit,
				Points:      r.PointsRedeemed,
				Description: fmt.Sprintf("Payout rejected: %d points restored", r.PointsRedeemed),
				ReferenceID: string(r.ID),
				Metadata:    map[string]string{MetaAdminID: adminID, MetaReason: "payout_rejected"},
			}); err != nil {
				return err
			}
		}

		now := u.now
		r.Status = to
		r.ProcessedAt = &now
		r.ProcessedBy = adminID
		if notes != "" {
			r.AdminNotes = notes
		}
		r.UpdatedAt = now
		if err := u.tx.SavePayout(ctx, *r); err != nil {
			return fmt.Errorf("failed to save payout request: %w", err)
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordPayoutTransition(string(to))
	e.logger.Info("payout transitioned", "payout_id", id, "status", to, "admin_id", adminID)
	return &out, nil
}

func (e *Engine) GetPayoutRequest(ctx context.Context, id PayoutID) (*PayoutRequest, error) {
	return e.store.GetPayout(ctx, id)
}

// ListPayoutRequests returns requests newest first. Limit defaults to
// DefaultHistoryLimit and is capped at MaxHistoryLimit.
func (e *Engine) ListPayoutRequests(ctx context.Context, filter PayoutFilter) ([]PayoutRequest, error) {
	if filter.Status != "" {
		switch filter.Status {
		case PayoutPending, PayoutApproved, PayoutRejected, PayoutProcessed:
		default:
			return nil, &ValidationError{Field: "status", Message: "must be one of [pending approved rejected processed]"}
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultHistoryLimit
	}
	if filter.Limit > MaxHistoryLimit {
		filter.Limit = MaxHistoryLimit
	}
	return e.store.ListPayouts(ctx, filter)
}
