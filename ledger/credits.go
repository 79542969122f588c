/*
credits.go - Credit batches: grant, FIFO consumption, points conversion

PURPOSE:
  Credits live in batches. Wallet.Balance.Credits always equals the sum of
  RemainingAmount over batches the sweeper has not written off, so every
  credits delta the engine applies is matched by a batch insert or by
  decrements on existing batches inside the same unit.

CONSUMPTION ORDER:
  Active batches are drained oldest CreatedAt first. Batches that carry an
  expiry are not preferred over older ones; FIFO alone minimises what is lost
  to expiry because the oldest grants expire first in practice.

  batches: [t1: 50] [t2: 100]   consume 70
  result:  [t1:  0] [t2:  80]   one debit of -70

PARTIAL CONSUMPTION:
  ConsumeCredits is strict by default: if active credit cannot cover the
  request nothing is written and InsufficientCredits is returned. Callers that
  make up a shortfall from another instrument set AllowPartial; the consumed
  part is then committed and the shortfall reported in ConsumeResult.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConsumeResult reports what a ConsumeCredits call did.
type ConsumeResult struct {
	Used      decimal.Decimal `json:"used"`
	Requested decimal.Decimal `json:"requested"`
	Shortfall decimal.Decimal `json:"shortfall"`

	// Transaction is nil when nothing was consumed.
	Transaction *Transaction `json:"transaction,omitempty"`
}

// =============================================================================
// BATCH HELPERS
// =============================================================================

func (e *Engine) insertBatch(ctx context.Context, u *unit, amount decimal.Decimal, source string, expiresAt *time.Time, paymentID string) (CreditBatch, error) {
	b := CreditBatch{
		ID:              BatchID(uuid.NewString()),
		WalletID:        u.wallet.ID,
		Amount:          amount,
		RemainingAmount: amount,
		Source:          source,
		SourcePaymentID: paymentID,
		ExpiresAt:       expiresAt,
		CreatedAt:       u.now,
	}
	if err := u.tx.InsertCredit(ctx, b); err != nil {
		return CreditBatch{}, fmt.Errorf("failed to insert credit batch: %w", err)
	}
	return b, nil
}

// drainCredits decrements active batches FIFO until amount is covered or the
// batches run out, and returns what it took. Without allowPartial nothing is
// touched when the active total is short.
func (e *Engine) drainCredits(ctx context.Context, u *unit, amount decimal.Decimal, allowPartial bool) (decimal.Decimal, error) {
	batches, err := u.tx.Credits(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load credit batches: %w", err)
	}

	active := make([]CreditBatch, 0, len(batches))
	available := decimal.Zero
	for _, b := range batches {
		if b.IsActive(u.now) {
			active = append(active, b)
			available = available.Add(b.RemainingAmount)
		}
	}
	if available.LessThan(amount) && !allowPartial {
		return decimal.Zero, insufficientCredits(u.wallet.ID, available, amount)
	}

	used := decimal.Zero
	for _, b := range active {
		left := amount.Sub(used)
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(b.RemainingAmount, left)
		b.RemainingAmount = b.RemainingAmount.Sub(take)
		if err := u.tx.UpdateCredit(ctx, b); err != nil {
			return decimal.Zero, fmt.Errorf("failed to update credit batch %s: %w", b.ID, err)
		}
		used = used.Add(take)
	}
	return used, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// GrantCredit creates a batch and logs one credit transaction referencing it.
// There is no deduplication on SourcePaymentID.
func (e *Engine) GrantCredit(ctx context.Context, req GrantCreditRequest) (*CreditBatch, *Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	var (
		batch CreditBatch
		out   Transaction
	)
	err := e.mutate(ctx, req.WalletID, "grant_credit", func(ctx context.Context, u *unit) error {
		if err := u.requireOpen(); err != nil {
			return err
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil {
			t := req.ExpiresAt.UTC()
			if !t.After(u.now) {
				return &ValidationError{Field: "ExpiresAt", Message: "must be in the future"}
			}
			expiresAt = &t
		}

		b, err := e.insertBatch(ctx, u, req.Amount, req.Source, expiresAt, req.SourcePaymentID)
		if err != nil {
			return err
		}

		desc := req.Description
		if desc == "" {
			desc = "Credit granted: " + req.Source
		}
		tx, err := e.apply(ctx, u, Transaction{
			Type:        TxCredit,
			Amount:      req.Amount,
			Description: desc,
			ReferenceID: string(b.ID),
			Metadata:    map[string]string{MetaCreditBatchID: string(b.ID)},
		})
		if err != nil {
			return err
		}
		batch, out = b, tx
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("credit granted", "wallet_id", req.WalletID, "batch_id", batch.ID, "amount", req.Amount, "source", req.Source)
	return &batch, &out, nil
}

// ConsumeCredits spends credits FIFO and logs one debit for the amount used.
func (e *Engine) ConsumeCredits(ctx context.Context, req ConsumeCreditsRequest) (*ConsumeResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var res ConsumeResult
	err := e.mutate(ctx, req.WalletID, "consume_credits", func(ctx context.Context, u *unit) error {
		res = ConsumeResult{Requested: req.Amount}
		if err := u.requireOpen(); err != nil {
			return err
		}

		used, err := e.drainCredits(ctx, u, req.Amount, req.AllowPartial)
		if err != nil {
			return err
		}
		res.Used = used
		res.Shortfall = req.Amount.Sub(used)
		if used.IsZero() {
			return nil
		}

		desc := req.Description
		if desc == "" {
			desc = "Credits used"
		}
		tx, err := e.apply(ctx, u, Transaction{
			Type:        TxDebit,
			Amount:      used.Neg(),
			Description: desc,
			ReferenceID: req.ReferenceID,
			Metadata:    map[string]string{MetaAmountRequested: req.Amount.String()},
		})
		if err != nil {
			return err
		}
		res.Transaction = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Shortfall.IsPositive() {
		e.logger.Info("credits partially consumed", "wallet_id", req.WalletID, "used", res.Used, "requested", res.Requested)
	}
	return &res, nil
}

// ConvertPointsToCredits exchanges points for credits in a single
// transaction. The credits land in a non-expiring batch.
func (e *Engine) ConvertPointsToCredits(ctx context.Context, req ConvertPointsRequest) (*Transaction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	credits := decimal.NewFromInt(req.Points).Mul(req.Rate)

	var out Transaction
	err := e.mutate(ctx, req.WalletID, "convert_points", func(ctx context.Context, u *unit) error {
		if err := u.requireOpen(); err != nil {
			return err
		}
		if u.wallet.Balance.Points < req.Points {
			return insufficientPoints(u.wallet.ID, u.wallet.Balance.Points, req.Points)
		}

		b, err := e.insertBatch(ctx, u, credits, SourcePointsConversion, nil, "")
		if err != nil {
			return err
		}
		tx, err := e.apply(ctx, u, Transaction{
			Type:        TxConversion,
			Amount:      credits,
			Points:      -req.Points,
			Description: fmt.Sprintf("Converted %d points to %s credits", req.Points, credits),
			ReferenceID: string(b.ID),
			Metadata: map[string]string{
				MetaConversionRate: req.Rate.String(),
				MetaCreditBatchID:  string(b.ID),
			},
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

// GetWalletCredits returns the wallet's active batches, oldest first.
func (e *Engine) GetWalletCredits(ctx context.Context, walletID WalletID) ([]CreditBatch, error) {
	if _, err := e.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	batches, err := e.store.ListCredits(ctx, walletID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	active := make([]CreditBatch, 0, len(batches))
	for _, b := range batches {
		if b.IsActive(now) {
			active = append(active, b)
		}
	}
	return active, nil
}

// AvailableCredits sums the active batches of a wallet.
func AvailableCredits(batches []CreditBatch, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, b := range batches {
		if b.IsActive(now) {
			total = total.Add(b.RemainingAmount)
		}
	}
	return total
}
