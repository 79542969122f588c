package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Reconciliation compares a wallet's cached balance with a replay of its log
// and with the credit still held in batches.
type Reconciliation struct {
	WalletID     WalletID        `json:"wallet_id"`
	Balance      Balance         `json:"balance"`
	LogPoints    int64           `json:"log_points"`
	LogCredits   decimal.Decimal `json:"log_credits"`
	BatchCredits decimal.Decimal `json:"batch_credits"`
	Transactions int             `json:"transactions"`
	Consistent   bool            `json:"consistent"`
}

// Reconcile replays the log inside the wallet's unit so the three figures are
// read from one consistent snapshot. It never writes.
func (e *Engine) Reconcile(ctx context.Context, walletID WalletID) (*Reconciliation, error) {
	var rec Reconciliation
	err := e.store.WithWallet(ctx, walletID, func(tx WalletTx) error {
		w := tx.Wallet()
		rec = Reconciliation{
			WalletID:     w.ID,
			Balance:      w.Balance,
			LogCredits:   decimal.Zero,
			BatchCredits: decimal.Zero,
		}

		log, err := tx.Transactions(ctx)
		if err != nil {
			return err
		}
		for _, t := range log {
			rec.LogPoints += t.Points
			rec.LogCredits = rec.LogCredits.Add(t.Amount)
		}
		rec.Transactions = len(log)

		batches, err := tx.Credits(ctx)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if !b.IsExpired {
				rec.BatchCredits = rec.BatchCredits.Add(b.RemainingAmount)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec.Consistent = rec.LogPoints == rec.Balance.Points &&
		rec.LogCredits.Equal(rec.Balance.Credits) &&
		rec.BatchCredits.Equal(rec.Balance.Credits)
	if !rec.Consistent {
		e.logger.Error("wallet out of balance", "wallet_id", walletID,
			"points", rec.Balance.Points, "log_points", rec.LogPoints,
			"credits", rec.Balance.Credits, "log_credits", rec.LogCredits, "batch_credits", rec.BatchCredits)
	}
	return &rec, nil
}
