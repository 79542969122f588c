/*
expiry.go - Expiry sweeper for credit batches

PURPOSE:
  Writes off batches whose ExpiresAt has passed while they still hold credit.
  Each batch is handled in its wallet's atomic unit:
    - IsExpired = true, RemainingAmount = 0
    - one debit transaction for the remainder, reason "expired"

CONCURRENCY:
  Due batches are grouped by wallet and wallets are swept in parallel with a
  bounded number of workers. Inside a unit the batches are re-read, so a
  ConsumeCredits that committed first leaves a smaller remainder (or none) and
  the sweeper writes off only what is left. A batch that is no longer due is
  skipped.

  A failure on one wallet does not stop the others; failures are counted,
  logged, and joined into the returned error.

SEE ALSO:
  - api/scheduler.go: runs Sweep on a ticker
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/learnhub/wallet-ledger/metrics"
)

const (
	DefaultSweepWorkers    = 4
	DefaultSweepBatchLimit = 1000
)

// SweepResult summarises one Sweep call.
type SweepResult struct {
	Wallets    int             `json:"wallets"`
	Batches    int             `json:"batches"`
	WrittenOff decimal.Decimal `json:"written_off"`
	Failed     int             `json:"failed"`
}

type Sweeper struct {
	engine  *Engine
	workers int
	limit   int
}

func NewSweeper(engine *Engine, workers int) *Sweeper {
	if workers <= 0 {
		workers = DefaultSweepWorkers
	}
	return &Sweeper{engine: engine, workers: workers, limit: DefaultSweepBatchLimit}
}

// Sweep writes off every batch due at now, up to the batch limit. Batches
// beyond the limit are picked up by the next call.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(start).Seconds()) }()

	res := SweepResult{WrittenOff: decimal.Zero}

	due, err := s.engine.store.DueCredits(ctx, now, s.limit)
	if err != nil {
		return res, fmt.Errorf("failed to list due credits: %w", err)
	}
	if len(due) == 0 {
		return res, nil
	}

	byWallet := make(map[WalletID]int)
	order := make([]WalletID, 0)
	for _, b := range due {
		if _, ok := byWallet[b.WalletID]; !ok {
			order = append(order, b.WalletID)
		}
		byWallet[b.WalletID]++
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.workers)

	for _, walletID := range order {
		walletID := walletID
		g.Go(func() error {
			written, count, err := s.sweepWallet(ctx, walletID, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("wallet %s: %w", walletID, err))
				s.engine.logger.Error("expiry sweep failed", "wallet_id", walletID, "error", err)
				return nil
			}
			if count > 0 {
				res.Wallets++
				res.Batches += count
				res.WrittenOff = res.WrittenOff.Add(written)
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.Batches > 0 || res.Failed > 0 {
		s.engine.logger.Info("expiry sweep complete",
			"wallets", res.Wallets, "batches", res.Batches, "written_off", res.WrittenOff, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}

// sweepWallet writes off the wallet's due batches in one unit.
func (s *Sweeper) sweepWallet(ctx context.Context, walletID WalletID, now time.Time) (decimal.Decimal, int, error) {
	var (
		written decimal.Decimal
		count   int
		amounts []float64
	)
	err := s.engine.mutate(ctx, walletID, "sweep_expired", func(ctx context.Context, u *unit) error {
		written, count, amounts = decimal.Zero, 0, amounts[:0]

		batches, err := u.tx.Credits(ctx)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if !b.IsDue(now) {
				continue
			}
			remaining := b.RemainingAmount
			b.IsExpired = true
			b.RemainingAmount = decimal.Zero
			if err := u.tx.UpdateCredit(ctx, b); err != nil {
				return fmt.Errorf("failed to expire batch %s: %w", b.ID, err)
			}

			if _, err := s.engine.apply(ctx, u, Transaction{
				Type:        TxDebit,
				Amount:      remaining.Neg(),
				Description: "Credits expired",
				ReferenceID: string(b.ID),
				Metadata: map[string]string{
					MetaReason:        "expired",
					MetaCreditBatchID: string(b.ID),
				},
			}); err != nil {
				return err
			}

			written = written.Add(remaining)
			count++
			f, _ := remaining.Float64()
			amounts = append(amounts, f)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, 0, err
	}

	for _, a := range amounts {
		metrics.RecordExpiry(a)
	}
	return written, count, nil
}
