/*
scheduler.go - Automated credit expiry scheduler

PURPOSE:
  Periodically runs the ledger's expiry sweep so credit batches past their
  expiry date are written off without an operator calling /api/admin/sweep.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each run is bounded by a timeout derived from the interval
  - A failed wallet is logged and retried on the next tick; the sweep
    itself is idempotent

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(sweeper)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/expiry.go: Sweeper
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/learnhub/wallet-ledger/ledger"
)

// ExpiryScheduler drives Sweeper on a ticker.
type ExpiryScheduler struct {
	Sweeper       *ledger.Sweeper
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu   sync.Mutex
	lastRun time.Time
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(sweeper *ledger.Sweeper) *ExpiryScheduler {
	return &ExpiryScheduler{
		Sweeper:       sweeper,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        slog.Default().With("component", "scheduler"),
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *ExpiryScheduler) run() {
	defer s.wg.Done()

	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *ExpiryScheduler) sweep() {
	timeout := s.CheckInterval
	if timeout <= 0 || timeout > 10*time.Minute {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ctx, stopOnClose := withStop(ctx, s.stop)
	defer stopOnClose()

	s.RunNow(ctx)
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *ExpiryScheduler) RunNow(ctx context.Context) ledger.SweepResult {
	now := s.Now()
	res, err := s.Sweeper.Sweep(ctx, now)

	s.runMu.Lock()
	s.lastRun = now
	s.runMu.Unlock()

	if err != nil {
		s.Logger.Error("sweep finished with failures",
			"wallets", res.Wallets, "batches", res.Batches, "failed", res.Failed, "error", err)
		return res
	}
	if res.Batches > 0 {
		s.Logger.Info("sweep completed",
			"wallets", res.Wallets, "batches", res.Batches, "written_off", res.WrittenOff.String())
	}
	return res
}

// LastRun returns when the most recent sweep started, zero if none has.
func (s *ExpiryScheduler) LastRun() time.Time {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastRun
}

// withStop cancels ctx when stop is closed.
func withStop(ctx context.Context, stop <-chan struct{}) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			cancel()
		case <-done:
		}
	}()
	return ctx, func() {
		close(done)
		cancel()
	}
}
