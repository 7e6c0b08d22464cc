package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pellax/memorymeet-sub001/internal/clock"
)

const sweepBatchSize = 100

// Sweeper is the timeout mechanism for the async leg: reservations stuck
// past the staleness window are settled as failures and their quota
// released, so a callback that never arrives cannot hold hours hostage.
type Sweeper struct {
	store      ReservationStore
	settlement *Settlement
	clock      clock.Clock
	interval   time.Duration
	staleness  time.Duration
	logger     *zap.Logger
}

func NewSweeper(store ReservationStore, settlement *Settlement, clk clock.Clock, interval, staleness time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleness <= 0 {
		staleness = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:      store,
		settlement: settlement,
		clock:      clk,
		interval:   interval,
		staleness:  staleness,
		logger:     logger,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("reconciliation sweep settled stale reservations", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce settles every reservation stuck before the staleness cutoff and
// returns how many it settled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.staleness)
	settled := 0

	for {
		stale, err := s.store.ListStale(ctx, staleSettleable, cutoff, sweepBatchSize)
		if err != nil {
			return settled, err
		}
		if len(stale) == 0 {
			return settled, nil
		}

		progressed := false
		for _, res := range stale {
			result, err := s.settlement.FinalizeStale(ctx, res.ID)
			if err != nil {
				s.logger.Error("failed to settle stale reservation",
					zap.String("reservation_id", res.ID),
					zap.Error(err),
				)
				continue
			}
			progressed = true
			if result.Applied {
				settled++
				s.logger.Warn("stale reservation settled as failure",
					zap.String("reservation_id", res.ID),
					zap.String("account_id", res.AccountID),
					zap.String("stuck_state", string(res.State)),
					zap.Time("created_at", res.CreatedAt),
				)
			}
		}

		if len(stale) < sweepBatchSize || !progressed {
			return settled, nil
		}
	}
}
