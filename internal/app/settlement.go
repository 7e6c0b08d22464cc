package app

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pellax/memorymeet-sub001/internal/clock"
	"github.com/pellax/memorymeet-sub001/internal/domain"
)

// Settlement converts a dispatched reservation into a terminal state and
// mutates the ledger exactly once per reservation. The reservation row's
// guarded transition and the ledger write share one transaction, so either
// both land or the reservation stays settleable and the caller may retry
// the whole unit.
type Settlement struct {
	ledger Ledger
	store  ReservationStore
	clock  clock.Clock
	logger *zap.Logger
}

func NewSettlement(ledger Ledger, store ReservationStore, clk clock.Clock, logger *zap.Logger) *Settlement {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settlement{
		ledger: ledger,
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

type FinalizeResult struct {
	Reservation domain.Reservation
	// Applied is false when the reservation was already terminal and the
	// ledger was left untouched.
	Applied bool
}

// callbackSettleable also admits dispatching: a fast orchestrator can report
// completion before the dispatcher records its own acknowledgment.
var callbackSettleable = []domain.ReservationState{
	domain.ReservationDispatching,
	domain.ReservationDispatched,
}

// staleSettleable additionally covers pending rows orphaned by a crash
// between reserve and dispatch bookkeeping.
var staleSettleable = []domain.ReservationState{
	domain.ReservationPending,
	domain.ReservationDispatching,
	domain.ReservationDispatched,
}

// Finalize settles a reservation from an orchestrator callback. Terminal
// reservations replay the recorded outcome without a ledger mutation.
func (s *Settlement) Finalize(ctx context.Context, reservationID string, outcome domain.SettlementOutcome, actual *decimal.Decimal) (FinalizeResult, error) {
	return s.finalize(ctx, reservationID, outcome, actual, callbackSettleable)
}

// FinalizeStale settles a reservation the reconciliation sweep found stuck,
// releasing its quota.
func (s *Settlement) FinalizeStale(ctx context.Context, reservationID string) (FinalizeResult, error) {
	return s.finalize(ctx, reservationID, domain.OutcomeFailure, nil, staleSettleable)
}

func (s *Settlement) finalize(ctx context.Context, reservationID string, outcome domain.SettlementOutcome, actual *decimal.Decimal, settleable []domain.ReservationState) (FinalizeResult, error) {
	var result FinalizeResult

	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		res, err := s.store.GetForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}

		if res.State.Terminal() {
			result = FinalizeResult{Reservation: res, Applied: false}
			return nil
		}
		if !stateIn(res.State, settleable) {
			return domain.ErrReservationNotSettled
		}

		now := s.clock.Now()
		var settledActual *decimal.Decimal
		state := domain.ReservationSettledFailure

		if outcome == domain.OutcomeSuccess {
			state = domain.ReservationSettledSuccess
			// A success callback without a measured amount settles at the
			// estimate.
			amount := res.EstimatedHours
			if actual != nil {
				amount = *actual
			}
			settledActual = &amount
			if err := s.ledger.Commit(txCtx, res.AccountID, res.EstimatedHours, amount); err != nil {
				return err
			}
		} else {
			if err := s.ledger.Release(txCtx, res.AccountID, res.EstimatedHours); err != nil {
				return err
			}
		}

		applied, err := s.store.MarkSettled(txCtx, res.ID, state, settledActual, now, settleable)
		if err != nil {
			return err
		}
		if !applied {
			// The row is locked, so only a state outside the guard set can
			// get here; surface it rather than commit a half settlement.
			return domain.ErrReservationNotSettled
		}

		res.State = state
		res.ActualHours = settledActual
		res.SettledAt = &now
		result = FinalizeResult{Reservation: res, Applied: true}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	if result.Applied {
		s.logger.Info("reservation settled",
			zap.String("reservation_id", result.Reservation.ID),
			zap.String("account_id", result.Reservation.AccountID),
			zap.String("state", string(result.Reservation.State)),
		)
	}
	return result, nil
}

func stateIn(state domain.ReservationState, set []domain.ReservationState) bool {
	for _, s := range set {
		if state == s {
			return true
		}
	}
	return false
}
