package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pellax/memorymeet-sub001/internal/clock"
	"github.com/pellax/memorymeet-sub001/internal/dispatch"
	"github.com/pellax/memorymeet-sub001/internal/domain"
)

// Ledger is the sole authority over an account's quota arithmetic. Every
// method is atomic per account; callers running inside a store transaction
// get the same transaction via the context.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, amount decimal.Decimal) error
	Commit(ctx context.Context, accountID string, reservedAmount, actualAmount decimal.Decimal) error
	Release(ctx context.Context, accountID string, reservedAmount decimal.Decimal) error
}

// ReservationStore is the durable record of in-flight work.
type ReservationStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, res domain.Reservation) error
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	GetForUpdate(ctx context.Context, id string) (domain.Reservation, error)
	MarkDispatching(ctx context.Context, id string) error
	RecordDispatchResult(ctx context.Context, id string, state domain.ReservationState, attempts int, lastErr *string, dispatchedAt *time.Time) (bool, error)
	MarkSettled(ctx context.Context, id string, state domain.ReservationState, actual *decimal.Decimal, settledAt time.Time, from []domain.ReservationState) (bool, error)
	ListStale(ctx context.Context, states []domain.ReservationState, cutoff time.Time, limit int) ([]domain.Reservation, error)
}

// WorkDispatcher sends a work order downstream and classifies the result.
type WorkDispatcher interface {
	Send(ctx context.Context, order dispatch.WorkOrder) dispatch.Result
}

type RequestStatus string

const (
	RequestAccepted       RequestStatus = "accepted"
	RequestQuotaDenied    RequestStatus = "quota_denied"
	RequestDispatchFailed RequestStatus = "dispatch_failed"
	// RequestDuplicate reports the current state of a previously submitted
	// reservation without reserving again.
	RequestDuplicate RequestStatus = "duplicate"
)

type Gatekeeper struct {
	ledger     Ledger
	store      ReservationStore
	dispatcher WorkDispatcher
	settlement *Settlement
	clock      clock.Clock
	logger     *zap.Logger
}

func NewGatekeeper(ledger Ledger, store ReservationStore, dispatcher WorkDispatcher, settlement *Settlement, clk clock.Clock, logger *zap.Logger) *Gatekeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gatekeeper{
		ledger:     ledger,
		store:      store,
		dispatcher: dispatcher,
		settlement: settlement,
		clock:      clk,
		logger:     logger,
	}
}

type RequestWorkInput struct {
	AccountID      string
	ReservationID  string
	EstimatedHours decimal.Decimal
	Payload        json.RawMessage
}

type RequestWorkResult struct {
	Status      RequestStatus
	TrackingID  string
	State       domain.ReservationState
	LastError   string
	Reservation domain.Reservation
}

// errDuplicateSubmission aborts the reserve transaction so the quota
// increment rolls back before the existing reservation is re-read.
var errDuplicateSubmission = errors.New("duplicate submission")

// RequestWork reserves quota, records the reservation, and dispatches it.
// Submitting the same reservation id twice returns the current state of the
// first submission; quota is never reserved twice for one id.
func (g *Gatekeeper) RequestWork(ctx context.Context, in RequestWorkInput) (RequestWorkResult, error) {
	if in.ReservationID == "" {
		return RequestWorkResult{}, domain.ErrReservationIDRequired
	}
	if !in.EstimatedHours.IsPositive() {
		return RequestWorkResult{}, domain.ErrInvalidAmount
	}

	if existing, err := g.store.Get(ctx, in.ReservationID); err != nil {
		return RequestWorkResult{}, err
	} else if existing != nil {
		return g.duplicateResult(in, *existing)
	}

	now := g.clock.Now()
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	res := domain.Reservation{
		ID:             in.ReservationID,
		AccountID:      in.AccountID,
		TrackingID:     uuid.NewString(),
		EstimatedHours: in.EstimatedHours,
		State:          domain.ReservationPending,
		Payload:        payload,
		CreatedAt:      now,
	}

	err := g.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := g.ledger.Reserve(txCtx, in.AccountID, in.EstimatedHours); err != nil {
			return err
		}
		if err := g.store.Create(txCtx, res); err != nil {
			// A concurrent duplicate won the insert race; roll the
			// reservation back and replay the winner's state.
			if errors.Is(err, domain.ErrIdempotencyConflict) {
				return errDuplicateSubmission
			}
			return err
		}
		return nil
	})
	switch {
	case errors.Is(err, errDuplicateSubmission):
		existing, getErr := g.store.Get(ctx, in.ReservationID)
		if getErr != nil {
			return RequestWorkResult{}, getErr
		}
		if existing == nil {
			return RequestWorkResult{}, domain.ErrIdempotencyConflict
		}
		return g.duplicateResult(in, *existing)
	case errors.Is(err, domain.ErrInsufficientQuota):
		g.logger.Info("work request denied, insufficient quota",
			zap.String("account_id", in.AccountID),
			zap.String("reservation_id", in.ReservationID),
			zap.String("estimated_hours", in.EstimatedHours.String()),
		)
		return RequestWorkResult{Status: RequestQuotaDenied}, nil
	case err != nil:
		return RequestWorkResult{}, err
	}

	return g.dispatchReservation(ctx, res)
}

func (g *Gatekeeper) dispatchReservation(ctx context.Context, res domain.Reservation) (RequestWorkResult, error) {
	if err := g.store.MarkDispatching(ctx, res.ID); err != nil {
		return RequestWorkResult{}, err
	}

	result := g.dispatcher.Send(ctx, dispatch.WorkOrder{
		ReservationID: res.ID,
		Payload:       res.Payload,
	})

	now := g.clock.Now()
	var lastErr *string
	if result.Err != nil {
		msg := result.Err.Error()
		lastErr = &msg
	}

	if result.Outcome == dispatch.OutcomeAccepted {
		applied, err := g.store.RecordDispatchResult(ctx, res.ID, domain.ReservationDispatched, result.Attempts, nil, &now)
		if err != nil {
			return RequestWorkResult{}, err
		}
		res.State = domain.ReservationDispatched
		if !applied {
			// A very fast callback settled the reservation already; its
			// terminal state stands and is what the caller should see.
			g.logger.Info("dispatch bookkeeping skipped, reservation already settled",
				zap.String("reservation_id", res.ID))
			current, err := g.store.Get(ctx, res.ID)
			if err != nil {
				return RequestWorkResult{}, err
			}
			if current != nil {
				res = *current
			}
		}
		return RequestWorkResult{
			Status:      RequestAccepted,
			TrackingID:  res.TrackingID,
			State:       res.State,
			Reservation: res,
		}, nil
	}

	// Rejected or exhausted: hand the quota back and record the failure as
	// one unit. The state guard keeps a concurrent sweep from releasing twice.
	err := g.store.WithTx(ctx, func(txCtx context.Context) error {
		applied, err := g.store.RecordDispatchResult(txCtx, res.ID, domain.ReservationDispatchFailed, result.Attempts, lastErr, nil)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		return g.ledger.Release(txCtx, res.AccountID, res.EstimatedHours)
	})
	if err != nil {
		return RequestWorkResult{}, err
	}

	g.logger.Warn("dispatch failed, quota released",
		zap.String("account_id", res.AccountID),
		zap.String("reservation_id", res.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("attempts", result.Attempts),
		zap.Error(result.Err),
	)

	out := RequestWorkResult{
		Status:      RequestDispatchFailed,
		TrackingID:  res.TrackingID,
		State:       domain.ReservationDispatchFailed,
		Reservation: res,
	}
	if lastErr != nil {
		out.LastError = *lastErr
	}
	return out, nil
}

func (g *Gatekeeper) duplicateResult(in RequestWorkInput, existing domain.Reservation) (RequestWorkResult, error) {
	if existing.AccountID != in.AccountID || !existing.EstimatedHours.Equal(in.EstimatedHours) {
		return RequestWorkResult{}, domain.ErrIdempotencyConflict
	}
	return RequestWorkResult{
		Status:      RequestDuplicate,
		TrackingID:  existing.TrackingID,
		State:       existing.State,
		Reservation: existing,
	}, nil
}

type CallbackInput struct {
	ReservationID string
	Outcome       domain.SettlementOutcome
	ActualHours   *decimal.Decimal
	Error         string
}

type CallbackResult struct {
	Reservation domain.Reservation
	// Duplicate is set when the reservation was already terminal and the
	// previously recorded outcome is being replayed.
	Duplicate bool
}

// HandleCallback settles the reservation the orchestrator reports on.
// Unknown ids and duplicates are surfaced to the transport, which always
// acknowledges so the orchestrator stops redelivering.
func (g *Gatekeeper) HandleCallback(ctx context.Context, in CallbackInput) (CallbackResult, error) {
	if in.ReservationID == "" {
		return CallbackResult{}, domain.ErrReservationIDRequired
	}
	if !in.Outcome.Valid() {
		return CallbackResult{}, domain.ErrInvalidOutcome
	}
	if in.ActualHours != nil && in.ActualHours.IsNegative() {
		return CallbackResult{}, domain.ErrInvalidAmount
	}

	result, err := g.settlement.Finalize(ctx, in.ReservationID, in.Outcome, in.ActualHours)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownReservation) {
			g.logger.Warn("callback for unknown reservation",
				zap.String("reservation_id", in.ReservationID),
				zap.String("outcome", string(in.Outcome)),
			)
		}
		return CallbackResult{}, err
	}

	if !result.Applied {
		g.logger.Info("duplicate callback acknowledged",
			zap.String("reservation_id", in.ReservationID),
			zap.String("recorded_state", string(result.Reservation.State)),
		)
		return CallbackResult{Reservation: result.Reservation, Duplicate: true}, nil
	}

	if in.Error != "" {
		g.logger.Warn("orchestrator reported failure",
			zap.String("reservation_id", in.ReservationID),
			zap.String("error", in.Error),
		)
	}
	return CallbackResult{Reservation: result.Reservation}, nil
}
