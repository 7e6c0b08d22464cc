package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type ReservationState string

const (
	ReservationPending        ReservationState = "pending"
	ReservationDispatching    ReservationState = "dispatching"
	ReservationDispatched     ReservationState = "dispatched"
	ReservationDispatchFailed ReservationState = "dispatch_failed"
	ReservationSettledSuccess ReservationState = "settled_success"
	ReservationSettledFailure ReservationState = "settled_failure"
)

// Terminal reports whether the state admits no further transitions.
func (s ReservationState) Terminal() bool {
	switch s {
	case ReservationDispatchFailed, ReservationSettledSuccess, ReservationSettledFailure:
		return true
	}
	return false
}

// Reservation is one dispatched unit of work. The ID is the caller-supplied
// idempotency key; rows are retained forever so late or duplicate callbacks
// can replay the recorded outcome.
type Reservation struct {
	ID             string
	AccountID      string
	TrackingID     string
	EstimatedHours decimal.Decimal
	ActualHours    *decimal.Decimal
	State          ReservationState
	Payload        json.RawMessage
	AttemptCount   int
	LastError      *string
	CreatedAt      time.Time
	DispatchedAt   *time.Time
	SettledAt      *time.Time
}

// SettlementOutcome is the closed set of results an orchestrator callback
// may report. The payload stays opaque; nothing branches on workflow shape.
type SettlementOutcome string

const (
	OutcomeSuccess SettlementOutcome = "success"
	OutcomeFailure SettlementOutcome = "failure"
)

// Valid reports whether the outcome is one of the known values.
func (o SettlementOutcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}
