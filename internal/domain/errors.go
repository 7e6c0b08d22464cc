package domain

import "errors"

var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountExists         = errors.New("account already exists")
	ErrInsufficientQuota     = errors.New("insufficient quota")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidAllocation     = errors.New("allocation must be positive")
	ErrReservationIDRequired = errors.New("reservation id required")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrUnknownReservation    = errors.New("unknown reservation")
	ErrReservationNotSettled = errors.New("reservation not in a settleable state")
	ErrInvalidOutcome        = errors.New("invalid settlement outcome")
	ErrInvalidID             = errors.New("invalid id")
)
