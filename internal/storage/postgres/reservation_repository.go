package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pellax/memorymeet-sub001/internal/domain"
)

const reservationColumns = `
id, account_id, tracking_id, estimated_hours, actual_hours, state, payload,
attempt_count, last_error, created_at, dispatched_at, settled_at`

type ReservationRepository struct {
	pool *pgxpool.Pool
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

func (r *ReservationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *ReservationRepository) Create(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations
	(id, account_id, tracking_id, estimated_hours, state, payload, attempt_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.exec(ctx, stmt,
		res.ID,
		res.AccountID,
		res.TrackingID,
		res.EstimatedHours,
		res.State,
		res.Payload,
		res.AttemptCount,
		res.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		if isForeignKeyViolation(err) {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepository) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`

	res, err := r.scanReservation(r.queryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &res, nil
}

// GetForUpdate locks the reservation row, serializing concurrent callbacks
// and sweeps targeting the same id.
func (r *ReservationRepository) GetForUpdate(ctx context.Context, id string) (domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`

	res, err := r.scanReservation(r.queryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrUnknownReservation
		}
		return domain.Reservation{}, fmt.Errorf("get reservation for update: %w", err)
	}
	return res, nil
}

// MarkDispatching moves a pending reservation into the dispatching state.
func (r *ReservationRepository) MarkDispatching(ctx context.Context, id string) error {
	const stmt = `
UPDATE reservations
SET state = $2
WHERE id = $1 AND state = $3`

	tag, err := r.exec(ctx, stmt, id, domain.ReservationDispatching, domain.ReservationPending)
	if err != nil {
		return fmt.Errorf("mark dispatching: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotSettled
	}
	return nil
}

// RecordDispatchResult stores the dispatch attempt bookkeeping and the
// resulting state. Guarded on dispatching so a callback that already settled
// the reservation wins.
func (r *ReservationRepository) RecordDispatchResult(ctx context.Context, id string, state domain.ReservationState, attempts int, lastErr *string, dispatchedAt *time.Time) (bool, error) {
	const stmt = `
UPDATE reservations
SET state = $2, attempt_count = $3, last_error = $4, dispatched_at = $5
WHERE id = $1 AND state = $6`

	tag, err := r.exec(ctx, stmt, id, state, attempts, lastErr, dispatchedAt, domain.ReservationDispatching)
	if err != nil {
		return false, fmt.Errorf("record dispatch result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSettled performs the guarded terminal transition. The state guard is
// the settlement marker: once a row leaves the from-set, a repeat is a no-op
// and the caller must not touch the ledger.
func (r *ReservationRepository) MarkSettled(ctx context.Context, id string, state domain.ReservationState, actual *decimal.Decimal, settledAt time.Time, from []domain.ReservationState) (bool, error) {
	const stmt = `
UPDATE reservations
SET state = $2, actual_hours = $3, settled_at = $4
WHERE id = $1 AND state = ANY($5)`

	fromStates := make([]string, 0, len(from))
	for _, s := range from {
		fromStates = append(fromStates, string(s))
	}

	tag, err := r.exec(ctx, stmt, id, state, actual, settledAt, fromStates)
	if err != nil {
		return false, fmt.Errorf("mark settled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStale returns reservations created before the cutoff that are still in
// one of the given states, oldest first.
func (r *ReservationRepository) ListStale(ctx context.Context, states []domain.ReservationState, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE state = ANY($1) AND created_at < $2
ORDER BY created_at
LIMIT $3`

	stateNames := make([]string, 0, len(states))
	for _, s := range states {
		stateNames = append(stateNames, string(s))
	}

	rows, err := r.query(ctx, query, stateNames, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := r.scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}
	return out, nil
}

func (r *ReservationRepository) scanReservation(row pgx.Row) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(
		&res.ID,
		&res.AccountID,
		&res.TrackingID,
		&res.EstimatedHours,
		&res.ActualHours,
		&res.State,
		&res.Payload,
		&res.AttemptCount,
		&res.LastError,
		&res.CreatedAt,
		&res.DispatchedAt,
		&res.SettledAt,
	)
	return res, err
}

func (r *ReservationRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *ReservationRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *ReservationRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
