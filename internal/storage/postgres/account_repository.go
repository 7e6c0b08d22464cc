package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pellax/memorymeet-sub001/internal/domain"
)

// AccountRepository is the ledger: the sole writer of account quota columns.
// Reserve, Commit and Release are single conditional UPDATEs, so the
// check-then-write on one account row is atomic without explicit locking.
type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *AccountRepository) CreateAccount(ctx context.Context, acc domain.Account) error {
	const stmt = `
INSERT INTO accounts (account_id, total_allocated, reserved, consumed, period_start, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.exec(ctx, stmt,
		acc.ID,
		acc.TotalAllocated,
		acc.Reserved,
		acc.Consumed,
		acc.PeriodStart,
		acc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAccountExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	const query = `
SELECT account_id, total_allocated, reserved, consumed, period_start, updated_at
FROM accounts
WHERE account_id = $1`

	var acc domain.Account
	err := r.queryRow(ctx, query, accountID).
		Scan(&acc.ID, &acc.TotalAllocated, &acc.Reserved, &acc.Consumed, &acc.PeriodStart, &acc.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// Reserve increases the reserved column only when the account still has
// amount available. Zero rows affected means either the account is missing
// or the quota check failed; a follow-up read tells the two apart.
func (r *AccountRepository) Reserve(ctx context.Context, accountID string, amount decimal.Decimal) error {
	const stmt = `
UPDATE accounts
SET reserved = reserved + $2, updated_at = NOW()
WHERE account_id = $1
  AND total_allocated - reserved - consumed >= $2`

	tag, err := r.exec(ctx, stmt, accountID, amount)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return domain.ErrInsufficientQuota
	}
	return nil
}

// Commit moves reservedAmount out of reserved and actualAmount into consumed
// in one statement. The actual may exceed the reservation; the overrun is
// consumed anyway and billed after the fact.
func (r *AccountRepository) Commit(ctx context.Context, accountID string, reservedAmount, actualAmount decimal.Decimal) error {
	const stmt = `
UPDATE accounts
SET reserved = reserved - $2, consumed = consumed + $3, updated_at = NOW()
WHERE account_id = $1`

	tag, err := r.exec(ctx, stmt, accountID, reservedAmount, actualAmount)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// Release returns a previously reserved amount to the available pool.
func (r *AccountRepository) Release(ctx context.Context, accountID string, reservedAmount decimal.Decimal) error {
	const stmt = `
UPDATE accounts
SET reserved = reserved - $2, updated_at = NOW()
WHERE account_id = $1`

	tag, err := r.exec(ctx, stmt, accountID, reservedAmount)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *AccountRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
