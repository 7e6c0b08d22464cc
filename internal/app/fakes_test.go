package app

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pellax/memorymeet-sub001/internal/dispatch"
	"github.com/pellax/memorymeet-sub001/internal/domain"
)

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	reserves int
	commits  int
	releases int
}

func newFakeLedger(accounts ...domain.Account) *fakeLedger {
	l := &fakeLedger{accounts: make(map[string]*domain.Account)}
	for _, acc := range accounts {
		a := acc
		l.accounts[acc.ID] = &a
	}
	return l
}

func (l *fakeLedger) Reserve(_ context.Context, accountID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if acc.Available().LessThan(amount) {
		return domain.ErrInsufficientQuota
	}
	acc.Reserved = acc.Reserved.Add(amount)
	l.reserves++
	return nil
}

func (l *fakeLedger) Commit(_ context.Context, accountID string, reservedAmount, actualAmount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Reserved = acc.Reserved.Sub(reservedAmount)
	acc.Consumed = acc.Consumed.Add(actualAmount)
	l.commits++
	return nil
}

func (l *fakeLedger) Release(_ context.Context, accountID string, reservedAmount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Reserved = acc.Reserved.Sub(reservedAmount)
	l.releases++
	return nil
}

func (l *fakeLedger) account(id string) domain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.accounts[id]
}

type fakeStore struct {
	mu           sync.Mutex
	reservations map[string]*domain.Reservation
}

func newFakeStore(reservations ...domain.Reservation) *fakeStore {
	s := &fakeStore{reservations: make(map[string]*domain.Reservation)}
	for _, res := range reservations {
		r := res
		s.reservations[res.ID] = &r
	}
	return s
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeStore) Create(_ context.Context, res domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[res.ID]; exists {
		return domain.ErrIdempotencyConflict
	}
	r := res
	s.reservations[res.ID] = &r
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, nil
	}
	copied := *res
	return &copied, nil
}

func (s *fakeStore) GetForUpdate(_ context.Context, id string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrUnknownReservation
	}
	return *res, nil
}

func (s *fakeStore) MarkDispatching(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok || res.State != domain.ReservationPending {
		return domain.ErrReservationNotSettled
	}
	res.State = domain.ReservationDispatching
	return nil
}

func (s *fakeStore) RecordDispatchResult(_ context.Context, id string, state domain.ReservationState, attempts int, lastErr *string, dispatchedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok || res.State != domain.ReservationDispatching {
		return false, nil
	}
	res.State = state
	res.AttemptCount = attempts
	res.LastError = lastErr
	res.DispatchedAt = dispatchedAt
	return true, nil
}

func (s *fakeStore) MarkSettled(_ context.Context, id string, state domain.ReservationState, actual *decimal.Decimal, settledAt time.Time, from []domain.ReservationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return false, nil
	}
	guarded := false
	for _, f := range from {
		if res.State == f {
			guarded = true
			break
		}
	}
	if !guarded {
		return false, nil
	}
	res.State = state
	res.ActualHours = actual
	res.SettledAt = &settledAt
	return true, nil
}

func (s *fakeStore) ListStale(_ context.Context, states []domain.ReservationState, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, res := range s.reservations {
		if !res.CreatedAt.Before(cutoff) {
			continue
		}
		for _, st := range states {
			if res.State == st {
				out = append(out, *res)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) get(id string) domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.reservations[id]
}

type fakeDispatcher struct {
	mu      sync.Mutex
	results []dispatch.Result
	calls   int
}

func (d *fakeDispatcher) Send(_ context.Context, _ dispatch.WorkOrder) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return dispatch.Result{Outcome: dispatch.OutcomeAccepted, Attempts: 1, StatusCode: 200}
	}
	result := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	return result
}

// funcDispatcher lets a test run arbitrary code mid-dispatch, e.g. to race a
// callback against the dispatch bookkeeping.
type funcDispatcher struct {
	send func(ctx context.Context, order dispatch.WorkOrder) dispatch.Result
}

func (d *funcDispatcher) Send(ctx context.Context, order dispatch.WorkOrder) dispatch.Result {
	return d.send(ctx, order)
}
