package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pellax/memorymeet-sub001/internal/clock"
	"github.com/pellax/memorymeet-sub001/internal/dispatch"
	"github.com/pellax/memorymeet-sub001/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testAccount(id string, total string) domain.Account {
	return domain.Account{
		ID:             id,
		TotalAllocated: dec(total),
		Reserved:       decimal.Zero,
		Consumed:       decimal.Zero,
	}
}

func newTestGatekeeper(ledger *fakeLedger, store *fakeStore, disp *fakeDispatcher, now time.Time) *Gatekeeper {
	clk := clock.NewFixed(now)
	settlement := NewSettlement(ledger, store, clk, nil)
	return NewGatekeeper(ledger, store, disp, settlement, clk, nil)
}

func TestGatekeeper_RequestWork(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("reserves and dispatches when quota available", func(t *testing.T) {
		ledger := newFakeLedger(testAccount("acc-1", "10"))
		store := newFakeStore()
		disp := &fakeDispatcher{results: []dispatch.Result{{Outcome: dispatch.OutcomeAccepted, Attempts: 1, StatusCode: 200}}}
		gk := newTestGatekeeper(ledger, store, disp, now)

		result, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID:      "acc-1",
			ReservationID:  "r1",
			EstimatedHours: dec("4"),
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Status != RequestAccepted {
			t.Fatalf("expected status %s, got %s", RequestAccepted, result.Status)
		}
		if result.TrackingID == "" {
			t.Fatalf("expected tracking id to be set")
		}

		acc := ledger.account("acc-1")
		if !acc.Reserved.Equal(dec("4")) {
			t.Fatalf("expected reserved=4, got %s", acc.Reserved)
		}

		res := store.get("r1")
		if res.State != domain.ReservationDispatched {
			t.Fatalf("expected state %s, got %s", domain.ReservationDispatched, res.State)
		}
		if res.DispatchedAt == nil {
			t.Fatalf("expected dispatched_at to be set")
		}
		if res.AttemptCount != 1 {
			t.Fatalf("expected attempt_count=1, got %d", res.AttemptCount)
		}
	})

	t.Run("denies when quota insufficient and creates no reservation", func(t *testing.T) {
		ledger := newFakeLedger(domain.Account{
			ID:             "acc-1",
			TotalAllocated: dec("10"),
			Reserved:       dec("3"),
			Consumed:       dec("2"),
		})
		store := newFakeStore()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		result, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID:      "acc-1",
			ReservationID:  "r2",
			EstimatedHours: dec("6"),
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Status != RequestQuotaDenied {
			t.Fatalf("expected status %s, got %s", RequestQuotaDenied, result.Status)
		}
		if res, _ := store.Get(context.Background(), "r2"); res != nil {
			t.Fatalf("expected no reservation to be created")
		}
		acc := ledger.account("acc-1")
		if !acc.Reserved.Equal(dec("3")) || !acc.Consumed.Equal(dec("2")) {
			t.Fatalf("expected account untouched, got reserved=%s consumed=%s", acc.Reserved, acc.Consumed)
		}
	})

	t.Run("duplicate submission returns current state without reserving again", func(t *testing.T) {
		ledger := newFakeLedger(testAccount("acc-1", "10"))
		store := newFakeStore()
		disp := &fakeDispatcher{}
		gk := newTestGatekeeper(ledger, store, disp, now)

		first, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", ReservationID: "r1", EstimatedHours: dec("4"),
		})
		if err != nil {
			t.Fatalf("first submission: %v", err)
		}

		second, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", ReservationID: "r1", EstimatedHours: dec("4"),
		})
		if err != nil {
			t.Fatalf("second submission: %v", err)
		}
		if second.Status != RequestDuplicate {
			t.Fatalf("expected status %s, got %s", RequestDuplicate, second.Status)
		}
		if second.TrackingID != first.TrackingID {
			t.Fatalf("expected same tracking id, got %s vs %s", second.TrackingID, first.TrackingID)
		}
		if ledger.reserves != 1 {
			t.Fatalf("expected exactly one reserve, got %d", ledger.reserves)
		}
		if disp.calls != 1 {
			t.Fatalf("expected exactly one dispatch, got %d", disp.calls)
		}
	})

	t.Run("duplicate with different amount is a conflict", func(t *testing.T) {
		ledger := newFakeLedger(testAccount("acc-1", "10"))
		store := newFakeStore()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		if _, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", ReservationID: "r1", EstimatedHours: dec("4"),
		}); err != nil {
			t.Fatalf("first submission: %v", err)
		}

		_, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", ReservationID: "r1", EstimatedHours: dec("5"),
		})
		if !errors.Is(err, domain.ErrIdempotencyConflict) {
			t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
		}
	})

	t.Run("releases quota when dispatch is rejected", func(t *testing.T) {
		ledger := newFakeLedger(testAccount("acc-1", "10"))
		store := newFakeStore()
		disp := &fakeDispatcher{results: []dispatch.Result{{
			Outcome:    dispatch.OutcomeRejected,
			Attempts:   1,
			StatusCode: 422,
			Err:        errors.New("orchestrator rejected request: 422"),
		}}}
		gk := newTestGatekeeper(ledger, store, disp, now)

		result, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", ReservationID: "r1", EstimatedHours: dec("4"),
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Status != RequestDispatchFailed {
			t.Fatalf("expected status %s, got %s", RequestDispatchFailed, result.Status)
		}

		acc := ledger.account("acc-1")
		if !acc.Reserved.IsZero() {
			t.Fatalf("expected quota fully returned, reserved=%s", acc.Reserved)
		}
		res := store.get("r1")
		if res.State != domain.ReservationDispatchFailed {
			t.Fatalf("expected state %s, got %s", domain.ReservationDispatchFailed, res.State)
		}
		if res.LastError == nil {
			t.Fatalf("expected last_error to be recorded")
		}
	})

	t.Run("releases quota when retries are exhausted", func(t *testing.T) {
		ledger := newFakeLedger(testAccount("acc-1", "10"))
		store := newFakeStore()
		disp := &fakeDispatcher{results: []dispatch.Result{{
			Outcome:  dispatch.OutcomeExhausted,
			Attempts: 4,
			Err:      errors.New("orchestrator error: 503"),
		}}}
		gk := newTestGatekeeper(ledger, store, disp, now)

		result, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", ReservationID: "r1", EstimatedHours: dec("4"),
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Status != RequestDispatchFailed {
			t.Fatalf("expected status %s, got %s", RequestDispatchFailed, result.Status)
		}
		if !ledger.account("acc-1").Reserved.IsZero() {
			t.Fatalf("expected quota fully returned")
		}
		if store.get("r1").AttemptCount != 4 {
			t.Fatalf("expected attempt_count=4, got %d", store.get("r1").AttemptCount)
		}
	})

	t.Run("rejects missing reservation id and non-positive amounts", func(t *testing.T) {
		gk := newTestGatekeeper(newFakeLedger(), newFakeStore(), &fakeDispatcher{}, now)

		if _, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", EstimatedHours: dec("1"),
		}); !errors.Is(err, domain.ErrReservationIDRequired) {
			t.Fatalf("expected ErrReservationIDRequired, got %v", err)
		}
		if _, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID: "acc-1", ReservationID: "r1", EstimatedHours: dec("0"),
		}); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("reports the settled state when a callback beats the dispatch bookkeeping", func(t *testing.T) {
		ledger := newFakeLedger(testAccount("acc-1", "10"))
		store := newFakeStore()
		clk := clock.NewFixed(now)
		settlement := NewSettlement(ledger, store, clk, nil)

		// The orchestrator accepts and reports completion before Send returns.
		disp := &funcDispatcher{send: func(ctx context.Context, order dispatch.WorkOrder) dispatch.Result {
			actual := dec("2")
			if _, err := settlement.Finalize(ctx, order.ReservationID, domain.OutcomeSuccess, &actual); err != nil {
				t.Errorf("mid-dispatch settlement: %v", err)
			}
			return dispatch.Result{Outcome: dispatch.OutcomeAccepted, Attempts: 1, StatusCode: 202}
		}}
		gk := NewGatekeeper(ledger, store, disp, settlement, clk, nil)

		result, err := gk.RequestWork(context.Background(), RequestWorkInput{
			AccountID:      "acc-1",
			ReservationID:  "r1",
			EstimatedHours: dec("2"),
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Status != RequestAccepted {
			t.Fatalf("expected accepted, got %s", result.Status)
		}
		if result.State != domain.ReservationSettledSuccess {
			t.Fatalf("expected the settled state to be reported, got %s", result.State)
		}
		if res := store.get("r1"); res.State != domain.ReservationSettledSuccess {
			t.Fatalf("expected the terminal state to stand, got %s", res.State)
		}
		if ledger.commits != 1 {
			t.Fatalf("expected exactly one commit, got %d", ledger.commits)
		}
	})
}

func TestGatekeeper_RequestWork_NoDoubleSpend(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ledger := newFakeLedger(testAccount("acc-1", "10"))
	store := newFakeStore()
	gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

	const workers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := gk.RequestWork(context.Background(), RequestWorkInput{
				AccountID:      "acc-1",
				ReservationID:  fmt.Sprintf("r%d", i),
				EstimatedHours: dec("1"),
			})
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			if result.Status == RequestAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if accepted > 10 {
		t.Fatalf("accepted %d reservations against 10 available hours", accepted)
	}
	acc := ledger.account("acc-1")
	if acc.Reserved.GreaterThan(dec("10")) {
		t.Fatalf("reserved %s exceeds allocation", acc.Reserved)
	}
}

func TestGatekeeper_HandleCallback(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	dispatched := func() (*fakeLedger, *fakeStore) {
		ledger := newFakeLedger(domain.Account{
			ID:             "acc-1",
			TotalAllocated: dec("10"),
			Reserved:       dec("4"),
			Consumed:       decimal.Zero,
		})
		store := newFakeStore(domain.Reservation{
			ID:             "r1",
			AccountID:      "acc-1",
			TrackingID:     "t1",
			EstimatedHours: dec("4"),
			State:          domain.ReservationDispatched,
			CreatedAt:      now.Add(-time.Minute),
		})
		return ledger, store
	}

	t.Run("success commits actual hours including overrun", func(t *testing.T) {
		ledger, store := dispatched()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		actual := dec("5")
		result, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "r1",
			Outcome:       domain.OutcomeSuccess,
			ActualHours:   &actual,
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Duplicate {
			t.Fatalf("expected first settlement, got duplicate")
		}
		if result.Reservation.State != domain.ReservationSettledSuccess {
			t.Fatalf("expected state %s, got %s", domain.ReservationSettledSuccess, result.Reservation.State)
		}

		acc := ledger.account("acc-1")
		if !acc.Reserved.IsZero() {
			t.Fatalf("expected reserved=0, got %s", acc.Reserved)
		}
		if !acc.Consumed.Equal(dec("5")) {
			t.Fatalf("expected consumed=5, got %s", acc.Consumed)
		}
	})

	t.Run("repeated callback mutates the ledger exactly once", func(t *testing.T) {
		ledger, store := dispatched()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		actual := dec("5")
		in := CallbackInput{ReservationID: "r1", Outcome: domain.OutcomeSuccess, ActualHours: &actual}

		if _, err := gk.HandleCallback(context.Background(), in); err != nil {
			t.Fatalf("first callback: %v", err)
		}
		second, err := gk.HandleCallback(context.Background(), in)
		if err != nil {
			t.Fatalf("second callback: %v", err)
		}
		if !second.Duplicate {
			t.Fatalf("expected duplicate replay")
		}
		if second.Reservation.State != domain.ReservationSettledSuccess {
			t.Fatalf("expected recorded outcome, got %s", second.Reservation.State)
		}
		if ledger.commits != 1 {
			t.Fatalf("expected exactly one commit, got %d", ledger.commits)
		}
		if !ledger.account("acc-1").Consumed.Equal(dec("5")) {
			t.Fatalf("expected consumed unchanged at 5, got %s", ledger.account("acc-1").Consumed)
		}
	})

	t.Run("failure releases the reservation", func(t *testing.T) {
		ledger, store := dispatched()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		result, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "r1",
			Outcome:       domain.OutcomeFailure,
			Error:         "transcription pipeline crashed",
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Reservation.State != domain.ReservationSettledFailure {
			t.Fatalf("expected state %s, got %s", domain.ReservationSettledFailure, result.Reservation.State)
		}
		acc := ledger.account("acc-1")
		if !acc.Reserved.IsZero() || !acc.Consumed.IsZero() {
			t.Fatalf("expected quota returned, reserved=%s consumed=%s", acc.Reserved, acc.Consumed)
		}
	})

	t.Run("success without actual hours settles at the estimate", func(t *testing.T) {
		ledger, store := dispatched()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		result, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "r1",
			Outcome:       domain.OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Reservation.ActualHours == nil || !result.Reservation.ActualHours.Equal(dec("4")) {
			t.Fatalf("expected actual=4, got %v", result.Reservation.ActualHours)
		}
		if !ledger.account("acc-1").Consumed.Equal(dec("4")) {
			t.Fatalf("expected consumed=4, got %s", ledger.account("acc-1").Consumed)
		}
	})

	t.Run("settles from dispatching when the callback wins the race", func(t *testing.T) {
		ledger, store := dispatched()
		store.mu.Lock()
		store.reservations["r1"].State = domain.ReservationDispatching
		store.mu.Unlock()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		result, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "r1",
			Outcome:       domain.OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.Reservation.State != domain.ReservationSettledSuccess {
			t.Fatalf("expected settlement, got %s", result.Reservation.State)
		}
	})

	t.Run("unknown reservation", func(t *testing.T) {
		gk := newTestGatekeeper(newFakeLedger(), newFakeStore(), &fakeDispatcher{}, now)

		_, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "ghost",
			Outcome:       domain.OutcomeSuccess,
		})
		if !errors.Is(err, domain.ErrUnknownReservation) {
			t.Fatalf("expected ErrUnknownReservation, got %v", err)
		}
	})

	t.Run("pending reservation is not settleable by callback", func(t *testing.T) {
		ledger, store := dispatched()
		store.mu.Lock()
		store.reservations["r1"].State = domain.ReservationPending
		store.mu.Unlock()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		_, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "r1",
			Outcome:       domain.OutcomeSuccess,
		})
		if !errors.Is(err, domain.ErrReservationNotSettled) {
			t.Fatalf("expected ErrReservationNotSettled, got %v", err)
		}
		if ledger.commits != 0 {
			t.Fatalf("expected no ledger mutation, got %d commits", ledger.commits)
		}
	})

	t.Run("invalid outcome", func(t *testing.T) {
		gk := newTestGatekeeper(newFakeLedger(), newFakeStore(), &fakeDispatcher{}, now)

		_, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "r1",
			Outcome:       domain.SettlementOutcome("maybe"),
		})
		if !errors.Is(err, domain.ErrInvalidOutcome) {
			t.Fatalf("expected ErrInvalidOutcome, got %v", err)
		}
	})

	t.Run("negative actual hours are rejected before touching the ledger", func(t *testing.T) {
		ledger, store := dispatched()
		gk := newTestGatekeeper(ledger, store, &fakeDispatcher{}, now)

		actual := dec("-3")
		_, err := gk.HandleCallback(context.Background(), CallbackInput{
			ReservationID: "r1",
			Outcome:       domain.OutcomeSuccess,
			ActualHours:   &actual,
		})
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
		if ledger.commits != 0 {
			t.Fatalf("expected no ledger mutation, got %d commits", ledger.commits)
		}
		if res := store.get("r1"); res.State != domain.ReservationDispatched {
			t.Fatalf("expected reservation untouched, got state %s", res.State)
		}

		acc := ledger.account("acc-1")
		if acc.Consumed.IsNegative() {
			t.Fatalf("consumed went negative: %s", acc.Consumed)
		}
	})
}
