// README: Order aggregate and store tests (transition table, entry bookkeeping, memory transactions).
package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// TestCanTransition verifies the state machine transition table without a database.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// happy-path forward transitions
		{StatusDraft, StatusPending, true},
		{StatusPending, StatusAccepted, true},
		{StatusAccepted, StatusDriverArrived, true},
		{StatusDriverArrived, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		// cancels from every non-terminal state
		{StatusDraft, StatusCancelled, true},
		{StatusPending, StatusCancelled, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusDriverArrived, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		// invalid: terminal states have no outgoing transitions
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		// invalid: skipping or going backward
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusInProgress, false},
		{StatusAccepted, StatusInProgress, false},
		{StatusInProgress, StatusAccepted, false},
		{StatusDriverArrived, StatusAccepted, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEntryRespondRecordsResponseTime(t *testing.T) {
	e := PoolEntry{ID: "e1", Status: EntryPending}
	e.Offer(t0, 30*time.Second)
	if !e.Offered() {
		t.Fatalf("expected entry to be offered")
	}
	if got := e.TimeoutAt.Sub(*e.RequestedAt); got != 30*time.Second {
		t.Fatalf("timeout window = %v, want 30s", got)
	}

	e.Respond(EntryRejected, t0.Add(12*time.Second+900*time.Millisecond), "too far")
	if e.Status != EntryRejected {
		t.Fatalf("status = %s", e.Status)
	}
	if e.ResponseTimeSeconds == nil || *e.ResponseTimeSeconds != 12 {
		t.Fatalf("response_time_seconds = %v, want 12", e.ResponseTimeSeconds)
	}
	if e.RejectionReason == nil || *e.RejectionReason != "too far" {
		t.Fatalf("rejection reason not stored")
	}
	if e.Offered() || e.Queued() {
		t.Fatalf("responded entry must be neither offered nor queued")
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	d := types.ID("d1")
	at := t0
	o := &Order{ID: "o1", DriverID: &d, AcceptedAt: &at}
	cp := o.Clone()
	*cp.DriverID = "d2"
	*cp.AcceptedAt = t0.Add(time.Hour)
	if *o.DriverID != "d1" || !o.AcceptedAt.Equal(t0) {
		t.Fatalf("clone shares pointers with original")
	}
}

func newMemory() (*MemoryStore, *tracking.MemoryStore) {
	ledger := tracking.NewMemoryStore()
	return NewMemoryStore(ledger), ledger
}

func seedPending(t *testing.T, s Store, id types.ID, drivers ...types.ID) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.Insert(context.Background(), &Order{
			ID: id, CustomerID: "c_" + id, Status: StatusPending, VehicleType: "standard", CreatedAt: t0,
		}); err != nil {
			return err
		}
		entries := make([]PoolEntry, len(drivers))
		for i, d := range drivers {
			entries[i] = PoolEntry{
				ID: types.ID(string(id) + "_" + string(d)), OrderID: id, DriverID: d,
				Priority: i + 1, Round: 1, Status: EntryPending, CreatedAt: t0,
			}
			entries[i].Offer(t0, 30*time.Second)
		}
		return tx.InsertEntries(context.Background(), entries)
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func TestMemoryTxRollback(t *testing.T) {
	ctx := context.Background()
	store, ledger := newMemory()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx Tx) error {
		if err := tx.Insert(ctx, &Order{ID: "o1", Status: StatusDraft}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &tracking.Event{OrderID: "o1", Type: tracking.EventOrderCreated}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.Get(ctx, "o1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back order must not exist, got %v", err)
	}
	events, _ := ledger.Events(ctx, "o1", time.Time{})
	if len(events) != 0 {
		t.Fatalf("rolled back events leaked: %d", len(events))
	}
}

func TestMemoryTxCommitsEvents(t *testing.T) {
	ctx := context.Background()
	store, ledger := newMemory()

	err := store.InTx(ctx, func(tx Tx) error {
		if err := tx.Insert(ctx, &Order{ID: "o1", Status: StatusDraft}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &tracking.Event{OrderID: "o1", Type: tracking.EventOrderCreated, CreatedAt: t0})
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	events, _ := ledger.Events(ctx, "o1", time.Time{})
	if len(events) != 1 || events[0].Type != tracking.EventOrderCreated {
		t.Fatalf("events = %+v", events)
	}
}

func TestAssignDriverCAS(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemory()
	seedPending(t, store, "o1", "d1", "d2")

	assign := func(driver types.ID) bool {
		var won bool
		err := store.InTx(ctx, func(tx Tx) error {
			o, err := tx.Lock(ctx, "o1")
			if err != nil {
				return err
			}
			won, err = tx.AssignDriver(ctx, o, driver, t0.Add(time.Second))
			return err
		})
		if err != nil {
			t.Fatalf("assign %s: %v", driver, err)
		}
		return won
	}

	if !assign("d2") {
		t.Fatalf("first assignment must win")
	}
	if assign("d1") {
		t.Fatalf("second assignment must lose")
	}
	o, _ := store.Get(ctx, "o1")
	if o.Status != StatusAccepted || !o.HasDriver("d2") || o.StatusVersion != 1 {
		t.Fatalf("unexpected order after CAS: status=%s driver=%v version=%d", o.Status, o.DriverID, o.StatusVersion)
	}
}

func TestAssignDriverBusyElsewhere(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemory()
	seedPending(t, store, "o1", "d1")
	seedPending(t, store, "o2", "d1")

	assign := func(id types.ID) error {
		return store.InTx(ctx, func(tx Tx) error {
			o, err := tx.Lock(ctx, id)
			if err != nil {
				return err
			}
			_, err = tx.AssignDriver(ctx, o, "d1", t0)
			return err
		})
	}
	if err := assign("o1"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := assign("o2"); !errors.Is(err, ErrActiveOrder) {
		t.Fatalf("expected ErrActiveOrder, got %v", err)
	}
	if o, _ := store.Get(ctx, "o2"); o.Status != StatusPending || o.DriverID != nil {
		t.Fatalf("o2 must stay unassigned: status=%s driver=%v", o.Status, o.DriverID)
	}
}

func TestDriverConflictMapping(t *testing.T) {
	hit := &pgconn.PgError{Code: "23505", ConstraintName: activeDriverIndex}
	if err := driverConflict(fmt.Errorf("exec: %w", hit)); !errors.Is(err, ErrActiveOrder) {
		t.Fatalf("expected ErrActiveOrder, got %v", err)
	}
	other := &pgconn.PgError{Code: "23505", ConstraintName: "orders_pkey"}
	if err := driverConflict(other); !errors.Is(err, other) {
		t.Fatalf("unrelated unique violation must pass through, got %v", err)
	}
	boom := errors.New("boom")
	if err := driverConflict(boom); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemory()
	seedPending(t, store, "o1")

	stale, _ := store.Get(ctx, "o1")
	err := store.InTx(ctx, func(tx Tx) error {
		o, err := tx.Lock(ctx, "o1")
		if err != nil {
			return err
		}
		o.DispatchRound = 2
		return tx.Update(ctx, o)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	err = store.InTx(ctx, func(tx Tx) error {
		return tx.Update(ctx, stale)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}
}

func TestUpdateEntryCAS(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemory()
	seedPending(t, store, "o1", "d1")

	entries, _ := store.Entries(ctx, "o1")
	first := entries[0]
	first.Status = EntryTimeout
	second := entries[0]
	second.Respond(EntryAccepted, t0.Add(time.Second), "")

	var ok1, ok2 bool
	_ = store.InTx(ctx, func(tx Tx) error {
		var err error
		ok1, err = tx.UpdateEntry(ctx, &first, EntryPending)
		return err
	})
	_ = store.InTx(ctx, func(tx Tx) error {
		var err error
		ok2, err = tx.UpdateEntry(ctx, &second, EntryPending)
		return err
	})
	if !ok1 || ok2 {
		t.Fatalf("expected only the first entry update to apply, got %v %v", ok1, ok2)
	}
	entries, _ = store.Entries(ctx, "o1")
	if entries[0].Status != EntryTimeout {
		t.Fatalf("entry status = %s, want TIMEOUT", entries[0].Status)
	}
}

func TestDuplicateDriverEntryRejected(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemory()
	seedPending(t, store, "o1", "d1")

	err := store.InTx(ctx, func(tx Tx) error {
		return tx.InsertEntries(ctx, []PoolEntry{{ID: "dup", OrderID: "o1", DriverID: "d1", Priority: 2, Status: EntryPending}})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate (order, driver), got %v", err)
	}
}

func TestExpiredOffers(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemory()
	seedPending(t, store, "o1", "d1", "d2")

	got, err := store.ExpiredOffers(ctx, t0.Add(29*time.Second), 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("nothing should be expired yet: %v %d", err, len(got))
	}
	got, err = store.ExpiredOffers(ctx, t0.Add(31*time.Second), 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one expired entry with limit 1: %v %d", err, len(got))
	}
}

func TestActiveLookups(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemory()
	seedPending(t, store, "o1", "d1")

	if _, err := store.ActiveByDriver(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending order has no driver yet, got %v", err)
	}
	o, err := store.ActiveByCustomer(ctx, "c_o1")
	if err != nil || o.ID != "o1" {
		t.Fatalf("active by customer: %v", err)
	}
	_ = store.InTx(ctx, func(tx Tx) error {
		o, _ := tx.Lock(ctx, "o1")
		_, err := tx.AssignDriver(ctx, o, "d1", t0)
		return err
	})
	o, err = store.ActiveByDriver(ctx, "d1")
	if err != nil || o.ID != "o1" {
		t.Fatalf("active by driver: %v", err)
	}
}
