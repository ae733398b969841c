// README: Order store backed by PostgreSQL; state changes run inside one transaction with row locks.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

// Tx is the unit of work for every order mutation. Ledger rows appended
// through it commit or roll back with the state change.
type Tx interface {
	Get(ctx context.Context, id types.ID) (*Order, error)
	// Lock reads the order and holds it against concurrent writers until the
	// transaction ends.
	Lock(ctx context.Context, id types.ID) (*Order, error)
	Insert(ctx context.Context, o *Order) error
	// Update writes o if its stored status_version still equals o.StatusVersion
	// and bumps the version on success.
	Update(ctx context.Context, o *Order) error
	// AssignDriver sets the driver only while the order is PENDING with no
	// driver. It reports false when another acceptance won.
	AssignDriver(ctx context.Context, o *Order, driverID types.ID, at time.Time) (bool, error)
	HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error)
	HasActiveByDriver(ctx context.Context, driverID types.ID, except types.ID) (bool, error)

	Entries(ctx context.Context, orderID types.ID) ([]PoolEntry, error)
	InsertEntries(ctx context.Context, entries []PoolEntry) error
	// UpdateEntry writes e if its stored request_status still equals expect.
	UpdateEntry(ctx context.Context, e *PoolEntry, expect EntryStatus) (bool, error)

	AppendEvent(ctx context.Context, e *tracking.Event) error
}

type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	Entries(ctx context.Context, orderID types.ID) ([]PoolEntry, error)
	// ExpiredOffers lists offered PENDING entries whose timeout_at is before now.
	ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]PoolEntry, error)
	// DueRetries lists PENDING orders whose retry_at has passed.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Order, error)
	ActiveByCustomer(ctx context.Context, customerID types.ID) (*Order, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

const orderColumns = `
    id, customer_id, driver_id, status, status_version,
    pickup_lat, pickup_lng, destination_lat, destination_lng,
    vehicle_type, zone, estimated_distance_km, actual_distance_km, waiting_minutes,
    price_breakdown, estimated_price, final_price, currency, payment_status,
    is_night_fare, dispatch_round, retry_at,
    cancellation_reason, cancelled_by_type, cancelled_by_id,
    created_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at, paid_at`

const entryColumns = `
    id, order_id, driver_id, priority_order, round, distance_km, request_status,
    requested_at, responded_at, timeout_at, response_time_seconds, rejection_reason, created_at`

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	return getOrder(ctx, s.db, id, false)
}

func (s *PGStore) Entries(ctx context.Context, orderID types.ID) ([]PoolEntry, error) {
	return listEntries(ctx, s.db, orderID)
}

func (s *PGStore) ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]PoolEntry, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+entryColumns+`
        FROM driver_pool_entries
        WHERE request_status = 'PENDING'
          AND timeout_at IS NOT NULL
          AND timeout_at < $1
        ORDER BY timeout_at
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PGStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM orders
        WHERE status = 'PENDING' AND retry_at IS NOT NULL AND retry_at <= $1
        ORDER BY retry_at
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

func (s *PGStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
        SELECT `+orderColumns+`
        FROM orders
        WHERE driver_id = $1 AND status IN ('ACCEPTED','DRIVER_ARRIVED','IN_PROGRESS')
        ORDER BY accepted_at DESC
        LIMIT 1`, string(driverID))
	return scanOrder(row)
}

func (s *PGStore) ActiveByCustomer(ctx context.Context, customerID types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
        SELECT `+orderColumns+`
        FROM orders
        WHERE customer_id = $1 AND status IN ('DRAFT','PENDING','ACCEPTED','DRIVER_ARRIVED','IN_PROGRESS')
        ORDER BY created_at DESC
        LIMIT 1`, string(customerID))
	return scanOrder(row)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, id types.ID) (*Order, error) {
	return getOrder(ctx, t.tx, id, false)
}

func (t *pgTx) Lock(ctx context.Context, id types.ID) (*Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) Insert(ctx context.Context, o *Order) error {
	breakdown, err := json.Marshal(o.Pricing)
	if err != nil {
		return err
	}
	cancelledType, cancelledID := actorColumns(o.CancelledBy)
	_, err = t.tx.Exec(ctx, `
        INSERT INTO orders (`+orderColumns+`)
        VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8, $9,
            $10, $11, $12, $13, $14,
            $15, $16, $17, $18, $19,
            $20, $21, $22,
            $23, $24, $25,
            $26, $27, $28, $29, $30, $31, $32
        )`,
		string(o.ID), string(o.CustomerID), idPtr(o.DriverID), string(o.Status), o.StatusVersion,
		o.Pickup.Lat, o.Pickup.Lng, o.Destination.Lat, o.Destination.Lng,
		o.VehicleType, o.Zone, o.EstimatedDistanceKm, o.ActualDistanceKm, o.WaitingMinutes,
		breakdown, o.EstimatedPrice.Amount, amountPtr(o.FinalPrice), o.EstimatedPrice.Currency, string(o.PaymentStatus),
		o.IsNightFare, o.DispatchRound, o.RetryAt,
		o.CancellationReason, cancelledType, cancelledID,
		o.CreatedAt, o.AcceptedAt, o.ArrivedAt, o.StartedAt, o.CompletedAt, o.CancelledAt, o.PaidAt,
	)
	return err
}

func (t *pgTx) Update(ctx context.Context, o *Order) error {
	breakdown, err := json.Marshal(o.Pricing)
	if err != nil {
		return err
	}
	cancelledType, cancelledID := actorColumns(o.CancelledBy)
	tag, err := t.tx.Exec(ctx, `
        UPDATE orders SET
            driver_id = $3,
            status = $4,
            status_version = status_version + 1,
            actual_distance_km = $5,
            waiting_minutes = $6,
            price_breakdown = $7,
            final_price = $8,
            payment_status = $9,
            dispatch_round = $10,
            retry_at = $11,
            cancellation_reason = $12,
            cancelled_by_type = $13,
            cancelled_by_id = $14,
            accepted_at = $15,
            arrived_at = $16,
            started_at = $17,
            completed_at = $18,
            cancelled_at = $19,
            paid_at = $20
        WHERE id = $1 AND status_version = $2`,
		string(o.ID), o.StatusVersion,
		idPtr(o.DriverID), string(o.Status),
		o.ActualDistanceKm, o.WaitingMinutes, breakdown, amountPtr(o.FinalPrice),
		string(o.PaymentStatus), o.DispatchRound, o.RetryAt,
		o.CancellationReason, cancelledType, cancelledID,
		o.AcceptedAt, o.ArrivedAt, o.StartedAt, o.CompletedAt, o.CancelledAt, o.PaidAt,
	)
	if err != nil {
		return driverConflict(err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	o.StatusVersion++
	return nil
}

func (t *pgTx) AssignDriver(ctx context.Context, o *Order, driverID types.ID, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
        UPDATE orders SET
            driver_id = $2,
            status = 'ACCEPTED',
            status_version = status_version + 1,
            accepted_at = $3,
            retry_at = NULL
        WHERE id = $1 AND driver_id IS NULL AND status = 'PENDING'`,
		string(o.ID), string(driverID), at,
	)
	if err != nil {
		return false, driverConflict(err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	applyAssignment(o, driverID, at)
	return true, nil
}

func (t *pgTx) HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM orders
            WHERE customer_id = $1
              AND status IN ('DRAFT','PENDING','ACCEPTED','DRIVER_ARRIVED','IN_PROGRESS')
        )`, string(customerID),
	).Scan(&exists)
	return exists, err
}

// HasActiveByDriver serializes on the driver for the rest of the transaction
// so two accepts of different orders by one driver cannot both pass the check.
func (t *pgTx) HasActiveByDriver(ctx context.Context, driverID, except types.ID) (bool, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(driverID)); err != nil {
		return false, fmt.Errorf("lock driver: %w", err)
	}
	var exists bool
	err := t.tx.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM orders
            WHERE driver_id = $1 AND id <> $2
              AND status IN ('ACCEPTED','DRIVER_ARRIVED','IN_PROGRESS')
        )`, string(driverID), string(except),
	).Scan(&exists)
	return exists, err
}

func (t *pgTx) Entries(ctx context.Context, orderID types.ID) ([]PoolEntry, error) {
	return listEntries(ctx, t.tx, orderID)
}

func (t *pgTx) InsertEntries(ctx context.Context, entries []PoolEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
            INSERT INTO driver_pool_entries (`+entryColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			string(e.ID), string(e.OrderID), string(e.DriverID), e.Priority, e.Round, e.DistanceKm, string(e.Status),
			e.RequestedAt, e.RespondedAt, e.TimeoutAt, e.ResponseTimeSeconds, e.RejectionReason, e.CreatedAt,
		)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) UpdateEntry(ctx context.Context, e *PoolEntry, expect EntryStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
        UPDATE driver_pool_entries SET
            request_status = $3,
            requested_at = $4,
            responded_at = $5,
            timeout_at = $6,
            response_time_seconds = $7,
            rejection_reason = $8
        WHERE id = $1 AND request_status = $2`,
		string(e.ID), string(expect), string(e.Status),
		e.RequestedAt, e.RespondedAt, e.TimeoutAt, e.ResponseTimeSeconds, e.RejectionReason,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *tracking.Event) error {
	return tracking.AppendEventQ(ctx, t.tx, e)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getOrder(ctx context.Context, q querier, id types.ID, lock bool) (*Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	return scanOrder(q.QueryRow(ctx, sql, string(id)))
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var driverID, cancelledType, cancelledID *string
	var finalPrice *int64
	var breakdown []byte
	var currency string

	err := row.Scan(
		&o.ID, &o.CustomerID, &driverID, &o.Status, &o.StatusVersion,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Destination.Lat, &o.Destination.Lng,
		&o.VehicleType, &o.Zone, &o.EstimatedDistanceKm, &o.ActualDistanceKm, &o.WaitingMinutes,
		&breakdown, &o.EstimatedPrice.Amount, &finalPrice, &currency, &o.PaymentStatus,
		&o.IsNightFare, &o.DispatchRound, &o.RetryAt,
		&o.CancellationReason, &cancelledType, &cancelledID,
		&o.CreatedAt, &o.AcceptedAt, &o.ArrivedAt, &o.StartedAt, &o.CompletedAt, &o.CancelledAt, &o.PaidAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if driverID != nil {
		d := types.ID(*driverID)
		o.DriverID = &d
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &o.Pricing); err != nil {
			return nil, fmt.Errorf("decode price breakdown: %w", err)
		}
	}
	o.EstimatedPrice.Currency = currency
	if finalPrice != nil {
		o.FinalPrice = &types.Money{Amount: *finalPrice, Currency: currency}
	}
	if cancelledType != nil {
		a := types.Actor{Kind: types.ActorKind(*cancelledType)}
		if cancelledID != nil {
			a.ID = types.ID(*cancelledID)
		}
		o.CancelledBy = &a
	}
	return &o, nil
}

func listEntries(ctx context.Context, q querier, orderID types.ID) ([]PoolEntry, error) {
	rows, err := q.Query(ctx, `
        SELECT `+entryColumns+`
        FROM driver_pool_entries
        WHERE order_id = $1
        ORDER BY priority_order`, string(orderID))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]PoolEntry, error) {
	defer rows.Close()
	var out []PoolEntry
	for rows.Next() {
		var e PoolEntry
		if err := rows.Scan(
			&e.ID, &e.OrderID, &e.DriverID, &e.Priority, &e.Round, &e.DistanceKm, &e.Status,
			&e.RequestedAt, &e.RespondedAt, &e.TimeoutAt, &e.ResponseTimeSeconds, &e.RejectionReason, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func applyAssignment(o *Order, driverID types.ID, at time.Time) {
	d := driverID
	accepted := at
	o.DriverID = &d
	o.Status = StatusAccepted
	o.AcceptedAt = &accepted
	o.RetryAt = nil
	o.StatusVersion++
}

func actorColumns(a *types.Actor) (*string, *string) {
	if a == nil {
		return nil, nil
	}
	kind := string(a.Kind)
	if a.ID == "" {
		return &kind, nil
	}
	id := string(a.ID)
	return &kind, &id
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func amountPtr(v *types.Money) *int64 {
	if v == nil {
		return nil
	}
	n := v.Amount
	return &n
}

const activeDriverIndex = "orders_one_active_driver_idx"

// driverConflict maps a hit on the one-active-order-per-driver index to
// ErrActiveOrder.
func driverConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeDriverIndex {
		return ErrActiveOrder
	}
	return err
}
