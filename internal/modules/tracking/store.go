// README: Ledger store backed by PostgreSQL; events are strictly ordered per order by created_at.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vtc/internal/types"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so ledger rows can be
// written inside the transaction that performs the state change.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const insertEventSQL = `
    INSERT INTO order_tracking (
        order_id, event_type, actor_type, actor_id, lat, lng, metadata, notes, created_at
    )
    SELECT $1, $2, $3, $4, $5, $6, $7, $8,
           GREATEST($9::timestamptz, COALESCE(MAX(created_at) + interval '1 microsecond', $9::timestamptz))
    FROM order_tracking
    WHERE order_id = $1
    RETURNING id, created_at`

// AppendEventQ inserts e using q and fills in its ID and effective CreatedAt.
func AppendEventQ(ctx context.Context, q Querier, e *Event) error {
	var lat, lng *float64
	if e.Position != nil {
		lat, lng = &e.Position.Lat, &e.Position.Lng
	}
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	var actorID *string
	if e.Actor.ID != "" {
		v := string(e.Actor.ID)
		actorID = &v
	}
	return q.QueryRow(ctx, insertEventSQL,
		string(e.OrderID),
		string(e.Type),
		string(e.Actor.Kind),
		actorID,
		lat, lng,
		meta,
		e.Notes,
		e.CreatedAt,
	).Scan(&e.ID, &e.CreatedAt)
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return AppendEventQ(ctx, s.db, e)
}

func (s *Store) Events(ctx context.Context, orderID types.ID, since time.Time) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, order_id, event_type, actor_type, actor_id, lat, lng, metadata, notes, created_at
        FROM order_tracking
        WHERE order_id = $1 AND created_at > $2
        ORDER BY created_at, id`, string(orderID), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		var lat, lng *float64
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.Actor.Kind, &actorID, &lat, &lng, &meta, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			e.Actor.ID = types.ID(*actorID)
		}
		if lat != nil && lng != nil {
			e.Position = &types.Point{Lat: *lat, Lng: *lng}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendSample(ctx context.Context, smp *Sample) error {
	return s.db.QueryRow(ctx, `
        INSERT INTO trip_tracking (
            order_id, driver_id, lat, lng, speed_kmh, heading_deg, accuracy_m, order_status, recorded_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id`,
		string(smp.OrderID),
		string(smp.DriverID),
		smp.Position.Lat, smp.Position.Lng,
		smp.SpeedKmh, smp.HeadingDeg, smp.AccuracyM,
		smp.OrderStatus,
		smp.RecordedAt,
	).Scan(&smp.ID)
}

func (s *Store) LastSample(ctx context.Context, orderID types.ID) (*Sample, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, order_id, driver_id, lat, lng, speed_kmh, heading_deg, accuracy_m, order_status, recorded_at
        FROM trip_tracking
        WHERE order_id = $1
        ORDER BY recorded_at DESC, id DESC
        LIMIT 1`, string(orderID))
	smp, err := scanSample(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return smp, err
}

func (s *Store) Samples(ctx context.Context, orderID types.ID) ([]Sample, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, order_id, driver_id, lat, lng, speed_kmh, heading_deg, accuracy_m, order_status, recorded_at
        FROM trip_tracking
        WHERE order_id = $1
        ORDER BY recorded_at, id`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *smp)
	}
	return out, rows.Err()
}

func scanSample(row pgx.Row) (*Sample, error) {
	var smp Sample
	err := row.Scan(
		&smp.ID, &smp.OrderID, &smp.DriverID,
		&smp.Position.Lat, &smp.Position.Lng,
		&smp.SpeedKmh, &smp.HeadingDeg, &smp.AccuracyM,
		&smp.OrderStatus, &smp.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return &smp, nil
}
