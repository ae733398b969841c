// README: Driver eligibility lookups against the drivers table.
package pool

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"vtc/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Eligible(ctx context.Context, ids []types.ID, vehicleType string) (map[types.ID]bool, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
        SELECT id FROM drivers
        WHERE id = ANY($1)
          AND is_active
          AND ($2 = '' OR vehicle_type = $2)`, raw, vehicleType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.ID]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[types.ID(id)] = true
	}
	return out, rows.Err()
}
