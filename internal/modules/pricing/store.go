// README: Pricing store backed by PostgreSQL, with a static fallback table.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Rate(ctx context.Context, vehicleType string) (Rate, error) {
	var r Rate
	err := s.db.QueryRow(ctx, `
        SELECT vehicle_type, base_fare, per_km, vehicle_fee, night_surcharge_pct, currency
        FROM pricing_rates
        WHERE vehicle_type = $1`, vehicleType,
	).Scan(&r.VehicleType, &r.BaseFare, &r.PerKm, &r.VehicleFee, &r.NightSurchargePct, &r.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnknownVehicleType, vehicleType)
	}
	return r, err
}

func (s *Store) ZoneFee(ctx context.Context, zone string) (int64, error) {
	if zone == "" {
		return 0, nil
	}
	var fee int64
	err := s.db.QueryRow(ctx, `SELECT fee FROM pricing_zones WHERE zone = $1`, zone).Scan(&fee)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return fee, err
}

// StaticRates serves rates from memory when no database is configured.
type StaticRates struct {
	Rates map[string]Rate
	Zones map[string]int64
}

func DefaultRates(currency string) StaticRates {
	return StaticRates{
		Rates: map[string]Rate{
			"standard": {VehicleType: "standard", BaseFare: 250, PerKm: 120, VehicleFee: 0, NightSurchargePct: 20, Currency: currency},
			"comfort":  {VehicleType: "comfort", BaseFare: 350, PerKm: 160, VehicleFee: 150, NightSurchargePct: 20, Currency: currency},
			"van":      {VehicleType: "van", BaseFare: 450, PerKm: 190, VehicleFee: 300, NightSurchargePct: 25, Currency: currency},
		},
		Zones: map[string]int64{"airport": 500, "station": 200},
	}
}

func (s StaticRates) Rate(_ context.Context, vehicleType string) (Rate, error) {
	r, ok := s.Rates[vehicleType]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnknownVehicleType, vehicleType)
	}
	return r, nil
}

func (s StaticRates) ZoneFee(_ context.Context, zone string) (int64, error) {
	return s.Zones[zone], nil
}
