// README: Pool builder: eligible, fresh, ONLINE drivers ranked by distance from pickup.
package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"vtc/internal/config"
	"vtc/internal/modules/geo"
	"vtc/internal/modules/presence"
	"vtc/internal/types"
)

// Directory lists drivers indexed near a point.
type Directory interface {
	Candidates(ctx context.Context, center types.Point, radiusKm float64) ([]presence.DriverStatus, error)
}

// Eligibility consults the user directory for active drivers with a
// matching vehicle.
type Eligibility interface {
	Eligible(ctx context.Context, ids []types.ID, vehicleType string) (map[types.ID]bool, error)
}

type Builder struct {
	dir  Directory
	elig Eligibility
	cfg  config.DispatchConfig
	log  logrus.FieldLogger
	now  func() time.Time
}

// NewBuilder wires the builder; elig may be nil when no user directory is
// configured, in which case presence vehicle type is the only eligibility
// check.
func NewBuilder(dir Directory, elig Eligibility, cfg config.DispatchConfig, log logrus.FieldLogger) *Builder {
	return &Builder{dir: dir, elig: elig, cfg: cfg, log: log, now: time.Now}
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Build(ctx context.Context, req Request) ([]Candidate, error) {
	if err := geo.Validate(req.Pickup); err != nil {
		return nil, err
	}
	found, err := b.dir.Candidates(ctx, req.Pickup, b.cfg.SearchRadiusKm)
	if err != nil {
		return nil, fmt.Errorf("list nearby drivers: %w", err)
	}

	now := b.now()
	filtered := found[:0:0]
	for _, d := range found {
		switch {
		case d.Status != presence.StateOnline:
		case !d.FreshWithin(b.cfg.LocationFreshness, now):
		case req.VehicleType != "" && d.VehicleType != req.VehicleType:
		case req.Exclude[d.DriverID]:
		default:
			filtered = append(filtered, d)
		}
	}

	if b.elig != nil && len(filtered) > 0 {
		ids := make([]types.ID, len(filtered))
		for i, d := range filtered {
			ids[i] = d.DriverID
		}
		ok, err := b.elig.Eligible(ctx, ids, req.VehicleType)
		if err != nil {
			return nil, fmt.Errorf("check driver eligibility: %w", err)
		}
		kept := filtered[:0]
		for _, d := range filtered {
			if ok[d.DriverID] {
				kept = append(kept, d)
			}
		}
		filtered = kept
	}

	ranked := Rank(req.Pickup, filtered, b.cfg.PoolSize)
	b.log.WithFields(logrus.Fields{
		"action":   "build_pool",
		"order_id": req.OrderID,
		"nearby":   len(found),
		"pool":     len(ranked),
	}).Debug("pool built")
	if len(ranked) == 0 {
		return nil, ErrNoDriversAvailable
	}
	return ranked, nil
}

// Rank sorts drivers by distance from pickup, ties going to the earliest
// location update, keeps the first n and numbers them from 1.
func Rank(pickup types.Point, drivers []presence.DriverStatus, n int) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		dist, err := geo.DistanceKm(pickup, d.Position)
		if err != nil {
			continue
		}
		out = append(out, Candidate{
			DriverID:           d.DriverID,
			DistanceKm:         dist,
			LastLocationUpdate: d.LastLocationUpdate,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].LastLocationUpdate.Before(out[j].LastLocationUpdate)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].Priority = i + 1
	}
	return out
}
