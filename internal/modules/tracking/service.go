// README: Ledger service: catch-up reads, trip sample enrichment and actual trip distance.
package tracking

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"vtc/internal/modules/geo"
	"vtc/internal/types"
)

var ErrStaleSample = errors.New("trip sample older than last recorded")

type Ledger interface {
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, orderID types.ID, since time.Time) ([]Event, error)
	AppendSample(ctx context.Context, smp *Sample) error
	LastSample(ctx context.Context, orderID types.ID) (*Sample, error)
	Samples(ctx context.Context, orderID types.ID) ([]Sample, error)
}

type Service struct {
	store Ledger
	log   logrus.FieldLogger
}

func NewService(store Ledger, log logrus.FieldLogger) *Service {
	return &Service{store: store, log: log}
}

// SampleInput carries an accepted driver ping; optional readings are nil when
// the device did not report them.
type SampleInput struct {
	OrderID     types.ID
	DriverID    types.ID
	Position    types.Point
	SpeedKmh    *float64
	HeadingDeg  *float64
	AccuracyM   *float64
	OrderStatus string
	RecordedAt  time.Time
}

// RecordSample appends a TripTracking row, deriving speed and heading from the
// previous sample when the device omitted them.
func (s *Service) RecordSample(ctx context.Context, in SampleInput) (*Sample, error) {
	if err := geo.Validate(in.Position); err != nil {
		return nil, err
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = time.Now()
	}
	prev, err := s.store.LastSample(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if prev != nil && !in.RecordedAt.After(prev.RecordedAt) {
		s.log.WithFields(logrus.Fields{
			"action":      "record_sample",
			"order_id":    in.OrderID,
			"recorded_at": in.RecordedAt,
			"last":        prev.RecordedAt,
		}).Debug("out-of-order trip sample dropped")
		return nil, ErrStaleSample
	}

	smp := &Sample{
		OrderID:     in.OrderID,
		DriverID:    in.DriverID,
		Position:    in.Position,
		OrderStatus: in.OrderStatus,
		RecordedAt:  in.RecordedAt,
	}
	if in.AccuracyM != nil {
		smp.AccuracyM = *in.AccuracyM
	}
	switch {
	case in.SpeedKmh != nil:
		smp.SpeedKmh = *in.SpeedKmh
	case prev != nil:
		smp.SpeedKmh, _ = geo.SpeedKmh(prev.Position, in.Position, in.RecordedAt.Sub(prev.RecordedAt))
	}
	switch {
	case in.HeadingDeg != nil:
		smp.HeadingDeg = math.Mod(*in.HeadingDeg+360, 360)
	case prev != nil && prev.Position != in.Position:
		smp.HeadingDeg, _ = geo.BearingDeg(prev.Position, in.Position)
	case prev != nil:
		smp.HeadingDeg = prev.HeadingDeg
	}

	if err := s.store.AppendSample(ctx, smp); err != nil {
		return nil, err
	}
	return smp, nil
}

func (s *Service) Events(ctx context.Context, orderID types.ID, since time.Time) ([]Event, error) {
	return s.store.Events(ctx, orderID, since)
}

func (s *Service) Trip(ctx context.Context, orderID types.ID) ([]Sample, error) {
	return s.store.Samples(ctx, orderID)
}

// DistanceKm sums the haversine segments of the samples recorded while the
// order was in status. Approach pings taken before the trip started are not
// part of the path. ok is false when fewer than two samples match.
func (s *Service) DistanceKm(ctx context.Context, orderID types.ID, status string) (km float64, ok bool, err error) {
	samples, err := s.store.Samples(ctx, orderID)
	if err != nil {
		return 0, false, err
	}
	path := make([]types.Point, 0, len(samples))
	for _, smp := range samples {
		if smp.OrderStatus != status {
			continue
		}
		path = append(path, smp.Position)
	}
	if len(path) < 2 {
		return 0, false, nil
	}
	km, err = geo.PathKm(path)
	if err != nil {
		return 0, false, err
	}
	return km, true, nil
}
