// README: Presence service: driver online/offline/busy transitions, last-write-wins location pings, customer presence.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"vtc/internal/modules/broadcast"
	"vtc/internal/modules/geo"
	"vtc/internal/types"
)

const casRetries = 3

type Publisher interface {
	Publish(ctx context.Context, groupKey, eventType string, payload any) error
}

type Service struct {
	store Store
	pub   Publisher
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(store Store, pub Publisher, log logrus.FieldLogger) *Service {
	return &Service{store: store, pub: pub, log: log, now: time.Now}
}

// WithClock swaps the time source; used by callers that replay pings.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Now() time.Time { return s.now() }

func (s *Service) SetOnline(ctx context.Context, id types.ID, vehicleType, handle string) (*DriverStatus, error) {
	return s.transition(ctx, "set_online", id, func(cur DriverStatus) (stateChange, bool, error) {
		next := cur.state()
		if vehicleType != "" {
			next.VehicleType = vehicleType
		}
		if handle != "" {
			next.ChannelHandle = handle
		}
		if cur.Status == StateOffline {
			started := s.now()
			next.Status = StateOnline
			next.SessionStartedAt = &started
			next.CurrentOrderID = ""
			return next, true, nil
		}
		changed := next.VehicleType != cur.VehicleType || next.ChannelHandle != cur.ChannelHandle
		return next, changed, nil
	})
}

func (s *Service) SetOffline(ctx context.Context, id types.ID) (*DriverStatus, error) {
	return s.transition(ctx, "set_offline", id, func(cur DriverStatus) (stateChange, bool, error) {
		switch cur.Status {
		case StateBusy:
			return stateChange{}, false, ErrDriverBusy
		case StateOffline:
			return cur.state(), false, nil
		}
		next := cur.state()
		next.Status = StateOffline
		next.SessionStartedAt = nil
		next.CurrentOrderID = ""
		return next, true, nil
	})
}

// MarkBusy flips the driver to BUSY for orderID after a committed acceptance.
func (s *Service) MarkBusy(ctx context.Context, id, orderID types.ID) error {
	_, err := s.transition(ctx, "mark_busy", id, func(cur DriverStatus) (stateChange, bool, error) {
		if cur.Status == StateBusy && cur.CurrentOrderID == orderID {
			return cur.state(), false, nil
		}
		if cur.Status == StateBusy {
			s.log.WithFields(logrus.Fields{
				"action":    "mark_busy",
				"driver_id": id,
				"order_id":  orderID,
				"previous":  cur.CurrentOrderID,
			}).Warn("driver already busy with another order")
		}
		next := cur.state()
		next.Status = StateBusy
		next.CurrentOrderID = orderID
		if next.SessionStartedAt == nil {
			started := s.now()
			next.SessionStartedAt = &started
		}
		return next, true, nil
	})
	return err
}

// MarkAvailable frees a BUSY driver. A non-empty orderID must match the
// order the driver is busy with, so a stale release cannot free a driver
// who already moved on.
func (s *Service) MarkAvailable(ctx context.Context, id, orderID types.ID) error {
	_, err := s.transition(ctx, "mark_available", id, func(cur DriverStatus) (stateChange, bool, error) {
		if cur.Status != StateBusy || (orderID != "" && cur.CurrentOrderID != orderID) {
			return cur.state(), false, nil
		}
		next := cur.state()
		next.Status = StateOnline
		next.CurrentOrderID = ""
		return next, true, nil
	})
	return err
}

// UpdateLocation stores a ping. Pings no newer than the stored one are
// dropped and reported as applied=false with a nil error.
func (s *Service) UpdateLocation(ctx context.Context, id types.ID, upd LocationUpdate) (bool, error) {
	if err := geo.Validate(upd.Position); err != nil {
		return false, err
	}
	if upd.At.IsZero() {
		upd.At = s.now()
	}
	err := s.store.UpdateDriverLocation(ctx, id, upd)
	if errors.Is(err, ErrStaleUpdate) {
		s.log.WithFields(logrus.Fields{
			"action":    "update_location",
			"driver_id": id,
			"at":        upd.At,
		}).Debug("stale location update dropped")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update driver location: %w", err)
	}
	return true, nil
}

func (s *Service) Driver(ctx context.Context, id types.ID) (*DriverStatus, error) {
	return s.store.GetDriver(ctx, id, dayKey(s.now()))
}

// Candidates lists ONLINE drivers indexed within radiusKm of center.
// Freshness and eligibility filtering is left to the caller.
func (s *Service) Candidates(ctx context.Context, center types.Point, radiusKm float64) ([]DriverStatus, error) {
	return s.store.NearbyDrivers(ctx, center, radiusKm, dayKey(s.now()))
}

// RecordTrip bumps the driver's per-day counters after a completed order.
func (s *Service) RecordTrip(ctx context.Context, id types.ID, earnings int64) error {
	return s.store.IncrDaily(ctx, id, dayKey(s.now()), 1, earnings)
}

func (s *Service) Customer(ctx context.Context, id types.ID) (*CustomerStatus, error) {
	return s.store.GetCustomer(ctx, id)
}

func (s *Service) BindCustomer(ctx context.Context, id, orderID types.ID, handle string) error {
	return s.store.SetCustomerOrder(ctx, id, orderID, handle)
}

func (s *Service) ReleaseCustomer(ctx context.Context, id types.ID) error {
	return s.store.SetCustomerOrder(ctx, id, "", "")
}

func (s *Service) UpdateCustomerLocation(ctx context.Context, id types.ID, upd LocationUpdate) (bool, error) {
	if err := geo.Validate(upd.Position); err != nil {
		return false, err
	}
	if upd.At.IsZero() {
		upd.At = s.now()
	}
	err := s.store.UpdateCustomerLocation(ctx, id, upd)
	if errors.Is(err, ErrStaleUpdate) {
		s.log.WithFields(logrus.Fields{
			"action":      "update_customer_location",
			"customer_id": id,
			"at":          upd.At,
		}).Debug("stale location update dropped")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update customer location: %w", err)
	}
	return true, nil
}

// DeviceToken resolves the push handle registered for a group key.
func (s *Service) DeviceToken(ctx context.Context, groupKey string) (string, error) {
	actor, ok := broadcast.ParseGroup(groupKey)
	if !ok {
		return "", ErrNotFound
	}
	switch actor.Kind {
	case types.ActorDriver:
		d, err := s.Driver(ctx, actor.ID)
		if err != nil {
			return "", err
		}
		return d.ChannelHandle, nil
	case types.ActorCustomer:
		c, err := s.Customer(ctx, actor.ID)
		if err != nil {
			return "", err
		}
		return c.ChannelHandle, nil
	}
	return "", ErrNotFound
}

func (s *Service) transition(ctx context.Context, action string, id types.ID, fn func(cur DriverStatus) (stateChange, bool, error)) (*DriverStatus, error) {
	day := dayKey(s.now())
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := s.store.GetDriver(ctx, id, day)
		if errors.Is(err, ErrNotFound) {
			cur, err = &DriverStatus{DriverID: id, Status: StateOffline}, nil
		}
		if err != nil {
			return nil, err
		}
		next, changed, err := fn(*cur)
		if err != nil {
			return nil, err
		}
		if !changed {
			return cur, nil
		}
		err = s.store.SetDriverState(ctx, id, cur.Status, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		cur.Status = next.Status
		cur.SessionStartedAt = next.SessionStartedAt
		cur.CurrentOrderID = next.CurrentOrderID
		cur.VehicleType = next.VehicleType
		cur.ChannelHandle = next.ChannelHandle
		s.log.WithFields(logrus.Fields{
			"action":    action,
			"driver_id": id,
			"status":    cur.Status,
		}).Info("driver presence changed")
		s.publish(ctx, cur)
		return cur, nil
	}
	return nil, ErrConflict
}

func (s *Service) publish(ctx context.Context, d *DriverStatus) {
	if s.pub == nil {
		return
	}
	err := s.pub.Publish(ctx, broadcast.DriverGroup(d.DriverID), broadcast.EventDriverStatus, map[string]any{
		"status":           d.Status,
		"current_order_id": d.CurrentOrderID,
	})
	if err != nil {
		s.log.WithError(err).WithField("driver_id", d.DriverID).Debug("presence broadcast failed")
	}
}
