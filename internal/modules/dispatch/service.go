// README: Dispatch service drives an order from submission through offers, acceptance and the trip.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"vtc/internal/config"
	"vtc/internal/maps"
	"vtc/internal/modules/broadcast"
	"vtc/internal/modules/eventstream"
	"vtc/internal/modules/geo"
	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/modules/presence"
	"vtc/internal/modules/pricing"
	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

// Deps are the collaborators of the state machine. Broadcast and Stream may
// be nil.
type Deps struct {
	Orders    order.Store
	Pool      PoolBuilder
	Presence  Presence
	Tracking  Tracking
	Pricing   Pricing
	Routes    maps.Estimator
	Broadcast broadcast.Publisher
	Stream    eventstream.Publisher
}

type Service struct {
	orders   order.Store
	pool     PoolBuilder
	presence Presence
	tracking Tracking
	pricing  Pricing
	routes   maps.Estimator
	bcast    broadcast.Publisher
	stream   eventstream.Publisher
	cfg      config.DispatchConfig
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(d Deps, cfg config.DispatchConfig, log logrus.FieldLogger) *Service {
	if cfg.OfferConcurrency <= 0 {
		cfg.OfferConcurrency = 1
	}
	routes := d.Routes
	if routes == nil {
		routes = maps.HaversineEstimator{}
	}
	return &Service{
		orders:   d.Orders,
		pool:     d.Pool,
		presence: d.Presence,
		tracking: d.Tracking,
		pricing:  d.Pricing,
		routes:   routes,
		bcast:    d.Broadcast,
		stream:   d.Stream,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a DRAFT order with its estimated fare and submits it for
// dispatch. When no driver can be pooled the cancelled order is returned
// together with pool.ErrNoDriversAvailable.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*order.Order, error) {
	if cmd.CustomerID == "" || cmd.VehicleType == "" {
		return nil, order.ErrBadRequest
	}
	if err := geo.Validate(cmd.Pickup); err != nil {
		return nil, err
	}
	if err := geo.Validate(cmd.Destination); err != nil {
		return nil, err
	}
	route, err := s.routes.Estimate(ctx, cmd.Pickup, cmd.Destination)
	if err != nil {
		return nil, fmt.Errorf("estimate route: %w", err)
	}
	now := s.now()
	quote, err := s.pricing.Quote(ctx, pricing.QuoteRequest{
		DistanceKm:  route.DistanceKm,
		VehicleType: cmd.VehicleType,
		Zone:        cmd.Zone,
		At:          now,
	})
	if errors.Is(err, pricing.ErrUnknownVehicleType) {
		return nil, fmt.Errorf("%w: %v", order.ErrBadRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("quote fare: %w", err)
	}

	o := &order.Order{
		ID:                  types.NewID(),
		CustomerID:          cmd.CustomerID,
		Status:              order.StatusDraft,
		Pickup:              cmd.Pickup,
		Destination:         cmd.Destination,
		VehicleType:         cmd.VehicleType,
		Zone:                cmd.Zone,
		EstimatedDistanceKm: route.DistanceKm,
		Pricing:             quote,
		EstimatedPrice:      quote.Total(),
		PaymentStatus:       order.PaymentUnpaid,
		IsNightFare:         s.pricing.IsNight(now),
		CreatedAt:           now,
	}
	err = s.inTx(ctx, "create_order", func(tx order.Tx, fx *effects) error {
		active, err := tx.HasActiveByCustomer(ctx, cmd.CustomerID)
		if err != nil {
			return err
		}
		if active {
			return order.ErrActiveOrder
		}
		if err := tx.Insert(ctx, o); err != nil {
			return err
		}
		e := newEvent(o, tracking.EventOrderCreated, types.Customer(cmd.CustomerID), now, map[string]any{
			"estimated_distance_km": route.DistanceKm,
			"estimated_price":       o.EstimatedPrice.Amount,
			"route_source":          route.Source,
		})
		e.Position = &o.Pickup
		if err := fx.record(ctx, tx, e); err != nil {
			return err
		}
		fx.then(func(ctx context.Context) error {
			return s.presence.BindCustomer(ctx, o.CustomerID, o.ID, cmd.ChannelHandle)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	orderLog(s.log, "create_order", o.ID).WithField("customer_id", o.CustomerID).Info("order created")
	return s.Submit(ctx, o.ID)
}

// Submit moves a DRAFT order to PENDING with a fresh pool and issues the
// first offers.
func (s *Service) Submit(ctx context.Context, id types.ID) (*order.Order, error) {
	draft, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.CanTransition(draft.Status, order.StatusPending) {
		return nil, order.ErrInvalidTransition
	}
	candidates, buildErr := s.pool.Build(ctx, pool.Request{
		OrderID:     draft.ID,
		Pickup:      draft.Pickup,
		VehicleType: draft.VehicleType,
	})
	if buildErr != nil && !errors.Is(buildErr, pool.ErrNoDriversAvailable) {
		return nil, s.abandon(ctx, id, buildErr)
	}

	var out *order.Order
	err = s.inTx(ctx, "submit_order", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != order.StatusDraft {
			return order.ErrInvalidTransition
		}
		now := s.now()
		if len(candidates) == 0 {
			if err := fx.record(ctx, tx, newEvent(o, tracking.EventPoolExhausted, types.System(), now, map[string]any{
				"round": 1,
				"pool":  0,
			})); err != nil {
				return err
			}
			if err := s.cancelLocked(ctx, tx, fx, o, types.System(), order.ReasonNoDriver, now); err != nil {
				return err
			}
			out = o
			return nil
		}

		o.Status = order.StatusPending
		o.DispatchRound = 1
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		if err := s.openRound(ctx, tx, fx, o, candidates, 0, now); err != nil {
			return err
		}
		fx.notifyStatus(o)
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Status == order.StatusCancelled {
		orderLog(s.log, "submit_order", id).Info("no driver available")
		return out, pool.ErrNoDriversAvailable
	}
	orderLog(s.log, "submit_order", id).WithField("pool", len(candidates)).Info("dispatch started")
	return out, nil
}

// Accept honors the first acceptance of a live offer. Every later or
// replayed acceptance gets order.ErrAlreadyAssigned.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*order.Order, error) {
	log := orderLog(s.log, "accept_offer", cmd.OrderID).WithField("driver_id", cmd.DriverID)
	var out *order.Order
	err := s.inTx(ctx, "accept_offer", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, o.ID)
		if err != nil {
			return err
		}
		entry := findDriver(entries, cmd.DriverID)
		if entry == nil {
			return order.ErrNotParticipant
		}
		if o.DriverID != nil {
			return order.ErrAlreadyAssigned
		}
		now := s.now()
		if o.Status != order.StatusPending || !live(entry, now) {
			return order.ErrOfferNotActive
		}
		busy, err := tx.HasActiveByDriver(ctx, cmd.DriverID, o.ID)
		if err != nil {
			return err
		}
		if busy {
			return order.ErrActiveOrder
		}

		won, err := tx.AssignDriver(ctx, o, cmd.DriverID, now)
		if err != nil {
			return err
		}
		if !won {
			return order.ErrAlreadyAssigned
		}
		entry.Respond(order.EntryAccepted, now, "")
		if ok, err := tx.UpdateEntry(ctx, entry, order.EntryPending); err != nil {
			return err
		} else if !ok {
			return order.ErrOfferNotActive
		}
		accepted := newEvent(o, tracking.EventDriverAccepted, types.Driver(cmd.DriverID), now, map[string]any{
			"entry_id":              entry.ID,
			"priority_order":        entry.Priority,
			"response_time_seconds": *entry.ResponseTimeSeconds,
		})
		if err := fx.record(ctx, tx, accepted); err != nil {
			return err
		}
		if err := s.cancelPending(ctx, tx, fx, o, entries, now); err != nil {
			return err
		}
		fx.then(func(ctx context.Context) error {
			return s.presence.MarkBusy(ctx, cmd.DriverID, o.ID)
		})
		fx.notifyStatus(o)
		out = o
		return nil
	})
	switch {
	case errors.Is(err, order.ErrAlreadyAssigned), errors.Is(err, order.ErrOfferNotActive):
		log.WithError(err).Info("late acceptance ignored")
		return nil, err
	case err != nil:
		return nil, err
	}
	log.Info("offer accepted")
	return out, nil
}

// Reject records a driver's refusal of a live offer and moves the offer
// window down the pool.
func (s *Service) Reject(ctx context.Context, cmd RejectCommand) (*order.Order, error) {
	var out *order.Order
	err := s.inTx(ctx, "reject_offer", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, o.ID)
		if err != nil {
			return err
		}
		entry := findDriver(entries, cmd.DriverID)
		if entry == nil {
			return order.ErrNotParticipant
		}
		now := s.now()
		if o.Status != order.StatusPending || !live(entry, now) {
			return order.ErrOfferNotActive
		}
		entry.Respond(order.EntryRejected, now, cmd.Reason)
		if ok, err := tx.UpdateEntry(ctx, entry, order.EntryPending); err != nil {
			return err
		} else if !ok {
			return order.ErrOfferNotActive
		}
		meta := map[string]any{"entry_id": entry.ID, "priority_order": entry.Priority}
		if cmd.Reason != "" {
			meta["reason"] = cmd.Reason
		}
		if err := fx.record(ctx, tx, newEvent(o, tracking.EventDriverRejected, types.Driver(cmd.DriverID), now, meta)); err != nil {
			return err
		}
		if err := s.advance(ctx, tx, fx, o, entries, now); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	orderLog(s.log, "reject_offer", cmd.OrderID).WithField("driver_id", cmd.DriverID).Info("offer rejected")
	return out, nil
}

// Arrive marks the assigned driver at the pickup point.
func (s *Service) Arrive(ctx context.Context, cmd TripCommand) (*order.Order, error) {
	return s.step(ctx, cmd, order.StatusDriverArrived, tracking.EventDriverArrived, func(o *order.Order, now time.Time) {
		o.ArrivedAt = &now
	})
}

// StartTrip begins the ride once the customer is on board.
func (s *Service) StartTrip(ctx context.Context, cmd TripCommand) (*order.Order, error) {
	return s.step(ctx, cmd, order.StatusInProgress, tracking.EventTripStarted, func(o *order.Order, now time.Time) {
		o.StartedAt = &now
	})
}

func (s *Service) step(ctx context.Context, cmd TripCommand, to order.Status, et tracking.EventType, stamp func(*order.Order, time.Time)) (*order.Order, error) {
	var out *order.Order
	err := s.inTx(ctx, "trip_step", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if !o.HasDriver(cmd.DriverID) {
			return order.ErrNotParticipant
		}
		if !order.CanTransition(o.Status, to) {
			return order.ErrInvalidTransition
		}
		now := s.now()
		from := o.Status
		o.Status = to
		stamp(o, now)
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		e := newEvent(o, et, types.Driver(cmd.DriverID), now, map[string]any{"from": from})
		e.Position = cmd.Position
		if err := fx.record(ctx, tx, e); err != nil {
			return err
		}
		fx.notifyStatus(o)
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	orderLog(s.log, "trip_step", cmd.OrderID).WithField("status", to).Info("order advanced")
	return out, nil
}

// Complete finalizes the fare from the recorded trip and frees the driver.
func (s *Service) Complete(ctx context.Context, cmd TripCommand) (*order.Order, error) {
	cur, err := s.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !cur.HasDriver(cmd.DriverID) {
		return nil, order.ErrNotParticipant
	}
	if !order.CanTransition(cur.Status, order.StatusCompleted) {
		return nil, order.ErrInvalidTransition
	}

	distance, measured, err := s.tracking.DistanceKm(ctx, cur.ID, string(order.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("trip distance: %w", err)
	}
	if !measured {
		distance = cur.EstimatedDistanceKm
	}
	var waiting float64
	if cur.ArrivedAt != nil && cur.StartedAt != nil && cur.StartedAt.After(*cur.ArrivedAt) {
		waiting = cur.StartedAt.Sub(*cur.ArrivedAt).Minutes()
	}
	final, err := s.pricing.Quote(ctx, pricing.QuoteRequest{
		DistanceKm:     distance,
		VehicleType:    cur.VehicleType,
		Zone:           cur.Zone,
		At:             cur.CreatedAt,
		WaitingMinutes: waiting,
	})
	if err != nil {
		return nil, fmt.Errorf("final fare: %w", err)
	}

	var out *order.Order
	err = s.inTx(ctx, "complete_trip", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if o.StatusVersion != cur.StatusVersion {
			return order.ErrConflict
		}
		now := s.now()
		price := final.Total()
		km := math.Round(distance*1000) / 1000
		o.Status = order.StatusCompleted
		o.CompletedAt = &now
		o.ActualDistanceKm = &km
		o.WaitingMinutes = waiting
		o.Pricing = final
		o.FinalPrice = &price
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		e := newEvent(o, tracking.EventTripCompleted, types.Driver(cmd.DriverID), now, map[string]any{
			"actual_distance_km": km,
			"measured":           measured,
			"waiting_minutes":    waiting,
			"final_price":        price.Amount,
		})
		e.Position = cmd.Position
		if err := fx.record(ctx, tx, e); err != nil {
			return err
		}
		s.releaseParties(fx, o)
		fx.then(func(ctx context.Context) error {
			return s.presence.RecordTrip(ctx, cmd.DriverID, price.Amount)
		})
		fx.notifyStatus(o)
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	orderLog(s.log, "complete_trip", cmd.OrderID).WithField("final_price", out.FinalPrice.Amount).Info("trip completed")
	return out, nil
}

// Cancel ends a non-terminal order. Customers and the assigned driver must
// give a reason; still-pending offers are cancelled in the same
// transaction.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*order.Order, error) {
	if cmd.Reason == "" {
		if !cmd.Actor.IsSystem() {
			return nil, fmt.Errorf("%w: cancellation reason required", order.ErrBadRequest)
		}
		cmd.Reason = "cancelled by system"
	}
	var out *order.Order
	err := s.inTx(ctx, "cancel_order", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		switch {
		case cmd.Actor.IsSystem():
		case cmd.Actor.IsCustomer() && o.CustomerID == cmd.Actor.ID:
		case cmd.Actor.IsDriver() && o.HasDriver(cmd.Actor.ID):
		default:
			return order.ErrNotParticipant
		}
		if !order.CanTransition(o.Status, order.StatusCancelled) {
			return order.ErrInvalidTransition
		}
		if err := s.cancelLocked(ctx, tx, fx, o, cmd.Actor, cmd.Reason, s.now()); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	orderLog(s.log, "cancel_order", cmd.OrderID).WithField("actor", cmd.Actor.String()).Info("order cancelled")
	return out, nil
}

// RecordPayment stores a payment status reported by the payment subsystem.
// It never moves Order.status.
func (s *Service) RecordPayment(ctx context.Context, cmd PaymentCommand) (*order.Order, error) {
	if !cmd.Actor.IsSystem() {
		return nil, order.ErrNotParticipant
	}
	if !cmd.Status.Valid() {
		return nil, fmt.Errorf("%w: payment status %q", order.ErrBadRequest, cmd.Status)
	}
	var out *order.Order
	err := s.inTx(ctx, "record_payment", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		now := s.now()
		prev := o.PaymentStatus
		o.PaymentStatus = cmd.Status
		if cmd.Status == order.PaymentPaid && o.PaidAt == nil {
			o.PaidAt = &now
		}
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		e := newEvent(o, tracking.EventPaymentUpdated, types.System(), now, map[string]any{
			"from": prev,
			"to":   cmd.Status,
		})
		e.Notes = cmd.Notes
		if err := fx.record(ctx, tx, e); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReportLocation stores a driver ping. While the driver has an active order
// the ping is also appended to the trip and relayed to the customer.
func (s *Service) ReportLocation(ctx context.Context, driverID types.ID, upd presence.LocationUpdate) (bool, error) {
	if upd.At.IsZero() {
		upd.At = s.now()
	}
	applied, err := s.presence.UpdateLocation(ctx, driverID, upd)
	if err != nil || !applied {
		return applied, err
	}
	o, err := s.orders.ActiveByDriver(ctx, driverID)
	if errors.Is(err, order.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("active order lookup: %w", err)
	}
	smp, err := s.tracking.RecordSample(ctx, tracking.SampleInput{
		OrderID:     o.ID,
		DriverID:    driverID,
		Position:    upd.Position,
		SpeedKmh:    upd.SpeedKmh,
		HeadingDeg:  upd.HeadingDeg,
		AccuracyM:   upd.AccuracyM,
		OrderStatus: string(o.Status),
		RecordedAt:  upd.At,
	})
	if errors.Is(err, tracking.ErrStaleSample) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("record trip sample: %w", err)
	}
	if s.bcast != nil {
		err := s.bcast.Publish(ctx, broadcast.CustomerGroup(o.CustomerID), broadcast.EventDriverLocation, LocationPayload{
			OrderID:    o.ID,
			DriverID:   driverID,
			Position:   smp.Position,
			SpeedKmh:   smp.SpeedKmh,
			HeadingDeg: smp.HeadingDeg,
			RecordedAt: smp.RecordedAt,
		})
		if err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Debug("location relay failed")
		}
	}
	return true, nil
}

// abandon cancels a DRAFT whose pool could not be built so the customer is
// not left holding an active order. The build error is always returned.
func (s *Service) abandon(ctx context.Context, id types.ID, cause error) error {
	cause = fmt.Errorf("build pool: %w", cause)
	err := s.inTx(ctx, "abandon_order", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != order.StatusDraft {
			return nil
		}
		return s.cancelLocked(ctx, tx, fx, o, types.System(), order.ReasonDispatchFailed, s.now())
	})
	if err != nil {
		orderLog(s.log, "abandon_order", id).WithError(err).Error("draft cancel failed")
		return errors.Join(cause, err)
	}
	orderLog(s.log, "abandon_order", id).WithError(cause).Warn("order cancelled, pool build failed")
	return cause
}

// cancelLocked cancels o and every pending offer inside tx.
func (s *Service) cancelLocked(ctx context.Context, tx order.Tx, fx *effects, o *order.Order, by types.Actor, reason string, now time.Time) error {
	entries, err := tx.Entries(ctx, o.ID)
	if err != nil {
		return err
	}
	if err := s.cancelPending(ctx, tx, fx, o, entries, now); err != nil {
		return err
	}
	actor := by
	o.Status = order.StatusCancelled
	o.CancellationReason = &reason
	o.CancelledBy = &actor
	o.CancelledAt = &now
	o.RetryAt = nil
	if err := tx.Update(ctx, o); err != nil {
		return err
	}
	if err := fx.record(ctx, tx, newEvent(o, tracking.EventOrderCancelled, by, now, map[string]any{"reason": reason})); err != nil {
		return err
	}
	s.releaseParties(fx, o)
	fx.notifyStatus(o)
	return nil
}

// cancelPending flips every PENDING entry (offered or queued) to CANCELLED
// and revokes live offers.
func (s *Service) cancelPending(ctx context.Context, tx order.Tx, fx *effects, o *order.Order, entries []order.PoolEntry, now time.Time) error {
	var revoked []types.ID
	for i := range entries {
		e := &entries[i]
		if e.Status != order.EntryPending {
			continue
		}
		offered := e.Offered()
		e.Status = order.EntryCancelled
		ok, err := tx.UpdateEntry(ctx, e, order.EntryPending)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		revoked = append(revoked, e.DriverID)
		if offered {
			fx.push(broadcast.DriverGroup(e.DriverID), broadcast.EventOfferRevoked, RevokePayload{
				OrderID: o.ID,
				EntryID: e.ID,
				Status:  e.Status,
			})
		}
	}
	if len(revoked) == 0 {
		return nil
	}
	return fx.record(ctx, tx, newEvent(o, tracking.EventOffersCancelled, types.System(), now, map[string]any{
		"count":   len(revoked),
		"drivers": revoked,
	}))
}

func (s *Service) releaseParties(fx *effects, o *order.Order) {
	if o.DriverID != nil {
		driverID, orderID := *o.DriverID, o.ID
		fx.then(func(ctx context.Context) error {
			return s.presence.MarkAvailable(ctx, driverID, orderID)
		})
	}
	customerID := o.CustomerID
	fx.then(func(ctx context.Context) error {
		return s.presence.ReleaseCustomer(ctx, customerID)
	})
}

// live reports whether e holds an offer that has not passed its deadline.
// A response after timeout_at loses to the sweep even if it has not run yet.
func live(e *order.PoolEntry, now time.Time) bool {
	return e.Offered() && !now.After(*e.TimeoutAt)
}

func findDriver(entries []order.PoolEntry, driverID types.ID) *order.PoolEntry {
	for i := range entries {
		if entries[i].DriverID == driverID {
			return &entries[i]
		}
	}
	return nil
}
