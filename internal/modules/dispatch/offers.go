// README: Offer window, timeout sweep and re-pool retries.
package dispatch

import (
	"context"
	"errors"
	"time"

	"vtc/internal/modules/broadcast"
	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

// openRound inserts one entry per candidate, numbered after base, and
// offers the first OfferConcurrency of them. The rest wait queued.
func (s *Service) openRound(ctx context.Context, tx order.Tx, fx *effects, o *order.Order, candidates []pool.Candidate, base int, now time.Time) error {
	entries := make([]order.PoolEntry, len(candidates))
	drivers := make([]types.ID, len(candidates))
	for i, c := range candidates {
		entries[i] = order.PoolEntry{
			ID:         types.NewID(),
			OrderID:    o.ID,
			DriverID:   c.DriverID,
			Priority:   base + c.Priority,
			Round:      o.DispatchRound,
			DistanceKm: c.DistanceKm,
			Status:     order.EntryPending,
			CreatedAt:  now,
		}
		if i < s.cfg.OfferConcurrency {
			entries[i].Offer(now, s.cfg.MaxDriverWaitingTime)
		}
		drivers[i] = c.DriverID
	}
	if err := tx.InsertEntries(ctx, entries); err != nil {
		return err
	}
	if err := fx.record(ctx, tx, newEvent(o, tracking.EventDispatchStarted, types.System(), now, map[string]any{
		"round":   o.DispatchRound,
		"pool":    len(entries),
		"drivers": drivers,
	})); err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Offered() {
			if err := s.offered(ctx, tx, fx, o, &entries[i], now); err != nil {
				return err
			}
		}
	}
	return nil
}

// advance keeps the offer window full after an entry left it. With nothing
// live and nothing queued the pool is exhausted.
func (s *Service) advance(ctx context.Context, tx order.Tx, fx *effects, o *order.Order, entries []order.PoolEntry, now time.Time) error {
	live := 0
	for i := range entries {
		if entries[i].Offered() {
			live++
		}
	}
	for i := range entries {
		if live >= s.cfg.OfferConcurrency {
			break
		}
		e := &entries[i]
		if !e.Queued() {
			continue
		}
		e.Offer(now, s.cfg.MaxDriverWaitingTime)
		ok, err := tx.UpdateEntry(ctx, e, order.EntryPending)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.offered(ctx, tx, fx, o, e, now); err != nil {
			return err
		}
		live++
	}
	if live > 0 {
		return nil
	}
	return s.exhaust(ctx, tx, fx, o, len(entries), now)
}

func (s *Service) offered(ctx context.Context, tx order.Tx, fx *effects, o *order.Order, e *order.PoolEntry, now time.Time) error {
	if err := fx.record(ctx, tx, newEvent(o, tracking.EventDriverOffered, types.System(), now, map[string]any{
		"entry_id":       e.ID,
		"driver_id":      e.DriverID,
		"priority_order": e.Priority,
		"timeout_at":     *e.TimeoutAt,
	})); err != nil {
		return err
	}
	fx.push(broadcast.DriverGroup(e.DriverID), broadcast.EventDriverOffer, OfferPayload{
		OrderID:        o.ID,
		EntryID:        e.ID,
		Priority:       e.Priority,
		DistanceKm:     e.DistanceKm,
		Pickup:         o.Pickup,
		Destination:    o.Destination,
		VehicleType:    o.VehicleType,
		EstimatedPrice: o.EstimatedPrice,
		TimeoutAt:      *e.TimeoutAt,
	})
	return nil
}

// exhaust schedules another pool round while retries remain, otherwise
// cancels the order for lack of drivers.
func (s *Service) exhaust(ctx context.Context, tx order.Tx, fx *effects, o *order.Order, tried int, now time.Time) error {
	if err := fx.record(ctx, tx, newEvent(o, tracking.EventPoolExhausted, types.System(), now, map[string]any{
		"round": o.DispatchRound,
		"tried": tried,
	})); err != nil {
		return err
	}
	if o.DispatchRound > s.cfg.MaxRetries {
		return s.cancelLocked(ctx, tx, fx, o, types.System(), order.ReasonNoDriver, now)
	}
	retryAt := now.Add(s.cfg.RetryBackoff)
	o.RetryAt = &retryAt
	if err := tx.Update(ctx, o); err != nil {
		return err
	}
	return fx.record(ctx, tx, newEvent(o, tracking.EventDispatchRetry, types.System(), now, map[string]any{
		"next_round": o.DispatchRound + 1,
		"retry_at":   retryAt,
	}))
}

// SweepTimeouts expires offers past timeout_at and advances their orders.
// A failing entry is logged and skipped.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.orders.ExpiredOffers(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range expired {
		ok, err := s.expire(ctx, e, now)
		if err != nil {
			orderLog(s.log, "sweep_timeouts", e.OrderID).WithError(err).WithField("entry_id", e.ID).Warn("timeout sweep failed")
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// expire applies one timeout under the order lock. It reports false when an
// acceptance, rejection or cancel got there first.
func (s *Service) expire(ctx context.Context, stale order.PoolEntry, now time.Time) (bool, error) {
	expired := false
	err := s.inTx(ctx, "offer_timeout", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, stale.OrderID)
		if err != nil {
			return err
		}
		if o.Status != order.StatusPending {
			return nil
		}
		entries, err := tx.Entries(ctx, o.ID)
		if err != nil {
			return err
		}
		var e *order.PoolEntry
		for i := range entries {
			if entries[i].ID == stale.ID {
				e = &entries[i]
			}
		}
		if e == nil || !e.Offered() || !e.TimeoutAt.Before(now) {
			return nil
		}
		e.Status = order.EntryTimeout
		ok, err := tx.UpdateEntry(ctx, e, order.EntryPending)
		if err != nil || !ok {
			return err
		}
		if err := fx.record(ctx, tx, newEvent(o, tracking.EventOfferTimeout, types.System(), now, map[string]any{
			"entry_id":       e.ID,
			"driver_id":      e.DriverID,
			"priority_order": e.Priority,
		})); err != nil {
			return err
		}
		fx.push(broadcast.DriverGroup(e.DriverID), broadcast.EventOfferRevoked, RevokePayload{
			OrderID: o.ID,
			EntryID: e.ID,
			Status:  e.Status,
		})
		expired = true
		return s.advance(ctx, tx, fx, o, entries, now)
	})
	return expired, err
}

// SweepRetries rebuilds the pool of orders whose retry_at has passed.
func (s *Service) SweepRetries(ctx context.Context) (int, error) {
	ids, err := s.orders.DueRetries(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.retry(ctx, id); err != nil {
			orderLog(s.log, "sweep_retries", id).WithError(err).Warn("retry failed")
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) retry(ctx context.Context, id types.ID) error {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return err
	}
	tried, err := s.orders.Entries(ctx, id)
	if err != nil {
		return err
	}
	exclude := make(map[types.ID]bool, len(tried))
	for _, e := range tried {
		exclude[e.DriverID] = true
	}
	candidates, err := s.pool.Build(ctx, pool.Request{
		OrderID:     o.ID,
		Pickup:      o.Pickup,
		VehicleType: o.VehicleType,
		Exclude:     exclude,
	})
	if err != nil && !errors.Is(err, pool.ErrNoDriversAvailable) {
		return err
	}

	return s.inTx(ctx, "dispatch_retry", func(tx order.Tx, fx *effects) error {
		o, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if o.Status != order.StatusPending || o.RetryAt == nil || o.RetryAt.After(now) {
			return nil
		}
		entries, err := tx.Entries(ctx, id)
		if err != nil {
			return err
		}
		o.RetryAt = nil
		o.DispatchRound++
		if len(candidates) == 0 {
			return s.exhaust(ctx, tx, fx, o, 0, now)
		}
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		base := 0
		for _, e := range entries {
			if e.Priority > base {
				base = e.Priority
			}
		}
		return s.openRound(ctx, tx, fx, o, candidates, base, now)
	})
}

// RunTimeoutMonitor sweeps expired offers and due retries until ctx ends.
func (s *Service) RunTimeoutMonitor(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepTimeouts(ctx); err != nil {
				s.log.WithError(err).WithField("action", "sweep_timeouts").Error("sweep failed")
			}
			if _, err := s.SweepRetries(ctx); err != nil {
				s.log.WithError(err).WithField("action", "sweep_retries").Error("sweep failed")
			}
		}
	}
}
