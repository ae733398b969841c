// README: Read access to orders, pool entries and the tracking ledger for polling clients.
package dispatch

import (
	"context"
	"time"

	"vtc/internal/modules/order"
	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

func (s *Service) Get(ctx context.Context, id types.ID, caller types.Actor) (*order.Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if partyOf(o, caller) {
		return o, nil
	}
	if caller.IsDriver() {
		entries, err := s.orders.Entries(ctx, id)
		if err != nil {
			return nil, err
		}
		if findDriver(entries, caller.ID) != nil {
			return o, nil
		}
	}
	return nil, order.ErrNotParticipant
}

// Entries lists the pool of an order. A pooled driver only sees its own
// entry.
func (s *Service) Entries(ctx context.Context, id types.ID, caller types.Actor) ([]order.PoolEntry, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.orders.Entries(ctx, id)
	if err != nil {
		return nil, err
	}
	if partyOf(o, caller) && !caller.IsDriver() {
		return entries, nil
	}
	if caller.IsDriver() {
		if e := findDriver(entries, caller.ID); e != nil {
			return []order.PoolEntry{*e}, nil
		}
	}
	return nil, order.ErrNotParticipant
}

// Events returns ledger rows created after since, oldest first.
func (s *Service) Events(ctx context.Context, id types.ID, since time.Time, caller types.Actor) ([]tracking.Event, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !partyOf(o, caller) {
		return nil, order.ErrNotParticipant
	}
	return s.tracking.Events(ctx, id, since)
}

func (s *Service) Trip(ctx context.Context, id types.ID, caller types.Actor) ([]tracking.Sample, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !partyOf(o, caller) {
		return nil, order.ErrNotParticipant
	}
	return s.tracking.Trip(ctx, id)
}

// Active returns the caller's in-flight order, or order.ErrNotFound.
func (s *Service) Active(ctx context.Context, caller types.Actor) (*order.Order, error) {
	switch caller.Kind {
	case types.ActorDriver:
		return s.orders.ActiveByDriver(ctx, caller.ID)
	case types.ActorCustomer:
		return s.orders.ActiveByCustomer(ctx, caller.ID)
	}
	return nil, order.ErrNotFound
}

// partyOf covers the system, the customer and the assigned driver.
func partyOf(o *order.Order, caller types.Actor) bool {
	switch {
	case caller.IsSystem():
		return true
	case caller.IsCustomer():
		return o.CustomerID == caller.ID
	case caller.IsDriver():
		return o.HasDriver(caller.ID)
	}
	return false
}
