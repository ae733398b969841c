// README: Side effects staged inside an order transaction and released after commit.
package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"vtc/internal/modules/broadcast"
	"vtc/internal/modules/order"
	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

type push struct {
	group     string
	eventType string
	payload   any
}

// effects collects what a transaction wants done once it has committed.
// Nothing here runs when the transaction rolls back.
type effects struct {
	events []*tracking.Event
	pushes []push
	after  []func(ctx context.Context) error
}

func (fx *effects) record(ctx context.Context, tx order.Tx, e *tracking.Event) error {
	if err := tx.AppendEvent(ctx, e); err != nil {
		return err
	}
	fx.events = append(fx.events, e)
	return nil
}

func (fx *effects) push(group, eventType string, payload any) {
	fx.pushes = append(fx.pushes, push{group: group, eventType: eventType, payload: payload})
}

func (fx *effects) then(fn func(ctx context.Context) error) {
	fx.after = append(fx.after, fn)
}

// notifyStatus pushes the order's status to its customer and, once
// assigned, to its driver.
func (fx *effects) notifyStatus(o *order.Order) {
	p := StatusPayload{OrderID: o.ID, Status: o.Status, DriverID: o.DriverID, Reason: o.CancellationReason}
	fx.push(broadcast.CustomerGroup(o.CustomerID), broadcast.EventOrderStatus, p)
	if o.DriverID != nil {
		fx.push(broadcast.DriverGroup(*o.DriverID), broadcast.EventOrderStatus, p)
	}
}

// inTx runs fn in one order transaction and releases its effects after
// commit. Effect failures are logged; the committed state stands.
func (s *Service) inTx(ctx context.Context, action string, fn func(tx order.Tx, fx *effects) error) error {
	var fx *effects
	err := s.orders.InTx(ctx, func(tx order.Tx) error {
		fx = &effects{}
		return fn(tx, fx)
	})
	if err != nil {
		return err
	}
	s.release(ctx, action, fx)
	return nil
}

func (s *Service) release(ctx context.Context, action string, fx *effects) {
	log := s.log.WithField("action", action)
	if s.stream != nil && len(fx.events) > 0 {
		committed := make([]tracking.Event, len(fx.events))
		for i, e := range fx.events {
			committed[i] = *e
		}
		if err := s.stream.Publish(ctx, committed); err != nil {
			log.WithError(err).Warn("audit stream publish failed")
		}
	}
	for _, fn := range fx.after {
		if err := fn(ctx); err != nil {
			log.WithError(err).Warn("post-commit step failed")
		}
	}
	if s.bcast == nil {
		return
	}
	for _, p := range fx.pushes {
		if err := s.bcast.Publish(ctx, p.group, p.eventType, p.payload); err != nil {
			log.WithError(err).WithField("group", p.group).Debug("broadcast failed")
		}
	}
}

func newEvent(o *order.Order, t tracking.EventType, actor types.Actor, at time.Time, meta map[string]any) *tracking.Event {
	return &tracking.Event{
		OrderID:   o.ID,
		Type:      t,
		Actor:     actor,
		Metadata:  meta,
		CreatedAt: at,
	}
}

func orderLog(log logrus.FieldLogger, action string, id types.ID) logrus.FieldLogger {
	return log.WithFields(logrus.Fields{"action": action, "order_id": id})
}
