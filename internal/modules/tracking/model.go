// README: Order lifecycle ledger rows and high-frequency trip GPS samples.
package tracking

import (
	"fmt"
	"time"

	"vtc/internal/types"
)

type EventType string

const (
	EventOrderCreated    EventType = "ORDER_CREATED"
	EventDispatchStarted EventType = "DISPATCH_STARTED"
	EventDriverOffered   EventType = "DRIVER_OFFERED"
	EventDriverAccepted  EventType = "DRIVER_ACCEPTED"
	EventDriverRejected  EventType = "DRIVER_REJECTED"
	EventOfferTimeout    EventType = "OFFER_TIMEOUT"
	EventOffersCancelled EventType = "OFFERS_CANCELLED"
	EventPoolExhausted   EventType = "POOL_EXHAUSTED"
	EventDispatchRetry   EventType = "DISPATCH_RETRY"
	EventDriverArrived   EventType = "DRIVER_ARRIVED"
	EventTripStarted     EventType = "TRIP_STARTED"
	EventTripCompleted   EventType = "TRIP_COMPLETED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventPaymentUpdated  EventType = "PAYMENT_UPDATED"
)

// Event is one append-only OrderTracking row.
type Event struct {
	ID        int64          `json:"id"`
	OrderID   types.ID       `json:"order_id"`
	Type      EventType      `json:"event_type"`
	Actor     types.Actor    `json:"actor"`
	Position  *types.Point   `json:"position,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Notes     string         `json:"notes,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Key identifies an event for consumer-side dedup of at-least-once delivery.
func (e Event) Key() string {
	return fmt.Sprintf("%s|%s|%d", e.OrderID, e.Type, e.CreatedAt.UnixNano())
}

// Dedup drops repeated events (same Key), keeping first occurrence order.
func Dedup(events []Event) []Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]Event, 0, len(events))
	for _, e := range events {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Sample is one TripTracking GPS row recorded during an active order.
type Sample struct {
	ID          int64       `json:"id"`
	OrderID     types.ID    `json:"order_id"`
	DriverID    types.ID    `json:"driver_id"`
	Position    types.Point `json:"position"`
	SpeedKmh    float64     `json:"speed_kmh"`
	HeadingDeg  float64     `json:"heading_deg"`
	AccuracyM   float64     `json:"accuracy_m"`
	OrderStatus string      `json:"order_status"`
	RecordedAt  time.Time   `json:"recorded_at"`
}
