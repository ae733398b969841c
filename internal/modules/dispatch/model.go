// README: Dispatch commands, collaborator contracts and the payloads pushed to sessions.
package dispatch

import (
	"context"
	"time"

	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/modules/presence"
	"vtc/internal/modules/pricing"
	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

type PoolBuilder interface {
	Build(ctx context.Context, req pool.Request) ([]pool.Candidate, error)
}

// Presence is the slice of the presence tracker the state machine drives.
type Presence interface {
	MarkBusy(ctx context.Context, id, orderID types.ID) error
	MarkAvailable(ctx context.Context, id, orderID types.ID) error
	UpdateLocation(ctx context.Context, id types.ID, upd presence.LocationUpdate) (bool, error)
	RecordTrip(ctx context.Context, id types.ID, earnings int64) error
	BindCustomer(ctx context.Context, id, orderID types.ID, handle string) error
	ReleaseCustomer(ctx context.Context, id types.ID) error
}

type Tracking interface {
	RecordSample(ctx context.Context, in tracking.SampleInput) (*tracking.Sample, error)
	Events(ctx context.Context, orderID types.ID, since time.Time) ([]tracking.Event, error)
	Trip(ctx context.Context, orderID types.ID) ([]tracking.Sample, error)
	DistanceKm(ctx context.Context, orderID types.ID, status string) (float64, bool, error)
}

type Pricing interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Breakdown, error)
	IsNight(t time.Time) bool
}

type CreateCommand struct {
	CustomerID  types.ID
	Pickup      types.Point
	Destination types.Point
	VehicleType string
	Zone        string
	// ChannelHandle is the customer's push token, if any.
	ChannelHandle string
}

type AcceptCommand struct {
	OrderID  types.ID
	DriverID types.ID
}

type RejectCommand struct {
	OrderID  types.ID
	DriverID types.ID
	Reason   string
}

// TripCommand drives the ACCEPTED to COMPLETED steps. Position is the
// driver's reported location at the time of the step, when known.
type TripCommand struct {
	OrderID  types.ID
	DriverID types.ID
	Position *types.Point
}

type CancelCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Reason  string
}

type PaymentCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Status  order.PaymentStatus
	Notes   string
}

// OfferPayload is pushed to a driver when an offer goes live.
type OfferPayload struct {
	OrderID        types.ID    `json:"order_id"`
	EntryID        types.ID    `json:"entry_id"`
	Priority       int         `json:"priority_order"`
	DistanceKm     float64     `json:"distance_km"`
	Pickup         types.Point `json:"pickup"`
	Destination    types.Point `json:"destination"`
	VehicleType    string      `json:"vehicle_type"`
	EstimatedPrice types.Money `json:"estimated_price"`
	TimeoutAt      time.Time   `json:"timeout_at"`
}

type RevokePayload struct {
	OrderID types.ID          `json:"order_id"`
	EntryID types.ID          `json:"entry_id"`
	Status  order.EntryStatus `json:"request_status"`
}

type StatusPayload struct {
	OrderID  types.ID     `json:"order_id"`
	Status   order.Status `json:"status"`
	DriverID *types.ID    `json:"driver_id,omitempty"`
	Reason   *string      `json:"cancellation_reason,omitempty"`
}

type LocationPayload struct {
	OrderID    types.ID    `json:"order_id"`
	DriverID   types.ID    `json:"driver_id"`
	Position   types.Point `json:"position"`
	SpeedKmh   float64     `json:"speed_kmh"`
	HeadingDeg float64     `json:"heading_deg"`
	RecordedAt time.Time   `json:"recorded_at"`
}
