// README: Live driver and customer presence: status, last known position and channel handle.
package presence

import (
	"errors"
	"time"

	"vtc/internal/types"
)

type DriverState string

const (
	StateOffline DriverState = "OFFLINE"
	StateOnline  DriverState = "ONLINE"
	StateBusy    DriverState = "BUSY"
)

var (
	ErrNotFound    = errors.New("presence not found")
	ErrStaleUpdate = errors.New("stale location update")
	ErrDriverBusy  = errors.New("driver has an active order")
	ErrConflict    = errors.New("presence state changed concurrently")
)

type DriverStatus struct {
	DriverID           types.ID    `json:"driver_id"`
	Status             DriverState `json:"status"`
	Position           types.Point `json:"position"`
	SpeedKmh           *float64    `json:"speed_kmh,omitempty"`
	HeadingDeg         *float64    `json:"heading_deg,omitempty"`
	AccuracyM          *float64    `json:"accuracy_m,omitempty"`
	LastLocationUpdate time.Time   `json:"last_location_update"`
	SessionStartedAt   *time.Time  `json:"session_started_at,omitempty"`
	CurrentOrderID     types.ID    `json:"current_order_id,omitempty"`
	VehicleType        string      `json:"vehicle_type,omitempty"`
	ChannelHandle      string      `json:"-"`
	TodayOrders        int64       `json:"today_orders"`
	TodayEarnings      int64       `json:"today_earnings"`
}

// HasLocation reports whether any location ping was ever stored.
func (d DriverStatus) HasLocation() bool {
	return !d.LastLocationUpdate.IsZero()
}

// FreshWithin reports whether the stored position is recent enough to be
// trusted at now.
func (d DriverStatus) FreshWithin(window time.Duration, now time.Time) bool {
	return d.HasLocation() && now.Sub(d.LastLocationUpdate) <= window
}

type CustomerStatus struct {
	CustomerID         types.ID    `json:"customer_id"`
	Position           types.Point `json:"position"`
	LastLocationUpdate time.Time   `json:"last_location_update"`
	CurrentOrderID     types.ID    `json:"current_order_id,omitempty"`
	ChannelHandle      string      `json:"-"`
}

// LocationUpdate is one ping; At is the device timestamp used for
// last-write-wins ordering.
type LocationUpdate struct {
	Position   types.Point
	SpeedKmh   *float64
	HeadingDeg *float64
	AccuracyM  *float64
	At         time.Time
}

// stateChange is the non-location part of DriverStatus written as a unit.
type stateChange struct {
	Status           DriverState
	SessionStartedAt *time.Time
	CurrentOrderID   types.ID
	VehicleType      string
	ChannelHandle    string
}

func (d DriverStatus) state() stateChange {
	return stateChange{
		Status:           d.Status,
		SessionStartedAt: d.SessionStartedAt,
		CurrentOrderID:   d.CurrentOrderID,
		VehicleType:      d.VehicleType,
		ChannelHandle:    d.ChannelHandle,
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
