// README: Pool candidates: ranked drivers offered an order.
package pool

import (
	"errors"
	"time"

	"vtc/internal/types"
)

var ErrNoDriversAvailable = errors.New("no drivers available")

type Candidate struct {
	DriverID           types.ID
	DistanceKm         float64
	Priority           int
	LastLocationUpdate time.Time
}

type Request struct {
	OrderID     types.ID
	Pickup      types.Point
	VehicleType string
	// Exclude lists drivers already tried for this order.
	Exclude map[types.ID]bool
}
