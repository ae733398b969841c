// README: Pricing rate definition per vehicle type and the fare breakdown stored on orders.
package pricing

import (
	"errors"
	"time"

	"vtc/internal/types"
)

var ErrUnknownVehicleType = errors.New("unknown vehicle type")

type Rate struct {
	VehicleType       string
	BaseFare          int64
	PerKm             int64
	VehicleFee        int64
	NightSurchargePct int64
	Currency          string
}

// Breakdown is in minor currency units.
type Breakdown struct {
	Currency string `json:"currency"`
	Base     int64  `json:"base"`
	Distance int64  `json:"distance"`
	Vehicle  int64  `json:"vehicle"`
	Zone     int64  `json:"zone"`
	Waiting  int64  `json:"waiting"`
	Night    int64  `json:"night"`
}

func (b Breakdown) Total() types.Money {
	return types.Money{
		Amount:   b.Base + b.Distance + b.Vehicle + b.Zone + b.Waiting + b.Night,
		Currency: b.Currency,
	}
}

type QuoteRequest struct {
	DistanceKm     float64
	VehicleType    string
	Zone           string
	At             time.Time
	WaitingMinutes float64
}
