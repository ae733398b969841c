// README: Pricing service computes fare estimates and final fares.
package pricing

import (
	"context"
	"math"
	"time"

	"vtc/internal/config"
)

type RateSource interface {
	Rate(ctx context.Context, vehicleType string) (Rate, error)
	ZoneFee(ctx context.Context, zone string) (int64, error)
}

type Service struct {
	rates RateSource
	cfg   config.PricingConfig
}

func NewService(rates RateSource, cfg config.PricingConfig) *Service {
	return &Service{rates: rates, cfg: cfg}
}

// IsNight reports whether t falls in the configured night-fare window,
// which may wrap past midnight.
func (s *Service) IsNight(t time.Time) bool {
	start, end := s.cfg.NightStartHour, s.cfg.NightEndHour
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// Quote prices a trip. Used at submission with the estimated distance and
// at completion with the actual distance and waiting time.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Breakdown, error) {
	rate, err := s.rates.Rate(ctx, req.VehicleType)
	if err != nil {
		return Breakdown{}, err
	}
	zone, err := s.rates.ZoneFee(ctx, req.Zone)
	if err != nil {
		return Breakdown{}, err
	}
	currency := rate.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	b := Breakdown{
		Currency: currency,
		Base:     rate.BaseFare,
		Distance: int64(math.Round(math.Max(req.DistanceKm, 0) * float64(rate.PerKm))),
		Vehicle:  rate.VehicleFee,
		Zone:     zone,
	}
	if req.WaitingMinutes > 0 {
		b.Waiting = int64(math.Floor(req.WaitingMinutes)) * s.cfg.PricePerWaitingMinute
	}
	if s.IsNight(req.At) {
		b.Night = (b.Base + b.Distance) * rate.NightSurchargePct / 100
	}
	return b, nil
}
