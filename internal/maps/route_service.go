// README: Driving-distance estimates for order quotes (Google Maps, haversine fallback).
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"googlemaps.github.io/maps"

	"vtc/internal/modules/geo"
	"vtc/internal/types"
)

// Route is a pickup-to-destination estimate.
type Route struct {
	DistanceKm float64
	Duration   time.Duration
	// Source is "google" or "haversine".
	Source string
}

type Estimator interface {
	Estimate(ctx context.Context, from, to types.Point) (Route, error)
}

// averageCitySpeedKmh converts straight-line distance into a rough duration.
const averageCitySpeedKmh = 30.0

// HaversineEstimator needs no network access.
type HaversineEstimator struct{}

func (HaversineEstimator) Estimate(_ context.Context, from, to types.Point) (Route, error) {
	km, err := geo.DistanceKm(from, to)
	if err != nil {
		return Route{}, err
	}
	return Route{
		DistanceKm: km,
		Duration:   time.Duration(km / averageCitySpeedKmh * float64(time.Hour)),
		Source:     "haversine",
	}, nil
}

type distanceMatrixAPI interface {
	DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error)
}

// RouteService queries the Distance Matrix API and falls back to haversine
// when the API fails or finds no route.
type RouteService struct {
	client   distanceMatrixAPI
	fallback HaversineEstimator
	log      logrus.FieldLogger
}

func NewRouteService(apiKey string, log logrus.FieldLogger) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, log: log}, nil
}

var errNoRoute = errors.New("no route found")

func (s *RouteService) Estimate(ctx context.Context, from, to types.Point) (Route, error) {
	if err := geo.Validate(from); err != nil {
		return Route{}, err
	}
	if err := geo.Validate(to); err != nil {
		return Route{}, err
	}
	route, err := s.driving(ctx, from, to)
	if err != nil {
		s.log.WithError(err).Warn("maps estimate failed, using haversine")
		return s.fallback.Estimate(ctx, from, to)
	}
	return route, nil
}

func (s *RouteService) driving(ctx context.Context, from, to types.Point) (Route, error) {
	resp, err := s.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsMetric,
	})
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, errNoRoute
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Route{}, fmt.Errorf("%w: %s", errNoRoute, el.Status)
	}
	return Route{
		DistanceKm: float64(el.Distance.Meters) / 1000,
		Duration:   el.Duration,
		Source:     "google",
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
