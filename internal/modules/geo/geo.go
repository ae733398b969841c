// Package geo contains pure geographic computation helpers used for pool
// ranking and trip tracking.
package geo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"vtc/internal/types"
)

const earthRadiusKm = 6371.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Validate rejects latitudes outside [-90, 90] and longitudes outside [-180, 180].
func Validate(p types.Point) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return fmt.Errorf("%w: NaN", ErrInvalidCoordinate)
	}
	if math.Abs(p.Lat) > 90 {
		return fmt.Errorf("%w: latitude %f", ErrInvalidCoordinate, p.Lat)
	}
	if math.Abs(p.Lng) > 180 {
		return fmt.Errorf("%w: longitude %f", ErrInvalidCoordinate, p.Lng)
	}
	return nil
}

// DistanceKm returns the great-circle distance in kilometres between a and b.
func DistanceKm(a, b types.Point) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

// BearingDeg returns the initial bearing from a to b in degrees [0, 360).
func BearingDeg(a, b types.Point) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	brng := radiansToDegrees(math.Atan2(y, x))
	return math.Mod(brng+360, 360), nil
}

// SpeedKmh derives the average speed between two consecutive samples.
// Returns 0 when the samples are not strictly ordered in time.
func SpeedKmh(a, b types.Point, dt time.Duration) (float64, error) {
	d, err := DistanceKm(a, b)
	if err != nil {
		return 0, err
	}
	if dt <= 0 {
		return 0, nil
	}
	return d / dt.Hours(), nil
}

// PathKm sums the segment distances of an ordered path.
func PathKm(points []types.Point) (float64, error) {
	var total float64
	for i := 1; i < len(points); i++ {
		d, err := DistanceKm(points[i-1], points[i])
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func radiansToDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
