// Package geofence decides whether a live GPS reading was captured at a
// claimed street address.
package geofence

import (
	"errors"
	"fmt"
	"math"
)

const (
	// EarthRadiusMiles is the mean radius used for great-circle distances.
	EarthRadiusMiles = 3959.0
	// DefaultToleranceMiles absorbs typical phone GPS error (~528 ft).
	DefaultToleranceMiles = 0.1
	feetPerMile           = 5280.0
)

// ErrInvalidCoordinates is returned for NaN, infinite or out-of-region points.
var ErrInvalidCoordinates = errors.New("location coordinates are invalid or outside the service area")

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Region is a bounding box in degrees.
type Region struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// DefaultRegion covers the United States service area.
var DefaultRegion = Region{MinLat: 18.0, MaxLat: 71.5, MinLon: -179.9, MaxLon: -66.0}

// Contains reports whether p lies inside the box, edges included.
func (r Region) Contains(p Point) bool {
	return p.Lat >= r.MinLat && p.Lat <= r.MaxLat && p.Lon >= r.MinLon && p.Lon <= r.MaxLon
}

// RejectionError reports a live reading that was too far from the address.
type RejectionError struct {
	DistanceMiles  float64
	ToleranceMiles float64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("You appear to be about %d feet from your address. Please verify from your address.", e.DistanceFeet())
}

// DistanceFeet is the measured distance rounded to whole feet.
func (e *RejectionError) DistanceFeet() int64 {
	return int64(math.Round(e.DistanceMiles * feetPerMile))
}

// Result describes an accepted reading.
type Result struct {
	DistanceMiles float64
}

// DistanceFeet is the measured distance rounded to whole feet.
func (r Result) DistanceFeet() int64 {
	return int64(math.Round(r.DistanceMiles * feetPerMile))
}

// Verifier accepts a live reading within Tolerance miles of the address.
type Verifier struct {
	Tolerance float64
	Region    Region
}

// NewVerifier builds a Verifier. A non-positive tolerance falls back to
// DefaultToleranceMiles.
func NewVerifier(toleranceMiles float64, region Region) *Verifier {
	if toleranceMiles <= 0 {
		toleranceMiles = DefaultToleranceMiles
	}
	return &Verifier{Tolerance: toleranceMiles, Region: region}
}

// VerifyProximity validates both points, then accepts iff the great-circle
// distance is at most the tolerance. Rejections are *RejectionError.
func (v *Verifier) VerifyProximity(address, live Point) (Result, error) {
	if err := v.Validate(address); err != nil {
		return Result{}, err
	}
	if err := v.Validate(live); err != nil {
		return Result{}, err
	}
	d := DistanceMiles(address.Lat, address.Lon, live.Lat, live.Lon)
	if d > v.Tolerance {
		return Result{}, &RejectionError{DistanceMiles: d, ToleranceMiles: v.Tolerance}
	}
	return Result{DistanceMiles: d}, nil
}

// Validate rejects points that are not finite or not in the service region.
func (v *Verifier) Validate(p Point) error {
	if !finite(p.Lat) || !finite(p.Lon) {
		return ErrInvalidCoordinates
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return ErrInvalidCoordinates
	}
	if !v.Region.Contains(p) {
		return ErrInvalidCoordinates
	}
	return nil
}

// DistanceMiles is the haversine great-circle distance between two points.
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMiles * math.Asin(math.Sqrt(a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
