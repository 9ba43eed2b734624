package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371e3

var ErrInvalidBoundary = errors.New("boundary requires at least 3 points")

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Boundary is a simple polygon in (latitude, longitude) space.
type Boundary []GeoPoint

// NewBoundary builds a boundary from [lat, lng] pairs, the way boundaries
// are written in config files.
func NewBoundary(pairs [][2]float64) Boundary {
	b := make(Boundary, 0, len(pairs))
	for _, p := range pairs {
		b = append(b, GeoPoint{Latitude: p[0], Longitude: p[1]})
	}
	return b
}

func (b Boundary) Validate() error {
	if len(b) < 3 {
		return fmt.Errorf("%w: got %d", ErrInvalidBoundary, len(b))
	}
	return nil
}

// Reference is the first vertex, used for the informational distance.
func (b Boundary) Reference() (GeoPoint, bool) {
	if len(b) == 0 {
		return GeoPoint{}, false
	}
	return b[0], true
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// HaversineDistanceMeters returns the great-circle distance between a and b.
func HaversineDistanceMeters(a, b GeoPoint) float64 {
	phi1 := toRadians(a.Latitude)
	phi2 := toRadians(b.Latitude)
	dPhi := toRadians(b.Latitude - a.Latitude)
	dLambda := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// PointInPolygon reports whether p lies inside the boundary using ray
// casting with longitude as x and latitude as y. Points exactly on an edge
// may land on either side depending on the polygon's orientation.
//
// The caller must ensure the boundary has at least 3 vertices.
func PointInPolygon(p GeoPoint, boundary Boundary) bool {
	x := p.Longitude
	y := p.Latitude

	inside := false
	for i, j := 0, len(boundary)-1; i < len(boundary); j, i = i, i+1 {
		xi, yi := boundary[i].Longitude, boundary[i].Latitude
		xj, yj := boundary[j].Longitude, boundary[j].Latitude

		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
