// Package geo holds the great-circle math used by pricing and dispatch.
package geo

import "math"

// EarthRadiusKm is the mean earth radius used for haversine distances.
const EarthRadiusKm = 6371.0

type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// PointFrom builds a point from nullable coordinates. A missing half yields nil.
func PointFrom(lat, lon *float64) *Point {
	if lat == nil || lon == nil {
		return nil
	}
	return &Point{Lat: *lat, Lon: *lon}
}

// DistanceKm returns the haversine distance between a and b.
// A nil point on either side is treated as distance 0.
func DistanceKm(a, b *Point) float64 {
	if a == nil || b == nil {
		return 0
	}
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// WithinRadius reports whether b is at most radiusKm from a. Missing coordinates pass.
func WithinRadius(a, b *Point, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

// Round2 rounds a distance to two decimals for display.
func Round2(km float64) float64 {
	return math.Round(km*100) / 100
}
