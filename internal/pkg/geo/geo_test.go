package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKm(t *testing.T) {
	bangalore := &Point{Lat: 12.9716, Lon: 77.5946}
	mysore := &Point{Lat: 12.2958, Lon: 76.6394}

	d := DistanceKm(bangalore, mysore)
	assert.InDelta(t, 128.0, d, 2.0)
	assert.InDelta(t, d, DistanceKm(mysore, bangalore), 1e-9)
	assert.Equal(t, 0.0, DistanceKm(bangalore, bangalore))
}

func TestDistanceKmMissingCoordinates(t *testing.T) {
	p := &Point{Lat: 12.9716, Lon: 77.5946}
	assert.Equal(t, 0.0, DistanceKm(nil, p))
	assert.Equal(t, 0.0, DistanceKm(p, nil))
	assert.True(t, WithinRadius(nil, p, 0))
}

func TestWithinRadius(t *testing.T) {
	center := &Point{Lat: 12.9716, Lon: 77.5946}
	// roughly 0.45 km north
	near := &Point{Lat: 12.9756, Lon: 77.5946}
	far := &Point{Lat: 13.0716, Lon: 77.5946}

	assert.True(t, WithinRadius(center, near, 5))
	assert.False(t, WithinRadius(center, far, 5))
}

func TestPointFrom(t *testing.T) {
	lat, lon := 1.5, 2.5
	assert.Nil(t, PointFrom(nil, &lon))
	assert.Nil(t, PointFrom(&lat, nil))
	assert.Equal(t, &Point{Lat: 1.5, Lon: 2.5}, PointFrom(&lat, &lon))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 3.14, Round2(3.14159))
	assert.Equal(t, 2.0, Round2(1.999))
}
