package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm(t *testing.T) {
	t.Run("zero distance", func(t *testing.T) {
		p := Geo{Lat: 48.8566, Lon: 2.3522}
		assert.Zero(t, HaversineKm(p, p))
	})

	t.Run("paris to london", func(t *testing.T) {
		paris := Geo{Lat: 48.8566, Lon: 2.3522}
		london := Geo{Lat: 51.5074, Lon: -0.1278}
		assert.InDelta(t, 343.5, HaversineKm(paris, london), 2)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := Geo{Lat: 30.65, Lon: 104.07}
		b := Geo{Lat: 17.07, Lon: -96.72}
		assert.InEpsilon(t, HaversineKm(a, b), HaversineKm(b, a), 1e-12)
	})

	t.Run("one kilometer north", func(t *testing.T) {
		a := Geo{Lat: 0, Lon: 0}
		b := Geo{Lat: 1.0 / 111.0, Lon: 0}
		assert.InDelta(t, 1.0, HaversineKm(a, b), 0.01)
	})
}

func TestBoundingBox(t *testing.T) {
	t.Run("contains the radius circle", func(t *testing.T) {
		p := Geo{Lat: 16.57, Lon: 121.26}
		minLat, maxLat, minLon, maxLon := BoundingBox(p, 100)

		assert.Less(t, minLat, p.Lat)
		assert.Greater(t, maxLat, p.Lat)
		assert.Less(t, minLon, p.Lon)
		assert.Greater(t, maxLon, p.Lon)

		// A point exactly 100km due north must fall inside the box.
		north := Geo{Lat: p.Lat + 100.0/111.0, Lon: p.Lon}
		assert.LessOrEqual(t, north.Lat, maxLat)
	})

	t.Run("latitude clamped at the pole", func(t *testing.T) {
		_, maxLat, _, _ := BoundingBox(Geo{Lat: 89.9, Lon: 0}, 100)
		assert.Equal(t, 90.0, maxLat)
	})

	t.Run("longitude spread widens toward the poles", func(t *testing.T) {
		_, _, eqMinLon, eqMaxLon := BoundingBox(Geo{Lat: 0, Lon: 0}, 100)
		_, _, hiMinLon, hiMaxLon := BoundingBox(Geo{Lat: 60, Lon: 0}, 100)
		assert.Greater(t, hiMaxLon-hiMinLon, eqMaxLon-eqMinLon)
	})
}
