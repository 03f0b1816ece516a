package domain

import "math"

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points in
// kilometers.
func HaversineKm(a, b Geo) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// BoundingBox returns the min/max latitude and longitude of a box that fully
// contains the circle of radiusKm around p. Longitude spread widens toward
// the poles; latitude is clamped to the valid range.
func BoundingBox(p Geo, radiusKm float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radiusKm / 111.0
	minLat = math.Max(p.Lat-dLat, -90)
	maxLat = math.Min(p.Lat+dLat, 90)

	cos := math.Cos(p.Lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := radiusKm / (111.0 * cos)
	minLon = p.Lon - dLon
	maxLon = p.Lon + dLon
	return minLat, maxLat, minLon, maxLon
}
