package domain

import "context"

// GeocodingResult contains location data returned by a geocoding provider.
type GeocodingResult struct {
	Lat         float64
	Lon         float64
	PlaceName   string
	City        string
	State       string
	CountryISO2 string
	Confidence  float64 // 0.0–1.0 provider confidence score
}

// Geocoder resolves free-text location strings to coordinates. Implementations
// are expected to be fallible and rate-limited; callers must treat failure as
// non-fatal and fall back to an ungeocoded location.
type Geocoder interface {
	Geocode(ctx context.Context, text string) (GeocodingResult, error)
}
