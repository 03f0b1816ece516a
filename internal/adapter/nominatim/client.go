// Package nominatim implements domain.Geocoder against the OSM Nominatim
// search API. The public instance allows at most one request per second, so
// the client carries a rate limiter; callers should wrap it in a
// CachedGeocoder to keep repeat lookups off the wire.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/observability"
	"golang.org/x/time/rate"
)

// Client implements domain.Geocoder using the Nominatim search API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *observability.Metrics
}

// NewClient creates a Nominatim geocoding client. requestsPerSecond throttles
// outbound calls; the public instance requires <= 1.
func NewClient(baseURL, userAgent string, timeout time.Duration, requestsPerSecond float64, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		metrics:    metrics,
	}
}

// Geocode resolves free-text location to coordinates and address details.
// An empty result (no error, zero coordinates) means the provider found no
// match.
func (c *Client) Geocode(ctx context.Context, text string) (domain.GeocodingResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("geocode rate limit: %w", err)
	}

	params := url.Values{
		"q":               {text},
		"format":          {"jsonv2"},
		"limit":           {"1"},
		"addressdetails":  {"1"},
		"accept-language": {"en"},
	}
	fullURL := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.GeocodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return domain.GeocodingResult{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(resp.Body)
		return domain.GeocodingResult{}, fmt.Errorf("nominatim API error: status %d: %s", resp.StatusCode, body)
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return domain.GeocodingResult{}, fmt.Errorf("decode response: %w", err)
	}

	if len(places) == 0 {
		c.metrics.GeocodeRequests.WithLabelValues("empty").Inc()
		return domain.GeocodingResult{}, nil
	}

	c.metrics.GeocodeRequests.WithLabelValues("success").Inc()
	return places[0].toResult()
}

// Nominatim API response types.

type place struct {
	Lat        string  `json:"lat"`
	Lon        string  `json:"lon"`
	Name       string  `json:"name"`
	Importance float64 `json:"importance"`
	Address    address `json:"address"`
}

type address struct {
	City        string `json:"city"`
	Town        string `json:"town"`
	Village     string `json:"village"`
	State       string `json:"state"`
	CountryCode string `json:"country_code"`
}

func (p place) toResult() (domain.GeocodingResult, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("parse latitude %q: %w", p.Lat, err)
	}
	lon, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("parse longitude %q: %w", p.Lon, err)
	}

	city := p.Address.City
	if city == "" {
		city = p.Address.Town
	}
	if city == "" {
		city = p.Address.Village
	}

	return domain.GeocodingResult{
		Lat:         lat,
		Lon:         lon,
		PlaceName:   p.Name,
		City:        city,
		State:       p.Address.State,
		CountryISO2: p.Address.CountryCode,
		Confidence:  p.Importance,
	}, nil
}
