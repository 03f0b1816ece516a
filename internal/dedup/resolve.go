package dedup

import (
	"context"
	"fmt"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
)

// resolvedCandidate is a candidate with its registry references assigned.
type resolvedCandidate struct {
	candidate        domain.Candidate
	classificationID int64
	locationID       int64
	magnitudeID      *int64
}

func (e *Engine) resolve(ctx context.Context, c domain.Candidate) (resolvedCandidate, error) {
	classID, err := e.store.ResolveClassification(ctx, c.Classification)
	if err != nil {
		return resolvedCandidate{}, fmt.Errorf("resolve classification: %w", err)
	}

	locID, point, err := e.resolveLocation(ctx, c)
	if err != nil {
		return resolvedCandidate{}, err
	}
	c.Point = point

	rc := resolvedCandidate{
		candidate:        c,
		classificationID: classID,
		locationID:       locID,
	}

	if c.Magnitude != nil {
		magID, err := e.store.CreateMagnitude(ctx, *c.Magnitude)
		if err != nil {
			return resolvedCandidate{}, fmt.Errorf("create magnitude: %w", err)
		}
		rc.magnitudeID = &magID
	}

	return rc, nil
}

// resolveLocation finds or creates the candidate's location, deduplicating
// within the proximity radius. Candidates without coordinates are geocoded
// through the external collaborator; its failure is never fatal — the report
// proceeds with an ungeocoded placeholder that can be re-geocoded out of band.
// Returns the location id and the point the candidate ends up with.
func (e *Engine) resolveLocation(ctx context.Context, c domain.Candidate) (int64, *domain.Geo, error) {
	if c.Point != nil {
		id, err := e.findOrCreateNear(ctx, domain.Location{
			Name:       c.LocationText,
			Point:      c.Point,
			Geocoded:   true,
			Confidence: "source",
		})
		return id, c.Point, err
	}

	if e.geocoder != nil && c.LocationText != "" {
		result, err := e.geocode(ctx, c.LocationText)
		if err != nil {
			e.logger.Warn("geocoding unavailable, proceeding ungeocoded",
				"location_text", c.LocationText,
				"source", c.SourceName,
				"error", err,
			)
		} else if result.Lat != 0 || result.Lon != 0 {
			point := domain.Geo{Lat: result.Lat, Lon: result.Lon}
			id, err := e.findOrCreateNear(ctx, domain.Location{
				Name:        c.LocationText,
				City:        result.City,
				State:       result.State,
				CountryISO3: domain.CountryISO3(result.CountryISO2),
				Point:       &point,
				Geocoded:    true,
				Confidence:  "geocoder",
			})
			return id, &point, err
		}
	}

	id, err := e.store.CreateLocation(ctx, domain.Location{
		Name:       c.LocationText,
		Geocoded:   false,
		Confidence: "none",
	})
	if err != nil {
		return 0, nil, fmt.Errorf("create ungeocoded location: %w", err)
	}
	return id, nil, nil
}

// findOrCreateNear resolves loc through the registry's atomic find-or-create,
// so concurrent workers resolving the same place land on one row.
func (e *Engine) findOrCreateNear(ctx context.Context, loc domain.Location) (int64, error) {
	id, err := e.store.FindOrCreateLocation(ctx, loc, e.cfg.LocationRadiusKm)
	if err != nil {
		return 0, fmt.Errorf("find or create location (%f, %f): %w", loc.Point.Lat, loc.Point.Lon, err)
	}
	return id, nil
}

func (e *Engine) geocode(ctx context.Context, text string) (domain.GeocodingResult, error) {
	geocodeCtx := ctx
	if e.cfg.GeocodeTimeout > 0 {
		var cancel context.CancelFunc
		geocodeCtx, cancel = context.WithTimeout(ctx, e.cfg.GeocodeTimeout)
		defer cancel()
	}
	return e.geocoder.Geocode(geocodeCtx, text)
}
