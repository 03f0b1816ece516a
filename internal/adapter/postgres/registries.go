package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/store"
)

// locationRegistryLockID is the advisory-lock key serializing location
// find-or-create transactions. The schema carries no proximity constraint,
// so without the lock two concurrent resolvers of the same place could both
// pass the radius search and insert twin rows.
const locationRegistryLockID = int64(0x6C6F63) // "loc"

// ResolveClassification upserts the triple and returns its id. The no-op
// DO UPDATE makes RETURNING work on the conflict path as well, so concurrent
// resolvers of the same triple all land on one row.
func (s *Store) ResolveClassification(ctx context.Context, triple domain.Classification) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO classifications (disaster_group, disaster_type, disaster_subtype)
		VALUES ($1, $2, $3)
		ON CONFLICT (disaster_group, disaster_type, disaster_subtype)
		DO UPDATE SET disaster_group = EXCLUDED.disaster_group
		RETURNING id
	`, triple.Group, triple.Type, triple.Subtype).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve classification: %w", err)
	}
	return id, nil
}

// FindOrCreateLocation reuses the nearest geocoded location within radiusKm
// of loc.Point, or inserts loc. Both steps run in one transaction holding
// the registry advisory lock, making the search-then-insert atomic across
// workers and across service instances.
func (s *Store) FindOrCreateLocation(ctx context.Context, loc domain.Location, radiusKm float64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("find or create location: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, locationRegistryLockID); err != nil {
		return 0, fmt.Errorf("find or create location: lock: %w", err)
	}

	var id int64
	existing, err := findLocationNear(ctx, tx, *loc.Point, radiusKm)
	switch {
	case err == nil:
		id = existing.ID
	case errors.Is(err, store.ErrNotFound):
		if id, err = insertLocation(ctx, tx, loc); err != nil {
			return 0, err
		}
	default:
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("find or create location: commit: %w", err)
	}
	return id, nil
}

// findLocationNear returns the nearest geocoded location within radiusKm of
// p. A bounding-box prefilter narrows the scan; the exact haversine check
// happens in Go on the few rows that survive it.
func findLocationNear(ctx context.Context, tx pgx.Tx, p domain.Geo, radiusKm float64) (domain.Location, error) {
	minLat, maxLat, minLon, maxLon := domain.BoundingBox(p, radiusKm)

	rows, err := tx.Query(ctx, `
		SELECT id, name, city, state, country_iso3, latitude, longitude, geocoded, confidence
		FROM locations
		WHERE geocoded
		  AND latitude BETWEEN $1 AND $2
		  AND longitude BETWEEN $3 AND $4
	`, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return domain.Location{}, fmt.Errorf("find location near: %w", err)
	}
	defer rows.Close()

	best := domain.Location{}
	bestDist := -1.0
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return domain.Location{}, err
		}
		if loc.Point == nil {
			continue
		}
		d := domain.HaversineKm(p, *loc.Point)
		if d <= radiusKm && (bestDist < 0 || d < bestDist) {
			best = loc
			bestDist = d
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Location{}, fmt.Errorf("find location near: %w", err)
	}
	if bestDist < 0 {
		return domain.Location{}, store.ErrNotFound
	}
	return best, nil
}

func scanLocation(rows pgx.Rows) (domain.Location, error) {
	var loc domain.Location
	var lat, lon *float64
	if err := rows.Scan(&loc.ID, &loc.Name, &loc.City, &loc.State, &loc.CountryISO3, &lat, &lon, &loc.Geocoded, &loc.Confidence); err != nil {
		return domain.Location{}, fmt.Errorf("scan location: %w", err)
	}
	if lat != nil && lon != nil {
		loc.Point = &domain.Geo{Lat: *lat, Lon: *lon}
	}
	return loc, nil
}

func (s *Store) CreateLocation(ctx context.Context, loc domain.Location) (int64, error) {
	return insertLocation(ctx, s.pool, loc)
}

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertLocation(ctx context.Context, q rowQuerier, loc domain.Location) (int64, error) {
	var lat, lon *float64
	if loc.Point != nil {
		lat, lon = &loc.Point.Lat, &loc.Point.Lon
	}

	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO locations (name, city, state, country_iso3, latitude, longitude, geocoded, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, loc.Name, loc.City, loc.State, loc.CountryISO3, lat, lon, loc.Geocoded, loc.Confidence).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create location: %w", err)
	}
	return id, nil
}

func (s *Store) CreateMagnitude(ctx context.Context, m domain.Magnitude) (int64, error) {
	var secondaryUnit *string
	if m.SecondaryUnit != "" {
		secondaryUnit = &m.SecondaryUnit
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO magnitudes (primary_value, primary_unit, secondary_value, secondary_unit)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, m.Value, m.Unit, m.SecondaryValue, secondaryUnit).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create magnitude: %w", err)
	}
	return id, nil
}
