package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/store"
)

func (s *Store) HasSourceLink(ctx context.Context, sourceName, sourceEventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM source_links
			WHERE source_name = $1 AND source_event_id = $2
		)
	`, sourceName, sourceEventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has source link: %w", err)
	}
	return exists, nil
}

// FindMatches returns master events with the given classification inside the
// exclusive temporal window, joined with their location point and magnitude
// value for the engine's ranking.
func (s *Store) FindMatches(ctx context.Context, classificationID int64, from, to time.Time) ([]store.Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.event_time, e.event_time_end, e.classification_id, e.location_id,
		       e.magnitude_id, e.fatalities_total, e.economic_loss_usd, e.affected_total,
		       e.is_master, e.confidence,
		       l.latitude, l.longitude, m.primary_value
		FROM master_events e
		JOIN locations l ON l.id = e.location_id
		LEFT JOIN magnitudes m ON m.id = e.magnitude_id
		WHERE e.classification_id = $1
		  AND e.event_time > $2
		  AND e.event_time < $3
	`, classificationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("find matches: %w", err)
	}
	defer rows.Close()

	var matches []store.Match
	for rows.Next() {
		var m store.Match
		var lat, lon *float64
		err := rows.Scan(
			&m.Event.ID, &m.Event.EventTime, &m.Event.EventTimeEnd,
			&m.Event.ClassificationID, &m.Event.LocationID,
			&m.Event.MagnitudeID, &m.Event.FatalitiesTotal, &m.Event.EconomicLossUSD,
			&m.Event.AffectedTotal, &m.Event.IsMaster, &m.Event.Confidence,
			&lat, &lon, &m.MagnitudeValue,
		)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		if lat != nil && lon != nil {
			m.Point = &domain.Geo{Lat: *lat, Lon: *lon}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find matches: %w", err)
	}
	return matches, nil
}

// Promote creates the master event and its first source link in one
// transaction. A racing link on the same raw report surfaces as ErrConflict.
func (s *Store) Promote(ctx context.Context, ev domain.MasterEvent, link domain.SourceLink) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("promote: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO master_events (
			event_time, event_time_end, classification_id, location_id, magnitude_id,
			fatalities_total, economic_loss_usd, affected_total, is_master, confidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		RETURNING id
	`, ev.EventTime, ev.EventTimeEnd, ev.ClassificationID, ev.LocationID, ev.MagnitudeID,
		ev.FatalitiesTotal, ev.EconomicLossUSD, ev.AffectedTotal, ev.Confidence).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("promote: insert event: %w", asStoreErr(err))
	}

	if err := insertLink(ctx, tx, id, link); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("promote: commit: %w", asStoreErr(err))
	}
	return id, nil
}

// Merge applies the recomputed aggregates and appends the source link in one
// transaction.
func (s *Store) Merge(ctx context.Context, update store.MasterUpdate, link domain.SourceLink) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("merge: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `
		UPDATE master_events
		SET fatalities_total = $2,
		    economic_loss_usd = $3,
		    affected_total = $4,
		    magnitude_id = $5,
		    event_time_end = $6,
		    confidence = $7
		WHERE id = $1
	`, update.MasterEventID, update.FatalitiesTotal, update.EconomicLossUSD,
		update.AffectedTotal, update.MagnitudeID, update.EventTimeEnd, update.Confidence)
	if err != nil {
		return fmt.Errorf("merge: update event: %w", asStoreErr(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	if err := insertLink(ctx, tx, update.MasterEventID, link); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("merge: commit: %w", asStoreErr(err))
	}
	return nil
}

func insertLink(ctx context.Context, tx pgx.Tx, masterEventID int64, link domain.SourceLink) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO source_links (source_name, source_event_id, master_event_id, weight, raw_payload, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, link.SourceName, link.SourceEventID, masterEventID, link.Weight, link.RawPayload, link.LinkedAt)
	if err != nil {
		return fmt.Errorf("insert source link: %w", asStoreErr(err))
	}
	return nil
}

// ListMasterEvents serves the consolidated read view with optional filters.
func (s *Store) ListMasterEvents(ctx context.Context, f store.ListFilter) ([]domain.MasterEventView, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	conds = append(conds, "e.is_master")
	if f.From != nil {
		add("e.event_time >= ?", *f.From)
	}
	if f.To != nil {
		add("e.event_time <= ?", *f.To)
	}
	if f.Group != "" {
		add("c.disaster_group = ?", f.Group)
	}
	if f.CountryISO3 != "" {
		add("l.country_iso3 = ?", f.CountryISO3)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT e.id, e.event_time, e.event_time_end, e.classification_id, e.location_id,
		       e.magnitude_id, e.fatalities_total, e.economic_loss_usd, e.affected_total,
		       e.is_master, e.confidence,
		       c.disaster_group, c.disaster_type, c.disaster_subtype,
		       l.name, l.city, l.state, l.country_iso3, l.latitude, l.longitude, l.geocoded, l.confidence,
		       m.primary_value, m.primary_unit, m.secondary_value, m.secondary_unit,
		       COALESCE(src.names, '{}')
		FROM master_events e
		JOIN classifications c ON c.id = e.classification_id
		JOIN locations l ON l.id = e.location_id
		LEFT JOIN magnitudes m ON m.id = e.magnitude_id
		LEFT JOIN LATERAL (
			SELECT array_agg(DISTINCT sl.source_name) AS names
			FROM source_links sl
			WHERE sl.master_event_id = e.id
		) src ON TRUE
		WHERE %s
		ORDER BY e.event_time DESC, e.id
		LIMIT $%d
	`, strings.Join(conds, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list master events: %w", err)
	}
	defer rows.Close()

	var views []domain.MasterEventView
	for rows.Next() {
		var (
			v            domain.MasterEventView
			lat, lon     *float64
			magValue     *float64
			magUnit      *string
			magSecondary *float64
			magSecUnit   *string
		)
		err := rows.Scan(
			&v.ID, &v.EventTime, &v.EventTimeEnd, &v.ClassificationID, &v.LocationID,
			&v.MagnitudeID, &v.FatalitiesTotal, &v.EconomicLossUSD, &v.AffectedTotal,
			&v.IsMaster, &v.Confidence,
			&v.Classification.Group, &v.Classification.Type, &v.Classification.Subtype,
			&v.Location.Name, &v.Location.City, &v.Location.State, &v.Location.CountryISO3,
			&lat, &lon, &v.Location.Geocoded, &v.Location.Confidence,
			&magValue, &magUnit, &magSecondary, &magSecUnit,
			&v.Sources,
		)
		if err != nil {
			return nil, fmt.Errorf("scan master event view: %w", err)
		}
		v.Classification.ID = v.ClassificationID
		v.Location.ID = v.LocationID
		if lat != nil && lon != nil {
			v.Location.Point = &domain.Geo{Lat: *lat, Lon: *lon}
		}
		if v.MagnitudeID != nil && magValue != nil {
			mag := domain.Magnitude{ID: *v.MagnitudeID, Value: *magValue}
			if magUnit != nil {
				mag.Unit = *magUnit
			}
			mag.SecondaryValue = magSecondary
			if magSecUnit != nil {
				mag.SecondaryUnit = *magSecUnit
			}
			v.Magnitude = &mag
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list master events: %w", err)
	}
	return views, nil
}
