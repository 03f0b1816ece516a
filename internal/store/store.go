// Package store defines the persistence contracts shared by the Postgres and
// in-memory backends. The deduplication engine owns the decision of which
// master event a report links to; the store owns atomic persistence of that
// decision.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
)

var (
	// ErrConflict signals a concurrent-write collision (e.g. two workers
	// racing to link the same raw report). Callers retry once, then leave
	// the report pending.
	ErrConflict = errors.New("store: conflicting concurrent write")

	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("store: not found")
)

// ClassificationRegistry is the append-only dictionary of canonical
// (group, type, subtype) triples.
type ClassificationRegistry interface {
	// ResolveClassification returns the id for the triple, creating it on
	// first sight. Identical triples always resolve to the same id, across
	// repeated and concurrent calls.
	ResolveClassification(ctx context.Context, triple domain.Classification) (int64, error)
}

// LocationRegistry holds deduplicated locations. The proximity-uniqueness
// invariant (no two geocoded locations within the configured radius) is the
// registry's own: the radius search and the insert are one atomic operation.
type LocationRegistry interface {
	// FindOrCreateLocation returns the id of the nearest geocoded location
	// within radiusKm of loc.Point, inserting loc when none exists.
	// loc.Point must be set. Concurrent calls with nearby points resolve to
	// a single row.
	FindOrCreateLocation(ctx context.Context, loc domain.Location, radiusKm float64) (int64, error)

	// CreateLocation inserts a location unconditionally and returns its id.
	// Used for ungeocoded placeholders, which carry no point to deduplicate
	// against.
	CreateLocation(ctx context.Context, loc domain.Location) (int64, error)
}

// MagnitudeRegistry holds immutable magnitude records. Rows are never
// deduplicated across candidates; the engine picks which row a master event
// references.
type MagnitudeRegistry interface {
	CreateMagnitude(ctx context.Context, m domain.Magnitude) (int64, error)
}

// Match is one master event eligible to absorb a candidate, with the joined
// fields the engine ranks on.
type Match struct {
	Event          domain.MasterEvent
	Point          *domain.Geo // nil when the event's location is ungeocoded
	MagnitudeValue *float64
}

// MasterUpdate carries the recomputed aggregates applied to a master event
// when a candidate merges into it.
type MasterUpdate struct {
	MasterEventID   int64
	FatalitiesTotal *int64
	EconomicLossUSD *int64
	AffectedTotal   *int64
	MagnitudeID     *int64
	EventTimeEnd    *time.Time
	Confidence      float64
}

// ListFilter narrows the consolidated read view.
type ListFilter struct {
	From        *time.Time
	To          *time.Time
	Group       string
	CountryISO3 string
	Limit       int
}

// MasterEventStore persists master events and their source lineage.
// Promote and Merge are atomic per candidate: event row and source link are
// written together or not at all.
type MasterEventStore interface {
	// HasSourceLink reports whether a raw report has already been linked to
	// a master event (at-most-once processing per report id).
	HasSourceLink(ctx context.Context, sourceName, sourceEventID string) (bool, error)

	// FindMatches returns master events with the given classification whose
	// event time lies in (from, to), joined with their location point and
	// magnitude value.
	FindMatches(ctx context.Context, classificationID int64, from, to time.Time) ([]Match, error)

	// Promote creates a new master event plus its first source link and
	// returns the new event id.
	Promote(ctx context.Context, ev domain.MasterEvent, link domain.SourceLink) (int64, error)

	// Merge applies the recomputed aggregates and appends a source link.
	Merge(ctx context.Context, update MasterUpdate, link domain.SourceLink) error

	// ListMasterEvents returns the consolidated read view.
	ListMasterEvents(ctx context.Context, f ListFilter) ([]domain.MasterEventView, error)
}

// Store bundles every persistence concern the engine needs.
type Store interface {
	ClassificationRegistry
	LocationRegistry
	MagnitudeRegistry
	MasterEventStore
}
