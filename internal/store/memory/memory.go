// Package memory provides an in-process Store used by tests and the
// STORE=memory development mode. All operations are guarded by a single
// mutex, which trivially satisfies the atomicity the engine requires.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/store"
)

// cellSizeDeg is the side of the grid cells used to bucket geocoded
// locations, so radius searches scan a handful of cells instead of the whole
// registry. ~55 km at the equator, comfortably larger than the default
// location proximity radius.
const cellSizeDeg = 0.5

type cellKey struct {
	lat int
	lon int
}

func cellOf(p domain.Geo) cellKey {
	return cellKey{
		lat: int(math.Floor(p.Lat / cellSizeDeg)),
		lon: int(math.Floor(p.Lon / cellSizeDeg)),
	}
}

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex

	classificationIDs map[string]int64
	classifications   map[int64]domain.Classification
	nextClassID       int64

	locations     map[int64]domain.Location
	locationCells map[cellKey][]int64
	nextLocID     int64

	magnitudes map[int64]domain.Magnitude
	nextMagID  int64

	events        map[int64]domain.MasterEvent
	eventsByClass map[int64][]int64
	nextEventID   int64

	links     []domain.SourceLink
	linkIndex map[string]int64 // source|source_event_id → master event id
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		classificationIDs: make(map[string]int64),
		classifications:   make(map[int64]domain.Classification),
		locations:         make(map[int64]domain.Location),
		locationCells:     make(map[cellKey][]int64),
		magnitudes:        make(map[int64]domain.Magnitude),
		events:            make(map[int64]domain.MasterEvent),
		eventsByClass:     make(map[int64][]int64),
		linkIndex:         make(map[string]int64),
	}
}

func linkKey(sourceName, sourceEventID string) string {
	return sourceName + "|" + sourceEventID
}

func (s *Store) ResolveClassification(_ context.Context, triple domain.Classification) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.classificationIDs[triple.Key()]; ok {
		return id, nil
	}
	s.nextClassID++
	triple.ID = s.nextClassID
	s.classificationIDs[triple.Key()] = triple.ID
	s.classifications[triple.ID] = triple
	return triple.ID, nil
}

// FindOrCreateLocation reuses the nearest geocoded location within radiusKm
// of loc.Point, or inserts loc. Search and insert happen under the one store
// mutex, so concurrent resolvers of the same place converge on one row.
func (s *Store) FindOrCreateLocation(_ context.Context, loc domain.Location, radiusKm float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.nearestLocked(*loc.Point, radiusKm); ok {
		return id, nil
	}
	return s.createLocationLocked(loc), nil
}

func (s *Store) nearestLocked(p domain.Geo, radiusKm float64) (int64, bool) {
	minLat, maxLat, minLon, maxLon := domain.BoundingBox(p, radiusKm)
	minCell := cellOf(domain.Geo{Lat: minLat, Lon: minLon})
	maxCell := cellOf(domain.Geo{Lat: maxLat, Lon: maxLon})

	bestID := int64(0)
	bestDist := math.Inf(1)
	for lat := minCell.lat; lat <= maxCell.lat; lat++ {
		for lon := minCell.lon; lon <= maxCell.lon; lon++ {
			for _, id := range s.locationCells[cellKey{lat: lat, lon: lon}] {
				loc := s.locations[id]
				if loc.Point == nil {
					continue
				}
				d := domain.HaversineKm(p, *loc.Point)
				if d <= radiusKm && d < bestDist {
					bestID = id
					bestDist = d
				}
			}
		}
	}
	return bestID, !math.IsInf(bestDist, 1)
}

func (s *Store) CreateLocation(_ context.Context, loc domain.Location) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocationLocked(loc), nil
}

func (s *Store) createLocationLocked(loc domain.Location) int64 {
	s.nextLocID++
	loc.ID = s.nextLocID
	s.locations[loc.ID] = loc
	if loc.Point != nil {
		cell := cellOf(*loc.Point)
		s.locationCells[cell] = append(s.locationCells[cell], loc.ID)
	}
	return loc.ID
}

func (s *Store) CreateMagnitude(_ context.Context, m domain.Magnitude) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMagID++
	m.ID = s.nextMagID
	s.magnitudes[m.ID] = m
	return m.ID, nil
}

func (s *Store) HasSourceLink(_ context.Context, sourceName, sourceEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.linkIndex[linkKey(sourceName, sourceEventID)]
	return ok, nil
}

func (s *Store) FindMatches(_ context.Context, classificationID int64, from, to time.Time) ([]store.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []store.Match
	for _, id := range s.eventsByClass[classificationID] {
		ev := s.events[id]
		// Window is exclusive at both boundaries.
		if !ev.EventTime.After(from) || !ev.EventTime.Before(to) {
			continue
		}
		matches = append(matches, s.matchOf(ev))
	}
	return matches, nil
}

func (s *Store) matchOf(ev domain.MasterEvent) store.Match {
	m := store.Match{Event: ev}
	if loc, ok := s.locations[ev.LocationID]; ok && loc.Point != nil {
		point := *loc.Point
		m.Point = &point
	}
	if ev.MagnitudeID != nil {
		if mag, ok := s.magnitudes[*ev.MagnitudeID]; ok {
			v := mag.Value
			m.MagnitudeValue = &v
		}
	}
	return m
}

func (s *Store) Promote(_ context.Context, ev domain.MasterEvent, link domain.SourceLink) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(link.SourceName, link.SourceEventID)
	if _, exists := s.linkIndex[key]; exists {
		return 0, store.ErrConflict
	}

	s.nextEventID++
	ev.ID = s.nextEventID
	ev.IsMaster = true
	s.events[ev.ID] = ev
	s.eventsByClass[ev.ClassificationID] = append(s.eventsByClass[ev.ClassificationID], ev.ID)

	link.MasterEventID = ev.ID
	s.links = append(s.links, link)
	s.linkIndex[key] = ev.ID
	return ev.ID, nil
}

func (s *Store) Merge(_ context.Context, update store.MasterUpdate, link domain.SourceLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(link.SourceName, link.SourceEventID)
	if _, exists := s.linkIndex[key]; exists {
		return store.ErrConflict
	}
	ev, ok := s.events[update.MasterEventID]
	if !ok {
		return store.ErrNotFound
	}

	ev.FatalitiesTotal = update.FatalitiesTotal
	ev.EconomicLossUSD = update.EconomicLossUSD
	ev.AffectedTotal = update.AffectedTotal
	ev.MagnitudeID = update.MagnitudeID
	ev.EventTimeEnd = update.EventTimeEnd
	ev.Confidence = update.Confidence
	s.events[ev.ID] = ev

	link.MasterEventID = ev.ID
	s.links = append(s.links, link)
	s.linkIndex[key] = ev.ID
	return nil
}

func (s *Store) ListMasterEvents(_ context.Context, f store.ListFilter) ([]domain.MasterEventView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var views []domain.MasterEventView
	for _, ev := range s.events {
		if f.From != nil && ev.EventTime.Before(*f.From) {
			continue
		}
		if f.To != nil && ev.EventTime.After(*f.To) {
			continue
		}
		class := s.classifications[ev.ClassificationID]
		if f.Group != "" && class.Group != f.Group {
			continue
		}
		loc := s.locations[ev.LocationID]
		if f.CountryISO3 != "" && loc.CountryISO3 != f.CountryISO3 {
			continue
		}

		view := domain.MasterEventView{
			MasterEvent:    ev,
			Classification: class,
			Location:       loc,
		}
		if ev.MagnitudeID != nil {
			if mag, ok := s.magnitudes[*ev.MagnitudeID]; ok {
				view.Magnitude = &mag
			}
		}
		view.Sources = s.sourcesOf(ev.ID)
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].EventTime.Equal(views[j].EventTime) {
			return views[i].ID < views[j].ID
		}
		return views[i].EventTime.After(views[j].EventTime)
	})
	if f.Limit > 0 && len(views) > f.Limit {
		views = views[:f.Limit]
	}
	return views, nil
}

func (s *Store) sourcesOf(masterEventID int64) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, l := range s.links {
		if l.MasterEventID != masterEventID {
			continue
		}
		if _, ok := seen[l.SourceName]; ok {
			continue
		}
		seen[l.SourceName] = struct{}{}
		names = append(names, l.SourceName)
	}
	sort.Strings(names)
	return names
}
