package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/store"
	"github.com/crisismesh/disaster-dedup-service/internal/store/memory"
)

func TestResolveClassification(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	quake := domain.Classification{Group: "Geophysical", Type: "Earthquake", Subtype: "Ground Shaking"}

	id1, err := s.ResolveClassification(ctx, quake)
	require.NoError(t, err)
	id2, err := s.ResolveClassification(ctx, quake)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	other, err := s.ResolveClassification(ctx, domain.Classification{Group: "Hydrological", Type: "Flood"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
}

func TestFindOrCreateLocation(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	base := domain.Geo{Lat: 16.5700, Lon: 121.2600}
	id, err := s.FindOrCreateLocation(ctx, domain.Location{Point: &base, Geocoded: true, Confidence: "source"}, 1)
	require.NoError(t, err)

	t.Run("within radius reuses the existing location", func(t *testing.T) {
		// ~0.5 km north of base.
		near := domain.Geo{Lat: base.Lat + 0.0045, Lon: base.Lon}
		got, err := s.FindOrCreateLocation(ctx, domain.Location{Point: &near, Geocoded: true}, 1)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	t.Run("outside radius creates a new location", func(t *testing.T) {
		// ~5 km north of base.
		far := domain.Geo{Lat: base.Lat + 0.045, Lon: base.Lon}
		got, err := s.FindOrCreateLocation(ctx, domain.Location{Point: &far, Geocoded: true}, 1)
		require.NoError(t, err)
		assert.NotEqual(t, id, got)
	})

	t.Run("nearest of several wins", func(t *testing.T) {
		closer := domain.Geo{Lat: base.Lat + 0.0010, Lon: base.Lon}
		closerID, err := s.CreateLocation(ctx, domain.Location{Point: &closer, Geocoded: true})
		require.NoError(t, err)

		probe := domain.Geo{Lat: base.Lat + 0.0012, Lon: base.Lon}
		got, err := s.FindOrCreateLocation(ctx, domain.Location{Point: &probe, Geocoded: true}, 1)
		require.NoError(t, err)
		assert.Equal(t, closerID, got)
	})

	t.Run("search crosses grid cell boundaries", func(t *testing.T) {
		// Just below a 0.5 degree boundary; the neighbor sits just above it.
		edge := domain.Geo{Lat: 0.4999, Lon: 10}
		edgeID, err := s.CreateLocation(ctx, domain.Location{Point: &edge, Geocoded: true})
		require.NoError(t, err)

		above := domain.Geo{Lat: 0.5001, Lon: 10}
		got, err := s.FindOrCreateLocation(ctx, domain.Location{Point: &above, Geocoded: true}, 1)
		require.NoError(t, err)
		assert.Equal(t, edgeID, got)
	})
}

func TestFindOrCreateLocationConcurrent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	// 16 workers resolving jittered points of the same place, all well inside
	// the 1 km radius of each other. Exactly one row must come out.
	base := domain.Geo{Lat: -30.0300, Lon: -51.2300}
	ids := make([]int64, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := domain.Geo{Lat: base.Lat + float64(i)*0.00002, Lon: base.Lon}
			id, err := s.FindOrCreateLocation(ctx, domain.Location{Point: &p, Geocoded: true}, 1)
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestFindMatchesWindowIsExclusive(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	classID, err := s.ResolveClassification(ctx, domain.Classification{Group: "Hydrological", Type: "Flood"})
	require.NoError(t, err)
	locID, err := s.CreateLocation(ctx, domain.Location{Confidence: "none"})
	require.NoError(t, err)

	at := func(tm time.Time) int64 {
		t.Helper()
		id, err := s.Promote(ctx, domain.MasterEvent{
			EventTime:        tm,
			ClassificationID: classID,
			LocationID:       locID,
			Confidence:       1.0,
		}, domain.SourceLink{SourceName: "gdacs", SourceEventID: tm.String()})
		require.NoError(t, err)
		return id
	}

	center := time.Date(2024, 9, 14, 12, 0, 0, 0, time.UTC)
	inside := at(center.Add(47 * time.Hour))
	at(center.Add(48 * time.Hour))  // exactly on the boundary
	at(center.Add(-48 * time.Hour)) // exactly on the lower boundary
	at(center.Add(49 * time.Hour))

	matches, err := s.FindMatches(ctx, classID, center.Add(-48*time.Hour), center.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, inside, matches[0].Event.ID)
}

func TestPromoteAndMergeConflictOnDuplicateLink(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	classID, err := s.ResolveClassification(ctx, domain.Classification{Group: "Geophysical", Type: "Earthquake"})
	require.NoError(t, err)
	locID, err := s.CreateLocation(ctx, domain.Location{Confidence: "none"})
	require.NoError(t, err)

	ev := domain.MasterEvent{
		EventTime:        time.Date(2024, 9, 14, 12, 0, 0, 0, time.UTC),
		ClassificationID: classID,
		LocationID:       locID,
		Confidence:       1.0,
	}
	link := domain.SourceLink{SourceName: "usgs", SourceEventID: "us-1"}

	id, err := s.Promote(ctx, ev, link)
	require.NoError(t, err)

	linked, err := s.HasSourceLink(ctx, "usgs", "us-1")
	require.NoError(t, err)
	assert.True(t, linked)

	_, err = s.Promote(ctx, ev, link)
	require.ErrorIs(t, err, store.ErrConflict)

	err = s.Merge(ctx, store.MasterUpdate{MasterEventID: id, Confidence: 1.0}, link)
	require.ErrorIs(t, err, store.ErrConflict)

	err = s.Merge(ctx, store.MasterUpdate{MasterEventID: 9999, Confidence: 1.0},
		domain.SourceLink{SourceName: "usgs", SourceEventID: "us-2"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListMasterEvents(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	quakeID, err := s.ResolveClassification(ctx, domain.Classification{Group: "Geophysical", Type: "Earthquake"})
	require.NoError(t, err)
	floodID, err := s.ResolveClassification(ctx, domain.Classification{Group: "Hydrological", Type: "Flood"})
	require.NoError(t, err)

	phLoc, err := s.CreateLocation(ctx, domain.Location{CountryISO3: "PHL", Geocoded: true, Point: &domain.Geo{Lat: 16.57, Lon: 121.26}})
	require.NoError(t, err)
	brLoc, err := s.CreateLocation(ctx, domain.Location{CountryISO3: "BRA", Geocoded: true, Point: &domain.Geo{Lat: -30.03, Lon: -51.23}})
	require.NoError(t, err)

	older := time.Date(2024, 9, 12, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 9, 14, 0, 0, 0, 0, time.UTC)

	quake, err := s.Promote(ctx, domain.MasterEvent{EventTime: older, ClassificationID: quakeID, LocationID: phLoc, Confidence: 1.0},
		domain.SourceLink{SourceName: "usgs", SourceEventID: "us-1"})
	require.NoError(t, err)
	flood, err := s.Promote(ctx, domain.MasterEvent{EventTime: newer, ClassificationID: floodID, LocationID: brLoc, Confidence: 1.0},
		domain.SourceLink{SourceName: "gdacs", SourceEventID: "gd-1"})
	require.NoError(t, err)

	require.NoError(t, s.Merge(ctx, store.MasterUpdate{MasterEventID: flood, Confidence: 1.0},
		domain.SourceLink{SourceName: "reliefweb", SourceEventID: "rw-1"}))

	t.Run("unfiltered, newest first", func(t *testing.T) {
		views, err := s.ListMasterEvents(ctx, store.ListFilter{})
		require.NoError(t, err)
		require.Len(t, views, 2)
		assert.Equal(t, flood, views[0].ID)
		assert.Equal(t, []string{"gdacs", "reliefweb"}, views[0].Sources)
		assert.Equal(t, quake, views[1].ID)
	})

	t.Run("group filter", func(t *testing.T) {
		views, err := s.ListMasterEvents(ctx, store.ListFilter{Group: "Geophysical"})
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, quake, views[0].ID)
	})

	t.Run("country filter", func(t *testing.T) {
		views, err := s.ListMasterEvents(ctx, store.ListFilter{CountryISO3: "BRA"})
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, flood, views[0].ID)
	})

	t.Run("time range and limit", func(t *testing.T) {
		from := time.Date(2024, 9, 13, 0, 0, 0, 0, time.UTC)
		views, err := s.ListMasterEvents(ctx, store.ListFilter{From: &from, Limit: 1})
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, flood, views[0].ID)
	})
}
