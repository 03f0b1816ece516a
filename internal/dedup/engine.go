// Package dedup implements the normalization and deduplication engine: it
// takes raw staged reports, resolves them against the shared registries, and
// decides whether each candidate merges into an existing master event or is
// promoted to a new one.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/observability"
	"github.com/crisismesh/disaster-dedup-service/internal/store"
)

// confidenceDecay is the factor applied to a master event's confidence score
// each time a merged source disagrees with the running aggregate beyond the
// configured tolerance. Multiplicative decay keeps the score in (0, 1] and
// strictly decreasing under disagreement.
const confidenceDecay = 0.85

// Config holds the deduplication tunables.
type Config struct {
	// TemporalWindow is the symmetric match window W around a candidate's
	// event time. The window is exclusive at both boundaries: a master event
	// exactly W away does not match.
	TemporalWindow time.Duration

	// SpatialRadiusKm is the match radius S applied when both the candidate
	// and a master event are geocoded.
	SpatialRadiusKm float64

	// LocationRadiusKm is the proximity radius within which two locations
	// are considered the same location.
	LocationRadiusKm float64

	// DivergenceTolerance is the relative difference in fatalities or
	// magnitude above which a merged source counts as disagreeing.
	DivergenceTolerance float64

	// GeocodeTimeout bounds each call to the geocoding collaborator.
	GeocodeTimeout time.Duration
}

// Engine owns the merge-or-promote decision for every raw report. It is safe
// for concurrent use; decisions within one classification are serialized.
type Engine struct {
	store    store.Store
	geocoder domain.Geocoder // nil disables geocoding
	logger   *slog.Logger
	metrics  *observability.Metrics
	cfg      Config
	locks    *classLocks
}

// New creates an Engine. Pass a nil geocoder to disable geocoding; candidates
// without coordinates then always get ungeocoded placeholder locations.
func New(st store.Store, geocoder domain.Geocoder, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Engine {
	return &Engine{
		store:    st,
		geocoder: geocoder,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		locks:    newClassLocks(),
	}
}

// Process normalizes one staged report and records the merge-or-promote
// decision. Malformed reports yield a Rejected outcome, not an error; an
// error return means the store is unhealthy and the report should be
// redelivered later.
func (e *Engine) Process(ctx context.Context, raw domain.RawEvent) (domain.Outcome, error) {
	start := time.Now()
	defer func() {
		e.metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	}()

	var report domain.RawReport
	if err := json.Unmarshal(raw.Value, &report); err != nil {
		return domain.Outcome{Status: domain.OutcomeRejected, Reason: "malformed payload"}, nil
	}
	if report.SourceName == "" || report.SourceEventID == "" {
		return domain.Outcome{Status: domain.OutcomeRejected, Reason: "missing source identity"}, nil
	}

	candidate, err := domain.NormalizeReport(report)
	if err != nil {
		if errors.Is(err, domain.ErrUnparsableTime) {
			return domain.Outcome{Status: domain.OutcomeRejected, Reason: "unparsable reported time"}, nil
		}
		return domain.Outcome{}, err
	}

	// Fast path for redelivered reports; the source-link uniqueness
	// constraint backstops the race this check cannot see.
	linked, err := e.store.HasSourceLink(ctx, candidate.SourceName, candidate.SourceEventID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("check source link: %w", err)
	}
	if linked {
		return domain.Outcome{Status: domain.OutcomeSkipped}, nil
	}

	resolved, err := e.resolve(ctx, candidate)
	if err != nil {
		return domain.Outcome{}, err
	}

	outcome, err := e.decideLocked(ctx, resolved)
	if err == nil || !errors.Is(err, store.ErrConflict) {
		return outcome, err
	}

	// One automatic retry after a concurrent-write conflict; the colliding
	// writer may have linked this very report, so re-check first.
	e.metrics.StoreConflicts.Inc()
	linked, err = e.store.HasSourceLink(ctx, candidate.SourceName, candidate.SourceEventID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("recheck source link: %w", err)
	}
	if linked {
		return domain.Outcome{Status: domain.OutcomeSkipped}, nil
	}

	outcome, err = e.decideLocked(ctx, resolved)
	if errors.Is(err, store.ErrConflict) {
		e.metrics.StoreConflicts.Inc()
		e.logger.Warn("store conflict persisted after retry, leaving report pending",
			"source", candidate.SourceName, "source_event_id", candidate.SourceEventID)
		return domain.Outcome{Status: domain.OutcomePending, Reason: "store conflict"}, nil
	}
	return outcome, err
}

// decideLocked runs the match-search-and-write section under the
// classification lock, so the aggregate read-modify-write cannot interleave
// with another candidate for the same classification.
func (e *Engine) decideLocked(ctx context.Context, rc resolvedCandidate) (domain.Outcome, error) {
	l := e.locks.get(rc.classificationID)
	l.Lock()
	defer l.Unlock()
	return e.decide(ctx, rc)
}

func (e *Engine) decide(ctx context.Context, rc resolvedCandidate) (domain.Outcome, error) {
	c := rc.candidate
	from := c.EventTime.Add(-e.cfg.TemporalWindow)
	to := c.EventTime.Add(e.cfg.TemporalWindow)

	matches, err := e.store.FindMatches(ctx, rc.classificationID, from, to)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("find matches: %w", err)
	}
	matches = e.filterSpatial(matches, c.Point)

	link := domain.SourceLink{
		SourceName:    c.SourceName,
		SourceEventID: c.SourceEventID,
		Weight:        1.0,
		RawPayload:    c.RawPayload,
		LinkedAt:      time.Now().UTC(),
	}

	if len(matches) == 0 {
		return e.promote(ctx, rc, link)
	}
	best := closest(matches, c)
	return e.merge(ctx, rc, best, link)
}

// filterSpatial drops matches that are provably too far away. The distance
// test only applies when both sides are geocoded; a missing point on either
// side lets the temporal+classification match stand, a deliberate
// precision/recall trade-off favoring merge when location is unknown.
func (e *Engine) filterSpatial(matches []store.Match, point *domain.Geo) []store.Match {
	if point == nil {
		return matches
	}
	kept := matches[:0]
	for _, m := range matches {
		if m.Point != nil && domain.HaversineKm(*point, *m.Point) > e.cfg.SpatialRadiusKm {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// closest ranks matches by spatial distance when both sides have points,
// then by temporal distance, then by smallest event id so exact ties are
// reproducible. Spatially confirmed matches rank ahead of ones whose
// distance is unknowable.
func closest(matches []store.Match, c domain.Candidate) store.Match {
	best := matches[0]
	bestDist, bestHasDist := matchDistance(best, c.Point)
	bestDt := temporalDistance(best, c.EventTime)

	for _, m := range matches[1:] {
		dist, hasDist := matchDistance(m, c.Point)
		dt := temporalDistance(m, c.EventTime)

		better := false
		switch {
		case hasDist != bestHasDist:
			better = hasDist
		case hasDist && dist != bestDist:
			better = dist < bestDist
		case dt != bestDt:
			better = dt < bestDt
		default:
			better = m.Event.ID < best.Event.ID
		}
		if better {
			best, bestDist, bestHasDist, bestDt = m, dist, hasDist, dt
		}
	}
	return best
}

func matchDistance(m store.Match, point *domain.Geo) (float64, bool) {
	if point == nil || m.Point == nil {
		return 0, false
	}
	return domain.HaversineKm(*point, *m.Point), true
}

func temporalDistance(m store.Match, t time.Time) time.Duration {
	dt := m.Event.EventTime.Sub(t)
	if dt < 0 {
		dt = -dt
	}
	return dt
}

func (e *Engine) promote(ctx context.Context, rc resolvedCandidate, link domain.SourceLink) (domain.Outcome, error) {
	c := rc.candidate
	ev := domain.MasterEvent{
		EventTime:        c.EventTime,
		ClassificationID: rc.classificationID,
		LocationID:       rc.locationID,
		MagnitudeID:      rc.magnitudeID,
		FatalitiesTotal:  c.Fatalities,
		EconomicLossUSD:  c.EconomicLoss,
		AffectedTotal:    c.Affected,
		IsMaster:         true,
		Confidence:       1.0,
	}

	id, err := e.store.Promote(ctx, ev, link)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Outcome{}, err
		}
		return domain.Outcome{}, fmt.Errorf("promote candidate: %w", err)
	}

	e.logger.Info("promoted new master event",
		"master_event_id", id,
		"classification_id", rc.classificationID,
		"source", c.SourceName,
		"source_event_id", c.SourceEventID,
	)
	return domain.Outcome{Status: domain.OutcomePromoted, MasterEventID: id}, nil
}

func (e *Engine) merge(ctx context.Context, rc resolvedCandidate, m store.Match, link domain.SourceLink) (domain.Outcome, error) {
	c := rc.candidate
	ev := m.Event

	update := store.MasterUpdate{
		MasterEventID:   ev.ID,
		FatalitiesTotal: maxInt64(ev.FatalitiesTotal, c.Fatalities),
		EconomicLossUSD: maxInt64(ev.EconomicLossUSD, c.EconomicLoss),
		AffectedTotal:   maxInt64(ev.AffectedTotal, c.Affected),
		MagnitudeID:     ev.MagnitudeID,
		EventTimeEnd:    ev.EventTimeEnd,
		Confidence:      ev.Confidence,
	}

	// Magnitude policy: prefer the non-null value; ties keep the master's.
	if update.MagnitudeID == nil && rc.magnitudeID != nil {
		update.MagnitudeID = rc.magnitudeID
	}

	// Extend the event window when the candidate falls after it.
	windowEnd := ev.EventTime
	if ev.EventTimeEnd != nil {
		windowEnd = *ev.EventTimeEnd
	}
	if c.EventTime.After(windowEnd) {
		end := c.EventTime
		update.EventTimeEnd = &end
	}

	if e.diverges(c, m) {
		update.Confidence = ev.Confidence * confidenceDecay
	}

	if err := e.store.Merge(ctx, update, link); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Outcome{}, err
		}
		return domain.Outcome{}, fmt.Errorf("merge candidate: %w", err)
	}

	e.logger.Info("merged report into master event",
		"master_event_id", ev.ID,
		"source", c.SourceName,
		"source_event_id", c.SourceEventID,
		"confidence", update.Confidence,
	)
	return domain.Outcome{Status: domain.OutcomeMerged, MasterEventID: ev.ID}, nil
}

// diverges reports whether the candidate's numeric fields disagree with the
// master's running aggregate by more than the configured relative tolerance.
func (e *Engine) diverges(c domain.Candidate, m store.Match) bool {
	if c.Fatalities != nil && m.Event.FatalitiesTotal != nil {
		if relDiff(float64(*c.Fatalities), float64(*m.Event.FatalitiesTotal)) > e.cfg.DivergenceTolerance {
			return true
		}
	}
	if c.Magnitude != nil && m.MagnitudeValue != nil {
		if relDiff(c.Magnitude.Value, *m.MagnitudeValue) > e.cfg.DivergenceTolerance {
			return true
		}
	}
	return false
}

func relDiff(a, b float64) float64 {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	scale := max(abs(a), abs(b), 1)
	return diff / scale
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt64(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil || *a >= *b {
		return a
	}
	return b
}
