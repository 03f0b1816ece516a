// Command genmock generates a multi-source raw report fixture for the
// deduplication test suites. It replays the generated reports through the
// actual engine against the in-memory store, so the printed expectations
// match real pipeline behavior.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/raw_disaster_reports.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crisismesh/disaster-dedup-service/internal/dedup"
	"github.com/crisismesh/disaster-dedup-service/internal/domain"
	"github.com/crisismesh/disaster-dedup-service/internal/observability"
	"github.com/crisismesh/disaster-dedup-service/internal/store/memory"
)

var baseTime = time.Date(2024, time.September, 14, 12, 0, 0, 0, time.UTC)

// incident is one real-world disaster the generator fabricates reports for.
type incident struct {
	name         string
	disasterType string
	lat, lon     float64
	eventTime    time.Time
	fatalities   int64
	loss         string
	affected     int64
	magnitude    float64
	// sources lists which fetchers "saw" this incident. Each source gets
	// its own report with jittered coordinates and slightly different
	// totals, which is what the engine has to reconcile.
	sources []string
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the raw report JSON fixture")
	seed := flag.Int64("seed", 42, "random seed for coordinate jitter")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}

	// Fixed clock so RELATIVE date tokens resolve reproducibly.
	domain.SetClock(clockwork.NewFakeClockAt(baseTime))
	defer domain.SetClock(nil)

	rng := rand.New(rand.NewSource(*seed))
	reports := generate(rng)

	if err := writeJSON(*out, reports); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote %d reports: %s", len(reports), *out)

	return replay(reports)
}

func generate(rng *rand.Rand) []domain.RawReport {
	incidents := []incident{
		{
			name: "Luzon typhoon", disasterType: "Tropical cyclone",
			lat: 16.57, lon: 121.26,
			eventTime:  baseTime.Add(-30 * time.Hour),
			fatalities: 42, loss: "1.2B", affected: 250000, magnitude: 185,
			sources: []string{"gdacs", "reliefweb", "emdat"},
		},
		{
			name: "Sichuan earthquake", disasterType: "Earthquake",
			lat: 30.65, lon: 104.07,
			eventTime:  baseTime.Add(-10 * time.Hour),
			fatalities: 12, loss: "300M", affected: 80000, magnitude: 6.1,
			sources: []string{"usgs", "gdacs"},
		},
		{
			name: "Rio Grande do Sul flood", disasterType: "Flash flood",
			lat: -30.03, lon: -51.23,
			eventTime:  baseTime.Add(-44 * time.Hour),
			fatalities: 7, loss: "85M", affected: 15000,
			sources: []string{"reliefweb", "gdacs"},
		},
		{
			name: "Alberta wildfire", disasterType: "Wildfire",
			lat: 53.55, lon: -113.49,
			eventTime: baseTime.Add(-5 * time.Hour),
			affected:  3200,
			sources:   []string{"gdacs"},
		},
		{
			// Same classification as the Sichuan quake but on the other
			// side of the planet, well outside the spatial radius.
			name: "Oaxaca earthquake", disasterType: "Earthquake",
			lat: 17.07, lon: -96.72,
			eventTime:  baseTime.Add(-8 * time.Hour),
			fatalities: 2, magnitude: 5.4,
			sources: []string{"usgs"},
		},
	}

	var reports []domain.RawReport
	for i, inc := range incidents {
		for j, src := range inc.sources {
			reports = append(reports, makeReport(rng, inc, src, i, j))
		}
	}

	// Edge cases the pipeline must reject or degrade on.
	reports = append(reports,
		domain.RawReport{
			SourceName:    "reliefweb",
			SourceEventID: "rw-relative-1",
			ReportedTime:  "RELATIVE:yesterday",
			LocationText:  "Port-au-Prince, Haiti",
			DisasterType:  "Flood",
			EconomicLoss:  "40M",
		},
		domain.RawReport{
			SourceName:    "emdat",
			SourceEventID: "em-bad-time",
			ReportedTime:  "sometime last week",
			DisasterType:  "Drought",
		},
	)
	return reports
}

func makeReport(rng *rand.Rand, inc incident, src string, i, j int) domain.RawReport {
	// Each source sees the same incident slightly differently: coordinates
	// jitter within a few km and the second source undercounts fatalities.
	lat := inc.lat + (rng.Float64()-0.5)*0.05
	lon := inc.lon + (rng.Float64()-0.5)*0.05
	offset := time.Duration(j) * 6 * time.Hour

	r := domain.RawReport{
		SourceName:    src,
		SourceEventID: fmt.Sprintf("%s-%d", src, 1000+i*10+j),
		ReportedTime:  inc.eventTime.Add(offset).Format(time.RFC3339),
		Latitude:      &lat,
		Longitude:     &lon,
		DisasterType:  inc.disasterType,
	}

	if inc.fatalities > 0 {
		f := inc.fatalities - int64(j)*3
		if f < 0 {
			f = 0
		}
		r.Fatalities = &f
	}
	if inc.loss != "" && j == 0 {
		r.EconomicLoss = inc.loss
	}
	if inc.affected > 0 {
		a := inc.affected
		r.Affected = &a
	}
	if inc.magnitude > 0 {
		m := inc.magnitude
		r.MagnitudeValue = &m
	}
	return r
}

// replay runs the fixture through the real engine and prints the outcome
// counts the integration tests should assert.
func replay(reports []domain.RawReport) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := dedup.New(memory.New(), nil, logger, observability.NewMetricsForTesting(), dedup.Config{
		TemporalWindow:      48 * time.Hour,
		SpatialRadiusKm:     100,
		LocationRadiusKm:    1,
		DivergenceTolerance: 0.25,
	})

	counts := map[domain.OutcomeStatus]int{}
	for _, r := range reports {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		outcome, err := engine.Process(context.Background(), domain.RawEvent{Value: value})
		if err != nil {
			return fmt.Errorf("process %s/%s: %w", r.SourceName, r.SourceEventID, err)
		}
		counts[outcome.Status]++
	}

	fmt.Println("\n=== Expected outcomes for updating test assertions ===")
	fmt.Printf("Total reports: %d\n", len(reports))
	fmt.Printf("Promoted: %d\n", counts[domain.OutcomePromoted])
	fmt.Printf("Merged: %d\n", counts[domain.OutcomeMerged])
	fmt.Printf("Rejected: %d\n", counts[domain.OutcomeRejected])
	fmt.Printf("Skipped: %d\n", counts[domain.OutcomeSkipped])
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
