package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Candidate is a raw report after value parsing and classification, before
// registry resolution and deduplication.
type Candidate struct {
	SourceName     string
	SourceEventID  string
	EventTime      time.Time
	Classification Classification // triple only; ID assigned by the registry
	Point          *Geo
	LocationText   string
	Magnitude      *Magnitude // values only; ID assigned by the registry
	Fatalities     *int64
	EconomicLoss   *int64
	Affected       *int64
	RawPayload     json.RawMessage
}

// NormalizeReport turns a RawReport into a Candidate: it parses the reported
// time and economic loss, classifies the disaster type, and normalizes the
// magnitude pair. The only fatal condition is an unparsable time
// (ErrUnparsableTime); every other field degrades to "absent".
func NormalizeReport(report RawReport) (Candidate, error) {
	eventTime, err := ParseEventTime(report.ReportedTime)
	if err != nil {
		return Candidate{}, fmt.Errorf("normalize report %s/%s: %w", report.SourceName, report.SourceEventID, err)
	}

	c := Candidate{
		SourceName:     report.SourceName,
		SourceEventID:  report.SourceEventID,
		EventTime:      eventTime,
		Classification: ClassifyDisasterType(report.DisasterType),
		LocationText:   report.LocationText,
		Fatalities:     report.Fatalities,
		Affected:       report.Affected,
		RawPayload:     report.Payload,
	}

	if report.Latitude != nil && report.Longitude != nil {
		c.Point = &Geo{Lat: *report.Latitude, Lon: *report.Longitude}
	}

	if loss, ok := ParseEconomicLoss(report.EconomicLoss); ok {
		c.EconomicLoss = &loss
	}

	if report.MagnitudeValue != nil {
		unit := report.MagnitudeUnit
		if unit == "" {
			unit = InferMagnitudeUnit(report.DisasterType)
		}
		c.Magnitude = &Magnitude{Value: *report.MagnitudeValue, Unit: unit}
	}

	return c, nil
}
