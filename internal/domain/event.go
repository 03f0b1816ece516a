package domain

import (
	"context"
	"encoding/json"
	"time"
)

// RawReport represents the flat JSON structure published to the staging topic
// by the source fetchers. Optional numeric fields are pointers so that "zero"
// and "absent" remain distinguishable.
type RawReport struct {
	SourceName     string          `json:"source_name"`
	SourceEventID  string          `json:"source_event_id"`
	ReportedTime   string          `json:"reported_time"` // ISO-8601 or "RELATIVE:<token>"
	LocationText   string          `json:"location_text,omitempty"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	DisasterType   string          `json:"disaster_type"`
	MagnitudeValue *float64        `json:"magnitude_value,omitempty"`
	MagnitudeUnit  string          `json:"magnitude_unit,omitempty"`
	Fatalities     *int64          `json:"fatalities,omitempty"`
	EconomicLoss   string          `json:"economic_loss,omitempty"`
	Affected       *int64          `json:"affected,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"` // original source payload, kept for audit
}

// RawEvent represents an unprocessed message from the staging topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Classification is the canonical (group, type, subtype) triple. Subtype may
// be empty. Triples are unique in the registry and never deleted.
type Classification struct {
	ID      int64  `json:"id"`
	Group   string `json:"group"`
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

// Key returns the content identity of the triple, used for uniqueness.
func (c Classification) Key() string {
	return c.Group + "|" + c.Type + "|" + c.Subtype
}

// Location is an entry in the location registry. Point is nil until the
// location has been geocoded; two locations closer than the configured
// proximity radius must not both exist.
type Location struct {
	ID          int64  `json:"id"`
	Name        string `json:"name,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	CountryISO3 string `json:"country_iso3,omitempty"`
	Point       *Geo   `json:"point,omitempty"`
	Geocoded    bool   `json:"geocoded"`
	Confidence  string `json:"confidence,omitempty"` // "source", "geocoder", "none"
}

// Magnitude captures a heterogeneous magnitude/unit pair as a uniform
// two-slot record. Immutable once created.
type Magnitude struct {
	ID             int64    `json:"id"`
	Value          float64  `json:"value"`
	Unit           string   `json:"unit"`
	SecondaryValue *float64 `json:"secondary_value,omitempty"`
	SecondaryUnit  string   `json:"secondary_unit,omitempty"`
}

// MasterEvent is the deduplicated, canonical representation of a real-world
// disaster. Totals use the max rule across merged sources; Confidence is 1.0
// for a singleton event and decreases as merged sources disagree.
type MasterEvent struct {
	ID               int64      `json:"id"`
	EventTime        time.Time  `json:"event_time"`
	EventTimeEnd     *time.Time `json:"event_time_end,omitempty"`
	ClassificationID int64      `json:"classification_id"`
	LocationID       int64      `json:"location_id"`
	MagnitudeID      *int64     `json:"magnitude_id,omitempty"`
	FatalitiesTotal  *int64     `json:"fatalities_total,omitempty"`
	EconomicLossUSD  *int64     `json:"economic_loss_usd,omitempty"`
	AffectedTotal    *int64     `json:"affected_total,omitempty"`
	IsMaster         bool       `json:"is_master"`
	Confidence       float64    `json:"confidence"`
}

// SourceLink ties a master event back to one originating raw report.
// A raw report links to exactly one master event once processed.
type SourceLink struct {
	MasterEventID int64           `json:"master_event_id"`
	SourceName    string          `json:"source_name"`
	SourceEventID string          `json:"source_event_id"`
	Weight        float64         `json:"weight"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
	LinkedAt      time.Time       `json:"linked_at"`
}

// MasterEventView is the consolidated read shape exposed to the dashboard:
// a master event joined with its dimensions and contributing source names.
type MasterEventView struct {
	MasterEvent
	Classification Classification `json:"classification"`
	Location       Location       `json:"location"`
	Magnitude      *Magnitude     `json:"magnitude,omitempty"`
	Sources        []string       `json:"sources"`
}

// OutcomeStatus is the terminal state of one raw report's pass through the
// deduplication engine.
type OutcomeStatus string

const (
	OutcomeMerged   OutcomeStatus = "merged"
	OutcomePromoted OutcomeStatus = "promoted"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomePending  OutcomeStatus = "pending" // conflict retry exhausted; eligible for a later pass
	OutcomeSkipped  OutcomeStatus = "skipped" // already processed (at-most-once per report)
)

// Outcome reports what the engine decided for a single raw report.
type Outcome struct {
	Status        OutcomeStatus
	MasterEventID int64  // set for merged/promoted/skipped
	Reason        string // set for rejected/pending
}

// UpdateNotice is published to the sink topic after every merge or promotion
// so downstream consumers can refresh the affected master event.
type UpdateNotice struct {
	MasterEventID int64         `json:"master_event_id"`
	Status        OutcomeStatus `json:"status"`
	SourceName    string        `json:"source_name"`
	SourceEventID string        `json:"source_event_id"`
	ProcessedAt   time.Time     `json:"processed_at"`
}
