package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrUnparsableTime marks a reported time that is neither ISO-8601 nor a
// known relative marker. Callers treat it as "reject this report".
var ErrUnparsableTime = errors.New("unparsable reported time")

// lossMultipliers maps the single-letter magnitude suffixes used by economic
// loss strings to their factors.
var lossMultipliers = map[byte]int64{
	'K': 1_000,
	'M': 1_000_000,
	'B': 1_000_000_000,
}

// ParseEconomicLoss parses an economic-loss string ("10.5M", "250K", "1000")
// into an integer USD amount. It returns ok=false for empty or malformed
// input; upstream sources routinely supply garbage here, so this never errors.
func ParseEconomicLoss(s string) (int64, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "NONE" || s == "NAN" {
		return 0, false
	}

	multiplier := int64(1)
	if m, ok := lossMultipliers[s[len(s)-1]]; ok {
		multiplier = m
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(v * float64(multiplier)), true
}

// eventTimeLayouts are the accepted absolute time shapes, tried in order.
var eventTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseEventTime parses an absolute ISO-8601 date/datetime or a relative
// marker of the form "RELATIVE:<token>". Relative dates resolve against the
// package clock at midnight UTC. Any other shape fails with ErrUnparsableTime.
func ParseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrUnparsableTime
	}

	if rest, ok := strings.CutPrefix(s, "RELATIVE:"); ok {
		now := clock.Now().UTC()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		switch strings.ToLower(rest) {
		case "today":
			return today, nil
		case "yesterday":
			return today.AddDate(0, 0, -1), nil
		default:
			return time.Time{}, ErrUnparsableTime
		}
	}

	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrUnparsableTime
}

// classificationRule maps a set of free-text terms to a canonical triple.
// Rules are evaluated in order; the first term match wins.
type classificationRule struct {
	terms  []string
	triple Classification
}

// classificationRules follows the EM-DAT group/type/subtype taxonomy.
// "flash"/"coastal" flood refinement happens in ClassifyDisasterType.
var classificationRules = []classificationRule{
	{[]string{"tsunami"}, Classification{Group: "Geophysical", Type: "Earthquake", Subtype: "Tsunami"}},
	{[]string{"earthquake", "seismic", "tremor"}, Classification{Group: "Geophysical", Type: "Earthquake", Subtype: "Ground Shaking"}},
	{[]string{"volcano", "volcanic", "eruption"}, Classification{Group: "Geophysical", Type: "Volcano", Subtype: "Volcanic Activity"}},
	{[]string{"landslide", "mudslide"}, Classification{Group: "Geophysical", Type: "Mass Movement", Subtype: "Landslide"}},
	{[]string{"cyclone", "hurricane", "typhoon"}, Classification{Group: "Meteorological", Type: "Storm", Subtype: "Tropical Cyclone"}},
	{[]string{"tornado", "twister"}, Classification{Group: "Meteorological", Type: "Storm", Subtype: "Tornado"}},
	{[]string{"storm", "thunderstorm"}, Classification{Group: "Meteorological", Type: "Storm", Subtype: "Severe Storm"}},
	{[]string{"flood", "flooding"}, Classification{Group: "Hydrological", Type: "Flood", Subtype: "Riverine Flood"}},
	{[]string{"drought", "dry spell"}, Classification{Group: "Climatological", Type: "Drought"}},
	{[]string{"wildfire", "forest fire", "fire"}, Classification{Group: "Climatological", Type: "Wildfire"}},
	{[]string{"heat wave", "extreme heat"}, Classification{Group: "Meteorological", Type: "Extreme Temperature", Subtype: "Heat Wave"}},
	{[]string{"cold wave", "extreme cold", "freeze"}, Classification{Group: "Meteorological", Type: "Extreme Temperature", Subtype: "Cold Wave"}},
}

// ClassifyDisasterType maps free disaster-type text to a canonical triple.
// Classification is total: unknown text yields the Unknown group with the
// original text preserved as the type, never an error.
func ClassifyDisasterType(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Group: "Unknown", Type: "Unknown"}
	}

	lower := strings.ToLower(trimmed)
	for _, rule := range classificationRules {
		for _, term := range rule.terms {
			if !strings.Contains(lower, term) {
				continue
			}
			triple := rule.triple
			if triple.Type == "Flood" {
				switch {
				case strings.Contains(lower, "flash"):
					triple.Subtype = "Flash Flood"
				case strings.Contains(lower, "coastal"):
					triple.Subtype = "Coastal Flood"
				}
			}
			return triple
		}
	}
	return Classification{Group: "Unknown", Type: trimmed}
}

// InferMagnitudeUnit guesses the measurement unit for a bare magnitude value
// based on the disaster type: Richter for earthquakes, km/h for storms and
// wind, meters (water level) for floods.
func InferMagnitudeUnit(disasterType string) string {
	lower := strings.ToLower(disasterType)
	switch {
	case strings.Contains(lower, "earthquake"):
		return "Richter"
	case strings.Contains(lower, "storm"), strings.Contains(lower, "wind"):
		return "km/h"
	case strings.Contains(lower, "flood"):
		return "m"
	default:
		return "unknown"
	}
}

// iso2ToISO3 covers the country codes the geocoding provider returns for the
// regions the fetchers report on. Unknown codes map to "".
var iso2ToISO3 = map[string]string{
	"US": "USA", "IN": "IND", "CN": "CHN", "JP": "JPN",
	"GB": "GBR", "FR": "FRA", "DE": "DEU", "IT": "ITA",
	"BR": "BRA", "MX": "MEX", "CA": "CAN", "AU": "AUS",
	"ID": "IDN", "PK": "PAK", "BD": "BGD", "NP": "NPL",
	"PH": "PHL", "TR": "TUR", "IR": "IRN", "CL": "CHL",
	"PE": "PER", "NZ": "NZL", "ES": "ESP", "GR": "GRC",
}

// CountryISO3 converts an ISO-3166 alpha-2 country code to alpha-3.
// Returns "" for unknown or empty input.
func CountryISO3(iso2 string) string {
	return iso2ToISO3[strings.ToUpper(strings.TrimSpace(iso2))]
}
