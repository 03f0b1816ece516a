package domain

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEconomicLoss(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
		ok       bool
	}{
		{"millions with decimal", "10.5M", 10_500_000, true},
		{"thousands", "250K", 250_000, true},
		{"billions", "1.2B", 1_200_000_000, true},
		{"plain number", "1000", 1000, true},
		{"lowercase suffix", "3.5m", 3_500_000, true},
		{"whitespace", "  42K ", 42_000, true},
		{"empty string", "", 0, false},
		{"none marker", "NONE", 0, false},
		{"nan marker", "NaN", 0, false},
		{"garbage", "a lot", 0, false},
		{"bare suffix", "M", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := ParseEconomicLoss(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, v)
			}
		})
	}
}

func TestParseEventTime(t *testing.T) {
	t.Run("absolute layouts", func(t *testing.T) {
		tests := []struct {
			input    string
			expected time.Time
		}{
			{"2024-09-14T12:30:00Z", time.Date(2024, 9, 14, 12, 30, 0, 0, time.UTC)},
			{"2024-09-14T12:30:00", time.Date(2024, 9, 14, 12, 30, 0, 0, time.UTC)},
			{"2024-09-14 12:30:00", time.Date(2024, 9, 14, 12, 30, 0, 0, time.UTC)},
			{"2024-09-14", time.Date(2024, 9, 14, 0, 0, 0, 0, time.UTC)},
		}
		for _, tt := range tests {
			got, err := ParseEventTime(tt.input)
			require.NoError(t, err, tt.input)
			assert.Equal(t, tt.expected, got, tt.input)
		}
	})

	t.Run("relative markers resolve against the clock", func(t *testing.T) {
		SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.September, 14, 18, 45, 0, 0, time.UTC)))
		t.Cleanup(func() { SetClock(nil) })

		today, err := ParseEventTime("RELATIVE:today")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 9, 14, 0, 0, 0, 0, time.UTC), today)

		yesterday, err := ParseEventTime("RELATIVE:yesterday")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 9, 13, 0, 0, 0, 0, time.UTC), yesterday)
	})

	t.Run("unparsable shapes", func(t *testing.T) {
		for _, input := range []string{"", "last tuesday", "RELATIVE:last week", "14/09/2024"} {
			_, err := ParseEventTime(input)
			require.ErrorIs(t, err, ErrUnparsableTime, input)
		}
	})
}

func TestClassifyDisasterType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Classification
	}{
		{"earthquake", "Earthquake", Classification{Group: "Geophysical", Type: "Earthquake", Subtype: "Ground Shaking"}},
		{"tsunami wins over earthquake", "Earthquake and tsunami", Classification{Group: "Geophysical", Type: "Earthquake", Subtype: "Tsunami"}},
		{"typhoon", "Typhoon", Classification{Group: "Meteorological", Type: "Storm", Subtype: "Tropical Cyclone"}},
		{"plain flood", "Flooding", Classification{Group: "Hydrological", Type: "Flood", Subtype: "Riverine Flood"}},
		{"flash flood refinement", "Flash flood", Classification{Group: "Hydrological", Type: "Flood", Subtype: "Flash Flood"}},
		{"coastal flood refinement", "Coastal flooding", Classification{Group: "Hydrological", Type: "Flood", Subtype: "Coastal Flood"}},
		{"drought has no subtype", "Drought", Classification{Group: "Climatological", Type: "Drought"}},
		{"wildfire", "Forest fire", Classification{Group: "Climatological", Type: "Wildfire"}},
		{"case insensitive", "HURRICANE", Classification{Group: "Meteorological", Type: "Storm", Subtype: "Tropical Cyclone"}},
		{"unknown keeps original text", "Alien invasion", Classification{Group: "Unknown", Type: "Alien invasion"}},
		{"empty input", "", Classification{Group: "Unknown", Type: "Unknown"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyDisasterType(tt.input))
		})
	}
}

func TestClassifyDisasterType_Deterministic(t *testing.T) {
	first := ClassifyDisasterType("severe thunderstorm")
	for range 10 {
		assert.Equal(t, first, ClassifyDisasterType("severe thunderstorm"))
	}
}

func TestInferMagnitudeUnit(t *testing.T) {
	assert.Equal(t, "Richter", InferMagnitudeUnit("Earthquake"))
	assert.Equal(t, "km/h", InferMagnitudeUnit("Wind storm"))
	assert.Equal(t, "m", InferMagnitudeUnit("Flash flood"))
	assert.Equal(t, "unknown", InferMagnitudeUnit("Drought"))
}

func TestCountryISO3(t *testing.T) {
	assert.Equal(t, "USA", CountryISO3("US"))
	assert.Equal(t, "PHL", CountryISO3("ph"))
	assert.Equal(t, "", CountryISO3("XX"))
	assert.Equal(t, "", CountryISO3(""))
}
