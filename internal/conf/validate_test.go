package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validSettings returns a settings struct that passes validation, matching
// the shipped defaults.
func validSettings() *Settings {
	return &Settings{
		Source: SourceSettings{
			BaseURL:     "https://api.census.gov/data",
			Timeout:     30,
			RateLimitMS: 200,
			Year:        2020,
		},
		Ingest: IngestSettings{
			Concurrency: 4,
			MaxRetries:  3,
			BackoffMS:   500,
		},
		Analysis: AnalysisSettings{
			Eligibility: EligibilitySettings{
				MinDestinations: 5,
				MinTotalVolume:  100,
			},
			Flagging: FlaggingSettings{
				ShareRatio:    2.0,
				MinEdgeVolume: 100,
			},
			Tolerance: 1.0,
		},
	}
}

func TestValidateSettings_Defaults(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettings_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantMsg string
	}{
		{
			name:    "empty base URL",
			mutate:  func(s *Settings) { s.Source.BaseURL = "" },
			wantMsg: "base URL must not be empty",
		},
		{
			name:    "zero source timeout",
			mutate:  func(s *Settings) { s.Source.Timeout = 0 },
			wantMsg: "timeout must be positive",
		},
		{
			name:    "negative rate limit",
			mutate:  func(s *Settings) { s.Source.RateLimitMS = -1 },
			wantMsg: "rate limit must not be negative",
		},
		{
			name:    "year before the source existed",
			mutate:  func(s *Settings) { s.Source.Year = 1999 },
			wantMsg: "year must be 2005 or later",
		},
		{
			name:    "zero concurrency",
			mutate:  func(s *Settings) { s.Ingest.Concurrency = 0 },
			wantMsg: "concurrency must be positive",
		},
		{
			name:    "negative retries",
			mutate:  func(s *Settings) { s.Ingest.MaxRetries = -1 },
			wantMsg: "max retries must not be negative",
		},
		{
			name:    "negative backoff",
			mutate:  func(s *Settings) { s.Ingest.BackoffMS = -1 },
			wantMsg: "backoff must not be negative",
		},
		{
			name:    "single destination eligibility",
			mutate:  func(s *Settings) { s.Analysis.Eligibility.MinDestinations = 1 },
			wantMsg: "minimum destinations must be at least 2",
		},
		{
			name:    "negative total volume",
			mutate:  func(s *Settings) { s.Analysis.Eligibility.MinTotalVolume = -1 },
			wantMsg: "minimum total volume must not be negative",
		},
		{
			name:    "share ratio below one",
			mutate:  func(s *Settings) { s.Analysis.Flagging.ShareRatio = 0.5 },
			wantMsg: "share ratio threshold must be at least 1",
		},
		{
			name:    "negative tolerance",
			mutate:  func(s *Settings) { s.Analysis.Tolerance = -0.1 },
			wantMsg: "tolerance must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			settings := validSettings()
			tt.mutate(settings)

			err := ValidateSettings(settings)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateSettings_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	settings := validSettings()
	settings.Source.BaseURL = ""
	settings.Ingest.Concurrency = 0
	settings.Analysis.Tolerance = -1

	err := ValidateSettings(settings)
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}
