// conf/validate.go

package conf

import (
	"fmt"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateSourceSettings(&settings.Source); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateIngestSettings(&settings.Ingest); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateAnalysisSettings(&settings.Analysis); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}

	return nil
}

func validateSourceSettings(settings *SourceSettings) error {
	if settings.BaseURL == "" {
		return fmt.Errorf("source base URL must not be empty")
	}
	if settings.Timeout <= 0 {
		return fmt.Errorf("source timeout must be positive, got %d", settings.Timeout)
	}
	if settings.RateLimitMS < 0 {
		return fmt.Errorf("source rate limit must not be negative, got %d", settings.RateLimitMS)
	}
	if settings.Year < 2005 {
		return fmt.Errorf("source year must be 2005 or later, got %d", settings.Year)
	}
	return nil
}

func validateIngestSettings(settings *IngestSettings) error {
	if settings.Concurrency <= 0 {
		return fmt.Errorf("ingest concurrency must be positive, got %d", settings.Concurrency)
	}
	if settings.MaxRetries < 0 {
		return fmt.Errorf("ingest max retries must not be negative, got %d", settings.MaxRetries)
	}
	if settings.BackoffMS < 0 {
		return fmt.Errorf("ingest backoff must not be negative, got %d", settings.BackoffMS)
	}
	if settings.Timeout < 0 {
		return fmt.Errorf("ingest timeout must not be negative, got %d", settings.Timeout)
	}
	return nil
}

func validateAnalysisSettings(settings *AnalysisSettings) error {
	if settings.Eligibility.MinDestinations < 2 {
		return fmt.Errorf("minimum destinations must be at least 2, got %d", settings.Eligibility.MinDestinations)
	}
	if settings.Eligibility.MinTotalVolume < 0 {
		return fmt.Errorf("minimum total volume must not be negative, got %f", settings.Eligibility.MinTotalVolume)
	}
	if settings.Flagging.ShareRatio < 1 {
		return fmt.Errorf("share ratio threshold must be at least 1, got %f", settings.Flagging.ShareRatio)
	}
	if settings.Flagging.MinEdgeVolume < 0 {
		return fmt.Errorf("minimum edge volume must not be negative, got %f", settings.Flagging.MinEdgeVolume)
	}
	if settings.Tolerance < 0 {
		return fmt.Errorf("reconciliation tolerance must not be negative, got %f", settings.Tolerance)
	}
	return nil
}
