package flowapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tmakela/flowsift/internal/geoid"
)

// Config holds the flow source client configuration
type Config struct {
	BaseURL     string        // base URL of the flow source API
	APIKey      string        // optional API key appended to requests
	Timeout     time.Duration // HTTP request timeout
	CacheTTL    time.Duration // response cache duration
	RateLimitMS int           // minimum milliseconds between API requests
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.census.gov/data",
		Timeout:     30 * time.Second,
		CacheTTL:    time.Hour,
		RateLimitMS: 200,
	}
}

// Magnitude is a flow magnitude as returned by the source. The source is not
// consistent about types: magnitudes arrive as JSON numbers, numeric strings,
// or null. Anything else unmarshals as invalid rather than failing the row
// batch.
type Magnitude struct {
	Value float64
	Valid bool
}

// UnmarshalJSON accepts numbers, numeric strings, and null.
func (m *Magnitude) UnmarshalJSON(data []byte) error {
	m.Valid = false
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var num float64
	if err := json.Unmarshal(trimmed, &num); err == nil {
		m.Value = num
		m.Valid = true
		return nil
	}

	var str string
	if err := json.Unmarshal(trimmed, &str); err == nil {
		if num, err := strconv.ParseFloat(str, 64); err == nil {
			m.Value = num
			m.Valid = true
		}
		return nil
	}

	// Unparseable magnitude, row is kept but marked invalid so the caller
	// can tally the drop.
	return nil
}

// FlowRow is one counterpart row from an anchor query. Only the direction
// matching the query's anchor role is populated; the client never synthesizes
// the reverse direction.
type FlowRow struct {
	CounterpartID   string    `json:"counterpart_id"`
	CounterpartName string    `json:"counterpart_name"`
	MagnitudeIn     Magnitude `json:"magnitude_in"`
	MagnitudeOut    Magnitude `json:"magnitude_out"`
}

// Magnitude returns the populated magnitude for the given anchor role.
// When the anchor was the destination the source reports inbound magnitude;
// when the anchor was the origin it reports outbound.
func (r *FlowRow) Magnitude(role geoid.Role) Magnitude {
	if role == geoid.RoleDestination {
		return r.MagnitudeIn
	}
	return r.MagnitudeOut
}

// EntityMetadata describes one entity, used only for eligibility configuration.
type EntityMetadata struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Population int64  `json:"population"`
}

// Error represents an error response from the flow source API
type Error struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Title
}
