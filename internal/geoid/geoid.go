// Package geoid resolves the raw entity identifiers returned by the flow
// source into canonical geographic entities. Identifier encodings differ by
// query type: a county-anchored query can return counterpart identifiers at
// state granularity or as international-region codes, and numeric identifiers
// frequently arrive with leading zeros stripped. Classification is by
// structural shape alone and never fails; unrecognized shapes are kept as
// unclassified aggregates so callers can filter instead of aborting.
package geoid

import (
	"fmt"
	"strings"
)

// Kind classifies a geographic entity.
type Kind string

const (
	KindCounty       Kind = "county"
	KindState        Kind = "state"
	KindCountry      Kind = "country"
	KindUnclassified Kind = "unclassified-aggregate"
)

// Role identifies which side of a flow an anchor entity was queried as.
type Role string

const (
	RoleOrigin      Role = "origin"
	RoleDestination Role = "destination"
)

// Entity is a canonical geographic entity. Entities are created once during
// normalization and never mutated.
type Entity struct {
	ID           string // canonical identifier, leading zeros restored
	Name         string // display name, falls back to the canonical id
	Kind         Kind
	ParentRegion string // region label for counties and states, empty otherwise
}

// IsPrimary reports whether the entity participates in domestic flow analysis.
// International regions and unclassified aggregates are excluded by callers.
func (e Entity) IsPrimary() bool {
	return e.Kind == KindCounty || e.Kind == KindState
}

// Normalizer turns raw identifiers into canonical entities using an injected
// classification service for name and region lookups.
type Normalizer struct {
	classifier *Classifier
}

// NewNormalizer creates a Normalizer backed by the given classifier.
func NewNormalizer(classifier *Classifier) *Normalizer {
	return &Normalizer{classifier: classifier}
}

// Normalize classifies a raw identifier by structural shape. The role records
// which anchor role produced the identifier; it does not change classification
// but is carried through to logging by callers. Normalize never fails:
// anything it cannot place becomes an unclassified aggregate.
func (n *Normalizer) Normalize(raw string, role Role) Entity {
	id := strings.TrimSpace(raw)

	switch {
	case id == "":
		return Entity{ID: raw, Name: raw, Kind: KindUnclassified}

	case isDigits(id) && len(id) <= 2:
		// State FIPS code, possibly missing its leading zero.
		canonical := padLeft(id, 2)
		return Entity{
			ID:           canonical,
			Name:         n.classifier.StateName(canonical),
			Kind:         KindState,
			ParentRegion: n.classifier.RegionOf(canonical),
		}

	case isDigits(id) && (len(id) == 4 || len(id) == 5):
		// County FIPS code; four digits means the state prefix lost a zero.
		canonical := padLeft(id, 5)
		state := canonical[:2]
		return Entity{
			ID:           canonical,
			Name:         n.classifier.CountyName(canonical),
			Kind:         KindCounty,
			ParentRegion: n.classifier.RegionOf(state),
		}

	case isDigits(id) && len(id) == 3:
		// Three-digit numeric codes are international-region aggregates when
		// they fall in the source's reserved band, otherwise unknown.
		if name, ok := n.classifier.InternationalRegion(id); ok {
			return Entity{ID: id, Name: name, Kind: KindCountry}
		}
		return Entity{ID: id, Name: id, Kind: KindUnclassified}

	case isAlpha(id) && len(id) == 3:
		// Alphabetic three-character codes name world regions directly.
		upper := strings.ToUpper(id)
		if name, ok := n.classifier.InternationalRegion(upper); ok {
			return Entity{ID: upper, Name: name, Kind: KindCountry}
		}
		return Entity{ID: upper, Name: upper, Kind: KindCountry}

	default:
		return Entity{ID: id, Name: id, Kind: KindUnclassified}
	}
}

// WithName returns a copy of the entity with the display name replaced, used
// when the flow source supplies a better name than the classifier tables.
func (e Entity) WithName(name string) Entity {
	if name == "" {
		return e
	}
	e.Name = name
	return e
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) > 0
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return fmt.Sprintf("%0*s", width, s)
}
