// Package flowtable assembles raw flow observations from many anchor queries
// into one canonical directed flow table. The same directed edge can be
// observed twice, once from a query anchored at its destination and once from
// a query anchored at its origin, and the two magnitudes do not always agree.
package flowtable

import (
	"sort"

	"github.com/tmakela/flowsift/internal/geoid"
)

// RawEdge is a single directed flow observation as produced by one ingestion
// call, before deduplication. Origin and destination ids are canonical.
type RawEdge struct {
	OriginID      string
	DestinationID string
	Magnitude     float64
	AnchorID      string     // the anchor entity of the query that produced this row
	AnchorRole    geoid.Role // the role the anchor was queried in
	SourceTag     string     // identifies the ingestion call, e.g. "2020/06037/destination"
}

// Edge is a canonical, deduplicated directed flow.
type Edge struct {
	OriginID      string
	DestinationID string
	Magnitude     float64
	// ObservedDirection records which anchor role produced the winning
	// observation, so statistics can detect direction-biased coverage
	// instead of conflating the source's query asymmetry with the
	// phenomenon under study.
	ObservedDirection geoid.Role
	SourceTag         string
}

// ReconciliationNote records a duplicate observation that was resolved by the
// authority rule rather than silently discarded.
type ReconciliationNote struct {
	OriginID      string
	DestinationID string
	Kept          float64
	Discarded     float64
	KeptRole      geoid.Role
	Reason        string
}

// DropStats tallies rows excluded during assembly.
type DropStats struct {
	NonPositive int // rows with zero, negative, or missing magnitude
	SelfLoops   int // rows where origin and destination are the same entity
}

// Total returns the total number of dropped rows.
func (d DropStats) Total() int {
	return d.NonPositive + d.SelfLoops
}

// Table is the canonical flow table, indexed by origin.
type Table struct {
	byOrigin map[string][]Edge
	count    int
}

// Assembler merges raw edges into a canonical table.
type Assembler struct {
	// Tolerance is the absolute magnitude difference within which two
	// observations of the same edge are considered to agree, covering the
	// source's own rounding.
	Tolerance float64
}

// edgeKey identifies a directed pair.
type edgeKey struct {
	origin      string
	destination string
}

// Assemble deduplicates raw edges into a canonical table. Duplicate
// observations that agree within the tolerance keep the first seen; when they
// disagree, the observation whose anchor owns the edge's direction wins: the
// destination-anchored query is authoritative for inbound magnitude. Every
// override is recorded as a reconciliation note.
func (a *Assembler) Assemble(raw []RawEdge) (*Table, []ReconciliationNote, DropStats) {
	var drops DropStats
	var notes []ReconciliationNote
	canonical := make(map[edgeKey]Edge)

	for i := range raw {
		r := &raw[i]

		if r.Magnitude <= 0 {
			drops.NonPositive++
			continue
		}
		if r.OriginID == r.DestinationID {
			drops.SelfLoops++
			continue
		}

		key := edgeKey{origin: r.OriginID, destination: r.DestinationID}
		candidate := Edge{
			OriginID:          r.OriginID,
			DestinationID:     r.DestinationID,
			Magnitude:         r.Magnitude,
			ObservedDirection: r.AnchorRole,
			SourceTag:         r.SourceTag,
		}

		existing, seen := canonical[key]
		if !seen {
			canonical[key] = candidate
			continue
		}

		kept, note := reconcile(existing, candidate, a.Tolerance)
		canonical[key] = kept
		if note != nil {
			notes = append(notes, *note)
		}
	}

	table := &Table{byOrigin: make(map[string][]Edge)}
	for _, edge := range canonical {
		table.byOrigin[edge.OriginID] = append(table.byOrigin[edge.OriginID], edge)
		table.count++
	}

	// Stable per-origin order for reproducible outputs.
	for origin := range table.byOrigin {
		edges := table.byOrigin[origin]
		sort.Slice(edges, func(i, j int) bool {
			return edges[i].DestinationID < edges[j].DestinationID
		})
	}

	return table, notes, drops
}

// reconcile resolves two observations of the same directed edge.
func reconcile(existing, candidate Edge, tolerance float64) (Edge, *ReconciliationNote) {
	diff := existing.Magnitude - candidate.Magnitude
	if diff < 0 {
		diff = -diff
	}
	if diff <= tolerance {
		// Within the source's rounding, either observation serves.
		return existing, nil
	}

	// The destination-anchored query owns the inbound magnitude of a
	// directed edge. When both observations share a role there is no
	// authority to appeal to; the first seen is kept and the conflict is
	// still noted.
	var winner, loser Edge
	switch {
	case existing.ObservedDirection == candidate.ObservedDirection:
		winner, loser = existing, candidate
	case candidate.ObservedDirection == geoid.RoleDestination:
		winner, loser = candidate, existing
	default:
		winner, loser = existing, candidate
	}

	note := &ReconciliationNote{
		OriginID:      winner.OriginID,
		DestinationID: winner.DestinationID,
		Kept:          winner.Magnitude,
		Discarded:     loser.Magnitude,
		KeptRole:      winner.ObservedDirection,
		Reason:        reconcileReason(existing, candidate),
	}
	return winner, note
}

func reconcileReason(existing, candidate Edge) string {
	if existing.ObservedDirection == candidate.ObservedDirection {
		return "conflicting observations share anchor role, first retained"
	}
	return "destination-anchored observation authoritative for inbound magnitude"
}

// EdgesFrom returns the canonical edges leaving the given origin. The
// returned slice is shared with the table and must not be mutated.
func (t *Table) EdgesFrom(originID string) []Edge {
	return t.byOrigin[originID]
}

// Origins returns all origin ids in lexicographic order.
func (t *Table) Origins() []string {
	origins := make([]string, 0, len(t.byOrigin))
	for origin := range t.byOrigin {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins
}

// EdgeCount returns the number of canonical edges.
func (t *Table) EdgeCount() int {
	return t.count
}

// TotalMagnitude returns the sum of all canonical edge magnitudes.
func (t *Table) TotalMagnitude() float64 {
	var total float64
	for _, edges := range t.byOrigin {
		for i := range edges {
			total += edges[i].Magnitude
		}
	}
	return total
}

// GroupTotal returns the total outgoing magnitude for one origin.
func (t *Table) GroupTotal(originID string) float64 {
	var total float64
	for _, edge := range t.byOrigin[originID] {
		total += edge.Magnitude
	}
	return total
}
