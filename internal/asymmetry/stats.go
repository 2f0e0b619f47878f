// Package asymmetry computes per-origin concentration statistics over a
// canonical flow table and ranks origin groups by how unevenly their outgoing
// magnitude is spread across destinations.
package asymmetry

import (
	"math"
	"sort"

	"github.com/tmakela/flowsift/internal/conf"
	"github.com/tmakela/flowsift/internal/flowtable"
)

// Record holds the concentration statistics of one origin group.
type Record struct {
	OriginID              string
	TotalMagnitude        float64
	DestinationCount      int
	CV                    float64 // coefficient of variation, stddev/mean
	Gini                  float64 // uncorrected Gini coefficient, range [0, 1-1/n]
	TopConcentrationRatio float64 // max weight / total, in (0, 1]
	TopDestinationID      string  // first maximal destination in lexicographic order
}

// Engine computes records for eligible origin groups.
type Engine struct {
	settings conf.EligibilitySettings
}

// NewEngine creates a statistics engine with the given eligibility thresholds.
func NewEngine(settings conf.EligibilitySettings) *Engine {
	return &Engine{settings: settings}
}

// Compute derives one record per eligible origin group. Groups failing the
// eligibility thresholds, or whose metrics are undefined (fewer than two
// destinations, zero mean), are excluded rather than zeroed: an ineligible
// group is an expected outcome, not a failure.
func (e *Engine) Compute(table *flowtable.Table) []Record {
	var records []Record

	for _, origin := range table.Origins() {
		edges := table.EdgesFrom(origin)

		n := len(edges)
		if n < 2 || n < e.settings.MinDestinations {
			continue
		}

		weights := make([]float64, n)
		var total float64
		for i := range edges {
			weights[i] = edges[i].Magnitude
			total += edges[i].Magnitude
		}
		if total < e.settings.MinTotalVolume {
			continue
		}

		mean := total / float64(n)
		if mean == 0 {
			// CV undefined, group excluded from ranking.
			continue
		}

		records = append(records, Record{
			OriginID:              origin,
			TotalMagnitude:        total,
			DestinationCount:      n,
			CV:                    coefficientOfVariation(weights, mean),
			Gini:                  gini(weights),
			TopConcentrationRatio: topRatio(weights, total),
			TopDestinationID:      topDestination(edges),
		})
	}

	return records
}

// coefficientOfVariation returns population stddev divided by mean.
func coefficientOfVariation(weights []float64, mean float64) float64 {
	var sumSquares float64
	for _, w := range weights {
		d := w - mean
		sumSquares += d * d
	}
	stddev := math.Sqrt(sumSquares / float64(len(weights)))
	return stddev / mean
}

// gini computes the uncorrected Gini coefficient over a weight vector:
// for ascending-sorted weights, G = (2*sum(i*w_i))/(n*sum(w)) - (n+1)/n
// with 1-based i. Range is [0, 1-1/n]; no small-sample correction applied.
func gini(weights []float64) float64 {
	n := len(weights)
	sorted := make([]float64, n)
	copy(sorted, weights)
	sort.Float64s(sorted)

	var total, weightedRankSum float64
	for i, w := range sorted {
		total += w
		weightedRankSum += float64(i+1) * w
	}
	if total == 0 {
		return 0
	}

	nf := float64(n)
	return (2*weightedRankSum)/(nf*total) - (nf+1)/nf
}

// topRatio returns the share of the total captured by the largest weight.
func topRatio(weights []float64, total float64) float64 {
	maxWeight := weights[0]
	for _, w := range weights[1:] {
		if w > maxWeight {
			maxWeight = w
		}
	}
	return maxWeight / total
}

// topDestination returns the destination holding the maximum weight. Edges
// arrive sorted lexicographically by destination id, so ties resolve to the
// first in that canonical order for reproducibility.
func topDestination(edges []flowtable.Edge) string {
	best := 0
	for i := 1; i < len(edges); i++ {
		if edges[i].Magnitude > edges[best].Magnitude {
			best = i
		}
	}
	return edges[best].DestinationID
}
