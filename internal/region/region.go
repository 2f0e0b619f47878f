// Package region groups asymmetry records by an externally supplied region
// classification and produces comparative summaries.
package region

import (
	"sort"

	"github.com/tmakela/flowsift/internal/asymmetry"
	"github.com/tmakela/flowsift/internal/geoid"
)

// Summary compares concentration statistics across one region's origin groups.
type Summary struct {
	Region   string
	NGroups  int
	MeanCV   float64
	MedianCV float64
}

// Aggregator groups records by region using the shared classifier.
type Aggregator struct {
	classifier *geoid.Classifier
}

// NewAggregator creates an Aggregator backed by the given classifier.
func NewAggregator(classifier *geoid.Classifier) *Aggregator {
	return &Aggregator{classifier: classifier}
}

// Summarize groups records by region label and computes mean and median CV
// per region. Regions with fewer than two qualifying groups are excluded so a
// single sample is never presented as a group statistic; records whose entity
// has no region mapping are likewise left out.
func (a *Aggregator) Summarize(records []asymmetry.Record) []Summary {
	cvsByRegion := make(map[string][]float64)
	for i := range records {
		label := a.classifier.RegionOf(records[i].OriginID)
		if label == "" {
			continue
		}
		cvsByRegion[label] = append(cvsByRegion[label], records[i].CV)
	}

	summaries := make([]Summary, 0, len(cvsByRegion))
	for label, cvs := range cvsByRegion {
		if len(cvs) < 2 {
			continue
		}
		summaries = append(summaries, Summary{
			Region:   label,
			NGroups:  len(cvs),
			MeanCV:   mean(cvs),
			MedianCV: median(cvs),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Region < summaries[j].Region
	})
	return summaries
}

func mean(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
