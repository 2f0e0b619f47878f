package asymmetry

import (
	"sort"

	"github.com/tmakela/flowsift/internal/conf"
	"github.com/tmakela/flowsift/internal/flowtable"
)

// Flag marks one edge whose observed share of its group's magnitude exceeds
// the expected-uniform share by at least the configured ratio.
type Flag struct {
	OriginID      string
	DestinationID string
	Weight        float64
	ObservedShare float64 // weight / group total
	ExpectedShare float64 // 1 / destination count
	Ratio         float64 // observed / expected
}

// Rank sorts records descending by coefficient of variation, with Gini, top
// concentration ratio, and finally origin id as tie-breakers. The input slice
// is sorted in place and returned.
func Rank(records []Record) []Record {
	sort.Slice(records, func(i, j int) bool {
		a, b := &records[i], &records[j]
		if a.CV != b.CV {
			return a.CV > b.CV
		}
		if a.Gini != b.Gini {
			return a.Gini > b.Gini
		}
		if a.TopConcentrationRatio != b.TopConcentrationRatio {
			return a.TopConcentrationRatio > b.TopConcentrationRatio
		}
		return a.OriginID < b.OriginID
	})
	return records
}

// FlagConcentrated scans every edge of the table and materializes a flag when
// the observed/expected share ratio meets the threshold and the edge carries
// at least the minimum volume. Both thresholds come from configuration; the
// calibration is exploratory and is never hardcoded.
func FlagConcentrated(table *flowtable.Table, settings conf.FlaggingSettings) []Flag {
	var flags []Flag

	for _, origin := range table.Origins() {
		edges := table.EdgesFrom(origin)
		n := len(edges)
		if n == 0 {
			continue
		}

		total := table.GroupTotal(origin)
		if total <= 0 {
			continue
		}

		expected := 1 / float64(n)
		for i := range edges {
			weight := edges[i].Magnitude
			if weight < settings.MinEdgeVolume {
				continue
			}
			observed := weight / total
			ratio := observed / expected
			if ratio < settings.ShareRatio {
				continue
			}
			flags = append(flags, Flag{
				OriginID:      origin,
				DestinationID: edges[i].DestinationID,
				Weight:        weight,
				ObservedShare: observed,
				ExpectedShare: expected,
				Ratio:         ratio,
			})
		}
	}

	return flags
}
