package asymmetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmakela/flowsift/internal/conf"
)

func TestRank_Ordering(t *testing.T) {
	records := []Record{
		{OriginID: "low", CV: 0.2},
		{OriginID: "high", CV: 1.8},
		{OriginID: "mid", CV: 0.9},
	}

	ranked := Rank(records)

	assert.Equal(t, "high", ranked[0].OriginID)
	assert.Equal(t, "mid", ranked[1].OriginID)
	assert.Equal(t, "low", ranked[2].OriginID)
}

func TestRank_TieBreakers(t *testing.T) {
	records := []Record{
		{OriginID: "b", CV: 1.0, Gini: 0.5, TopConcentrationRatio: 0.4},
		{OriginID: "a", CV: 1.0, Gini: 0.5, TopConcentrationRatio: 0.4},
		{OriginID: "c", CV: 1.0, Gini: 0.7, TopConcentrationRatio: 0.3},
		{OriginID: "d", CV: 1.0, Gini: 0.5, TopConcentrationRatio: 0.6},
	}

	ranked := Rank(records)

	// Gini first, then top ratio, then origin id for full determinism.
	assert.Equal(t, "c", ranked[0].OriginID)
	assert.Equal(t, "d", ranked[1].OriginID)
	assert.Equal(t, "a", ranked[2].OriginID)
	assert.Equal(t, "b", ranked[3].OriginID)
}

func TestFlagConcentrated_ScenarioMatrix(t *testing.T) {
	settings := conf.FlaggingSettings{ShareRatio: 2.0, MinEdgeVolume: 100}

	t.Run("dominant_edge_flagged", func(t *testing.T) {
		// Weights [100,10,10,10,10]: observed share 100/140 ≈ 0.714,
		// expected 0.20, ratio ≈ 3.57 and weight 100 meets the floor.
		table := buildTable(t, map[string][]float64{
			"X": {100, 10, 10, 10, 10},
		})

		flags := FlagConcentrated(table, settings)
		require.Len(t, flags, 1)

		f := flags[0]
		assert.Equal(t, "X", f.OriginID)
		assert.Equal(t, "X-dest-00", f.DestinationID)
		assert.InDelta(t, 100.0/140.0, f.ObservedShare, 1e-9)
		assert.InDelta(t, 0.20, f.ExpectedShare, 1e-9)
		assert.InDelta(t, 3.5714, f.Ratio, 0.001)
	})

	t.Run("ratio_met_but_volume_floor_not", func(t *testing.T) {
		// Same shape scaled down: ratio unchanged, weight 50 < 100.
		table := buildTable(t, map[string][]float64{
			"X": {50, 5, 5, 5, 5},
		})
		assert.Empty(t, FlagConcentrated(table, settings))
	})

	t.Run("volume_met_but_ratio_not", func(t *testing.T) {
		table := buildTable(t, map[string][]float64{
			"X": {120, 110, 100, 115, 105},
		})
		assert.Empty(t, FlagConcentrated(table, settings))
	})

	t.Run("uniform_group_not_flagged", func(t *testing.T) {
		table := buildTable(t, map[string][]float64{
			"X": {200, 200, 200, 200},
		})
		assert.Empty(t, FlagConcentrated(table, settings))
	})
}

func TestFlagConcentrated_ThresholdsFromConfiguration(t *testing.T) {
	table := buildTable(t, map[string][]float64{
		"X": {100, 10, 10, 10, 10},
	})

	// A stricter ratio excludes the same edge the defaults flag.
	strict := conf.FlaggingSettings{ShareRatio: 4.0, MinEdgeVolume: 100}
	assert.Empty(t, FlagConcentrated(table, strict))

	// A looser volume floor flags smaller edges too.
	loose := conf.FlaggingSettings{ShareRatio: 2.0, MinEdgeVolume: 1}
	assert.NotEmpty(t, FlagConcentrated(table, loose))
}
