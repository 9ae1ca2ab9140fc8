package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "catalytic converter efficiency", Normalize("  Catalytic   Converter, Efficiency!  "))
	assert.Equal(t, "p0420 catalyst-system low", Normalize("P0420: Catalyst-System (Low)"))
	assert.Equal(t, "o2 sensor heater circuit", Normalize("O₂ Sensor Heater Circuit"))
}

func TestMergeTextEntities_GroupsAndAggregates(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Text: "Check oxygen sensor wiring", Score: 80, EvidenceCount: 2, AvgTrust: 0.8, AvgRelevance: 0.6, ChunkIDs: []string{"c1"}},
		{ID: 2, Text: "check  oxygen sensor wiring", Score: 60, EvidenceCount: 1, AvgTrust: 0.4, AvgRelevance: 0.5, ChunkIDs: []string{"c2"}},
		{ID: 3, Text: "Replace fuel injector", Score: 90, EvidenceCount: 3, AvgTrust: 0.9, AvgRelevance: 0.9, ChunkIDs: []string{"c3"}},
	}
	results := MergeTextEntities(candidates)
	assert.Len(t, results, 2)

	wiring := results[0]
	assert.Equal(t, int64(1), wiring.Canonical.ID)
	assert.Equal(t, 3, wiring.Canonical.EvidenceCount)
	assert.InDelta(t, 0.6, wiring.Canonical.AvgTrust, 1e-9)
	assert.ElementsMatch(t, []string{"c1", "c2"}, wiring.Canonical.ChunkIDs)
	require := assert.New(t)
	require.Len(wiring.Rejected, 1)
	require.Equal(int64(2), wiring.Rejected[0].ID)
	require.Equal("duplicate_merged", wiring.Rejected[0].Reason)
	require.Equal(int64(1), wiring.Rejected[0].WinnerID)
}

func TestMergeTextEntities_DropsCandidatesWithEmptyNormalizedText(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Text: "", Score: 50, EvidenceCount: 1, ChunkIDs: []string{"c1"}},
		{ID: 2, Text: "!!!", Score: 50, EvidenceCount: 1, ChunkIDs: []string{"c2"}}, // normalizes to ""
		{ID: 3, Text: "Replace fuel injector", Score: 90, EvidenceCount: 1, ChunkIDs: []string{"c3"}},
	}
	results := MergeTextEntities(candidates)
	require := assert.New(t)
	require.Len(results, 1, "empty-text candidates must be dropped, not emitted as their own canonical group")
	require.Equal(int64(3), results[0].Canonical.ID)
}

func TestMergeNumericRanges_SingleCandidate(t *testing.T) {
	result := MergeNumericRanges([]Candidate{
		{ID: 1, Numeric: map[string]float64{"year_min": 2015, "year_max": 2019}},
	})
	assert.False(t, result.ConflictFlag)
	assert.Equal(t, 2015.0, result.Values["year_min"])
	assert.Equal(t, 2019.0, result.Values["year_max"])
}

func TestMergeNumericRanges_NoConflictWithinTolerance(t *testing.T) {
	result := MergeNumericRanges([]Candidate{
		{ID: 1, Score: 90, Numeric: map[string]float64{"probability_weight": 0.50}},
		{ID: 2, Score: 80, Numeric: map[string]float64{"probability_weight": 0.55}},
	})
	assert.False(t, result.ConflictFlag)
	assert.Equal(t, 0.50, result.Values["probability_weight"])
}

func TestMergeNumericRanges_ConflictBuildsEnvelope(t *testing.T) {
	result := MergeNumericRanges([]Candidate{
		// probability_weight 0.5 vs 0.9 differs by 80% relative, which
		// declares the conflict; the year fields alone differ by well
		// under 20% relative.
		{ID: 1, Score: 90, Numeric: map[string]float64{"year_min": 2015, "year_max": 2017, "probability_weight": 0.5}},
		{ID: 2, Score: 80, Numeric: map[string]float64{"year_min": 2010, "year_max": 2022, "probability_weight": 0.9}},
	})
	assert.True(t, result.ConflictFlag)
	assert.Equal(t, 2010.0, result.Values["year_min"])
	assert.Equal(t, 2022.0, result.Values["year_max"])
}

func TestMergeNumericRanges_ZeroVsNonzeroIsConflict(t *testing.T) {
	result := MergeNumericRanges([]Candidate{
		{ID: 1, Score: 90, Numeric: map[string]float64{"probability_weight": 0}},
		{ID: 2, Score: 80, Numeric: map[string]float64{"probability_weight": 0.3}},
	})
	assert.True(t, result.ConflictFlag)
}
