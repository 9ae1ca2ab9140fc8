package merge

import (
	"sort"

	"github.com/diagforge/refinery/pkg/mathx"
)

// Candidate is one pre-merge extracted entity competing to become the
// canonical representative of its normalized-text group.
type Candidate struct {
	ID            int64
	Text          string // designated field merge groups on
	Score         float64
	EvidenceCount int
	AvgTrust      float64
	AvgRelevance  float64
	ChunkIDs      []string

	// Numeric fields considered for range merging, keyed by field
	// name (e.g. "year_min", "year_max", "probability_weight").
	Numeric map[string]float64
}

// Rejected records a losing candidate's disposition.
type Rejected struct {
	ID       int64
	Reason   string
	WinnerID int64
}

// TextMergeResult is the outcome of merging one normalized-text group.
type TextMergeResult struct {
	Canonical Candidate
	Rejected  []Rejected
}

// MergeTextEntities groups candidates by Normalize(Text), keeps the
// highest-Score member of each group as canonical, sums
// EvidenceCount, averages AvgTrust/AvgRelevance over members with
// positive evidence, and unions ChunkIDs. Losing members are recorded
// as rejected with reason "duplicate_merged" (spec.md §4.4). A
// candidate whose normalized text is empty is dropped outright rather
// than merged into its own group (`group_duplicates` in
// `original_source/workers/conflict/merger.py` does the same).
func MergeTextEntities(candidates []Candidate) []TextMergeResult {
	groups := make(map[string][]Candidate)
	var order []string
	for _, c := range candidates {
		key := Normalize(c.Text)
		if key == "" {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	results := make([]TextMergeResult, 0, len(order))
	for _, key := range order {
		members := groups[key]
		results = append(results, mergeGroup(members))
	}
	return results
}

func mergeGroup(members []Candidate) TextMergeResult {
	sorted := make([]Candidate, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	winner := sorted[0]

	var trustValues, relevanceValues []float64
	evidenceSum := 0
	chunkSeen := make(map[string]bool)
	var chunkIDs []string
	for _, m := range sorted {
		evidenceSum += m.EvidenceCount
		if m.EvidenceCount > 0 {
			trustValues = append(trustValues, m.AvgTrust)
			relevanceValues = append(relevanceValues, m.AvgRelevance)
		}
		for _, cid := range m.ChunkIDs {
			if !chunkSeen[cid] {
				chunkSeen[cid] = true
				chunkIDs = append(chunkIDs, cid)
			}
		}
	}

	canonical := winner
	canonical.EvidenceCount = evidenceSum
	canonical.AvgTrust = mathx.Mean(trustValues)
	canonical.AvgRelevance = mathx.Mean(relevanceValues)
	canonical.ChunkIDs = chunkIDs

	var rejected []Rejected
	for _, m := range sorted[1:] {
		rejected = append(rejected, Rejected{ID: m.ID, Reason: "duplicate_merged", WinnerID: winner.ID})
	}

	return TextMergeResult{Canonical: canonical, Rejected: rejected}
}

// NumericMergeResult is the outcome of envelope-merging a group of
// numeric-range candidates that already refer to the same entity
// (e.g. all extractions of one DTC's year range from different
// sources).
type NumericMergeResult struct {
	Values      map[string]float64
	ConflictFlag bool
}

// rangeFieldPairs names the (min, max) field pairs treated as an
// envelope rather than averaged; any field not named here keeps the
// best candidate's value untouched.
var rangeFieldPairs = [][2]string{
	{"year_min", "year_max"},
}

// MergeNumericRanges implements spec.md §4.4's numeric-range merging:
// fewer than two candidates return the sole candidate's values
// unmodified. Otherwise a conflict is declared when any subsequent
// candidate's value for a field disagrees with the best candidate's
// by more than 20% relative, or is non-zero while the best is zero.
// On conflict, *_min fields take the minimum across candidates and
// *_max fields take the maximum; all other fields keep the best
// candidate's value.
func MergeNumericRanges(candidates []Candidate) NumericMergeResult {
	if len(candidates) <= 1 {
		if len(candidates) == 1 {
			return NumericMergeResult{Values: cloneNumeric(candidates[0].Numeric)}
		}
		return NumericMergeResult{Values: map[string]float64{}}
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	best := sorted[0]

	conflict := false
	fieldNames := make(map[string]bool)
	for _, c := range sorted {
		for name := range c.Numeric {
			fieldNames[name] = true
		}
	}
	for name := range fieldNames {
		bestVal := best.Numeric[name]
		for _, c := range sorted[1:] {
			val, ok := c.Numeric[name]
			if !ok {
				continue
			}
			if bestVal == 0 && val != 0 {
				conflict = true
				continue
			}
			if mathx.RelativeDiff(bestVal, val) > 0.20 {
				conflict = true
			}
		}
	}

	out := cloneNumeric(best.Numeric)
	if conflict {
		for _, pair := range rangeFieldPairs {
			minField, maxField := pair[0], pair[1]
			min, max := minMaxAcross(sorted, minField, maxField)
			if _, ok := fieldNames[minField]; ok {
				out[minField] = min
			}
			if _, ok := fieldNames[maxField]; ok {
				out[maxField] = max
			}
		}
	}

	return NumericMergeResult{Values: out, ConflictFlag: conflict}
}

func minMaxAcross(candidates []Candidate, minField, maxField string) (min, max float64) {
	first := true
	for _, c := range candidates {
		if v, ok := c.Numeric[minField]; ok {
			if first || v < min {
				min = v
			}
			first = false
		}
	}
	firstMax := true
	for _, c := range candidates {
		if v, ok := c.Numeric[maxField]; ok {
			if firstMax || v > max {
				max = v
			}
			firstMax = false
		}
	}
	return min, max
}

func cloneNumeric(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
