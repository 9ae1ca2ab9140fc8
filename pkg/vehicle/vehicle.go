// Package vehicle implements the Vehicle Linker supplement
// (SPEC_FULL.md §4): a naive mention extractor that scans resolved
// DTC/cause/step text for (make, model, year) triples against
// vehicle.catalog and records the match as a dtc-to-vehicle link.
//
// Grounded on the teacher's pkg/masking pattern-matcher shape
// (AppliesTo/Mask split into a cheap pre-filter and a slower parse),
// generalized from masking Kubernetes Secret fields to extracting
// vehicle mentions from free text.
package vehicle

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/store"
)

// yearPattern matches a bare four-digit year between 1980 and 2039,
// the plausible range for DTC-bearing vehicles.
var yearPattern = regexp.MustCompile(`\b(19[89]\d|20[0-3]\d)\b`)

// Mention is one (make, model, year) triple found in a piece of text.
type Mention struct {
	Make  string
	Model string
	Year  int
}

// Linker extracts vehicle mentions from resolved text and records them
// against the catalog.
type Linker struct {
	vehicles *store.Vehicle
	catalog  []models.Vehicle
}

// New builds a Linker and loads the catalog's full (make, model) list
// once up front — the catalog is small and read-mostly, so reloading
// it per document would be wasted round-trips.
func New(ctx context.Context, vehicles *store.Vehicle) (*Linker, error) {
	catalog, err := vehicles.AllMakesModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("vehicle: failed to load catalog: %w", err)
	}
	return &Linker{vehicles: vehicles, catalog: catalog}, nil
}

// AppliesTo is a cheap pre-filter: skip the full scan when the text
// contains no four-digit year at all, since every mention this linker
// recognizes requires one.
func (l *Linker) AppliesTo(text string) bool {
	return yearPattern.MatchString(text)
}

// Extract scans text for every (make, model, year) triple it can find
// against the loaded catalog. Matching is case-insensitive and prefers
// the longest model name when more than one catalog model is a prefix
// of another (e.g. "F-150" before "F-1"), so longer, more specific
// names are tried first.
func (l *Linker) Extract(text string) []Mention {
	if !l.AppliesTo(text) {
		return nil
	}

	lower := strings.ToLower(text)
	candidates := l.sortedCandidates()

	var mentions []Mention
	seen := make(map[string]bool)
	var claimed [][2]int
	for _, c := range candidates {
		makeIdx := strings.Index(lower, strings.ToLower(c.Make))
		if makeIdx < 0 {
			continue
		}
		modelIdx := strings.Index(lower, strings.ToLower(c.Model))
		if modelIdx < 0 {
			continue
		}
		modelEnd := modelIdx + len(c.Model)
		covered := false
		for _, span := range claimed {
			if modelIdx < span[1] && modelEnd > span[0] {
				covered = true
				break
			}
		}
		if covered {
			continue
		}

		year := nearestYear(text, minInt(makeIdx, modelIdx))
		if year == 0 {
			continue
		}
		claimed = append(claimed, [2]int{modelIdx, modelEnd})

		key := fmt.Sprintf("%s|%s|%d", c.Make, c.Model, year)
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, Mention{Make: c.Make, Model: c.Model, Year: year})
	}
	return mentions
}

// sortedCandidates returns the distinct (make, model) pairs in the
// catalog, longest model name first, so "F-150" matches before a
// catalog entry whose model happens to be a prefix of it.
func (l *Linker) sortedCandidates() []models.Vehicle {
	seen := make(map[string]bool)
	var out []models.Vehicle
	for _, v := range l.catalog {
		key := strings.ToLower(v.Make) + "|" + strings.ToLower(v.Model)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].Model) > len(out[j].Model) })
	return out
}

// nearestYear finds the year digit run closest to position pos in
// text, used to associate a year with whichever make/model mention it
// sits nearest to.
func nearestYear(text string, pos int) int {
	matches := yearPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return 0
	}
	best := matches[0]
	bestDist := distance(best[0], pos)
	for _, m := range matches[1:] {
		if d := distance(m[0], pos); d < bestDist {
			best, bestDist = m, d
		}
	}
	year, _ := strconv.Atoi(text[best[0]:best[1]])
	return year
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// LinkResult summarizes one LinkText call.
type LinkResult struct {
	Linked  int
	Skipped int
}

// LinkText extracts vehicle mentions from every text in texts and
// records a dtc.vehicle link for each one found in the catalog.
// Confidence is fixed at 0.6 for a make+model+year match against the
// catalog's year range, 0.4 when the mention's year falls outside
// every catalog entry for that make/model but the make+model pair
// still exists — a deliberately conservative score reflecting how
// naive the text scan is (SPEC_FULL.md §4).
func (l *Linker) LinkText(ctx context.Context, dtcID int64, texts []string) (LinkResult, error) {
	var result LinkResult
	seen := make(map[int64]bool)

	for _, text := range texts {
		for _, mention := range l.Extract(text) {
			entry, err := l.vehicles.FindCatalogEntry(ctx, mention.Make, mention.Model, mention.Year)
			if err != nil {
				return result, fmt.Errorf("vehicle: failed to look up catalog entry for %s %s %d: %w", mention.Make, mention.Model, mention.Year, err)
			}
			if entry == nil {
				result.Skipped++
				continue
			}
			if seen[entry.ID] {
				continue
			}
			seen[entry.ID] = true

			confidence := 0.4
			if entry.YearStart <= mention.Year && (entry.YearEnd == nil || mention.Year <= *entry.YearEnd) {
				confidence = 0.6
			}
			if err := l.vehicles.LinkDTCVehicle(ctx, dtcID, entry.ID, confidence); err != nil {
				return result, fmt.Errorf("vehicle: failed to link dtc %d to vehicle %d: %w", dtcID, entry.ID, err)
			}
			result.Linked++
		}
	}
	return result, nil
}
