// Package scoring implements the deterministic S(entity, context)
// function (spec.md §4.3) used to rank extracted knowledge candidates
// during merge and resolution. Grounded on the small, dependency-free
// math helper style of jordigilh-kubernaut's pkg/shared/math test
// surface (Mean/StandardDeviation/clamp-style helpers), reused here
// via pkg/mathx.
package scoring

import (
	"sort"

	"github.com/diagforge/refinery/pkg/mathx"
)

// Kind selects which Practical Impact formula applies to an entity.
type Kind string

const (
	KindFix        Kind = "fix"
	KindCause      Kind = "cause"
	KindSymptom    Kind = "symptom"
	KindForumThread Kind = "forum_thread"
	KindOther      Kind = "other"
)

// Entity carries the fields S needs. Not every field applies to every
// Kind; zero values are harmless for the ones that don't.
type Entity struct {
	Kind              Kind
	EvidenceCount     int
	AvgTrust          float64
	AvgRelevance      float64
	Repairs           int
	ProbabilityWeight float64
	FrequencyScore    float64
	MarkedSolution    bool

	VehicleMake     string
	VehicleModel    string
	VehicleYearMin  int
	VehicleYearMax  int // 0 means absent (no upper bound)
}

// Context is the vehicle the candidate is being scored against. A
// nil/zero Context means "no context" (spec.md §4.3).
type Context struct {
	Make  string
	Model string
	Year  int // 0 means unspecified
}

// Score is the breakdown behind a single S(entity, context) call.
type Score struct {
	EvidenceQuality    float64
	Consensus          float64
	VehicleSpecificity float64
	PracticalImpact    float64
}

// Total sums the four sub-scores.
func (s Score) Total() float64 {
	return s.EvidenceQuality + s.Consensus + s.VehicleSpecificity + s.PracticalImpact
}

// Compute evaluates S(entity, context) and returns its breakdown.
func Compute(e Entity, ctx *Context) Score {
	return Score{
		EvidenceQuality:    evidenceQuality(e),
		Consensus:          consensus(e),
		VehicleSpecificity: vehicleSpecificity(e, ctx),
		PracticalImpact:    practicalImpact(e),
	}
}

func evidenceQuality(e Entity) float64 {
	trust := mathx.Clamp(e.AvgTrust, 0, 1)
	relevance := mathx.Clamp(e.AvgRelevance, 0, 1)
	return 50 * (0.65*trust + 0.35*relevance)
}

func consensus(e Entity) float64 {
	return 20 * mathx.LogCap(float64(e.EvidenceCount), 10)
}

// vehicleSpecificity implements the ladder of spec.md §4.3 exactly:
// no context and context without a make on the entity both score 6,
// and any outright
// mismatch is penalized harder than an unconstrained match is
// rewarded.
func vehicleSpecificity(e Entity, ctx *Context) float64 {
	if ctx == nil {
		return 6
	}
	if e.VehicleMake == "" {
		return 6
	}
	if !stringsEqualFold(e.VehicleMake, ctx.Make) {
		return -20
	}
	if e.VehicleModel == "" {
		return 12
	}
	if !stringsEqualFold(e.VehicleModel, ctx.Model) {
		return -20
	}
	if ctx.Year == 0 {
		return 20
	}
	if e.VehicleYearMin == 0 {
		return 20
	}
	if ctx.Year < e.VehicleYearMin {
		return -20
	}
	if e.VehicleYearMax != 0 && ctx.Year > e.VehicleYearMax {
		return -20
	}
	return 20
}

func practicalImpact(e Entity) float64 {
	switch e.Kind {
	case KindFix:
		return 10 * mathx.LogCap(float64(e.Repairs), 50)
	case KindCause:
		return 10 * mathx.Clamp(e.ProbabilityWeight, 0, 1)
	case KindSymptom:
		return 10 * mathx.Clamp(e.FrequencyScore/10, 0, 1)
	case KindForumThread:
		if e.MarkedSolution {
			return 6
		}
		return 0
	default:
		return 0
	}
}

func stringsEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Ranked pairs an entity's identity with its computed Score, used by
// Sort.
type Ranked struct {
	ID            int64
	Score         Score
	EvidenceCount int
	AvgTrust      float64
	AvgRelevance  float64
}

// Sort orders candidates by the stable tie-break chain of spec.md
// §4.3: (−S, −evidence_count, −avg_trust, −avg_relevance, id asc).
func Sort(items []Ranked) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		at, bt := a.Score.Total(), b.Score.Total()
		if at != bt {
			return at > bt
		}
		if a.EvidenceCount != b.EvidenceCount {
			return a.EvidenceCount > b.EvidenceCount
		}
		if a.AvgTrust != b.AvgTrust {
			return a.AvgTrust > b.AvgTrust
		}
		if a.AvgRelevance != b.AvgRelevance {
			return a.AvgRelevance > b.AvgRelevance
		}
		return a.ID < b.ID
	})
}
