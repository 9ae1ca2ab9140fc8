package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute_EvidenceQuality(t *testing.T) {
	s := Compute(Entity{AvgTrust: 1, AvgRelevance: 1}, nil)
	assert.InDelta(t, 50.0, s.EvidenceQuality, 1e-9)

	s = Compute(Entity{AvgTrust: 0, AvgRelevance: 0}, nil)
	assert.Equal(t, 0.0, s.EvidenceQuality)

	s = Compute(Entity{AvgTrust: 2, AvgRelevance: -1}, nil) // out-of-range clamp
	assert.InDelta(t, 50*0.65, s.EvidenceQuality, 1e-9)
}

func TestCompute_Consensus(t *testing.T) {
	s := Compute(Entity{EvidenceCount: 0}, nil)
	assert.Equal(t, 0.0, s.Consensus)

	s = Compute(Entity{EvidenceCount: 10}, nil)
	assert.InDelta(t, 20.0, s.Consensus, 1e-9)

	s = Compute(Entity{EvidenceCount: 100}, nil) // caps at n=10
	assert.InDelta(t, 20.0, s.Consensus, 1e-9)

	s = Compute(Entity{EvidenceCount: 5}, nil)
	expected := 20 * math.Log(6) / math.Log(11)
	assert.InDelta(t, expected, s.Consensus, 1e-9)
}

func TestVehicleSpecificity_Ladder(t *testing.T) {
	cases := []struct {
		name     string
		e        Entity
		ctx      *Context
		expected float64
	}{
		{"no context", Entity{VehicleMake: "Toyota"}, nil, 6},
		{"no make on entity", Entity{}, &Context{Make: "Toyota"}, 6},
		{"make mismatch", Entity{VehicleMake: "Toyota"}, &Context{Make: "Honda"}, -20},
		{"make match no model", Entity{VehicleMake: "Toyota"}, &Context{Make: "toyota"}, 12},
		{"model mismatch", Entity{VehicleMake: "Toyota", VehicleModel: "Camry"}, &Context{Make: "Toyota", Model: "Corolla"}, -20},
		{"make+model match no year constraint", Entity{VehicleMake: "Toyota", VehicleModel: "Camry"}, &Context{Make: "Toyota", Model: "Camry"}, 20},
		{"year in range", Entity{VehicleMake: "Toyota", VehicleModel: "Camry", VehicleYearMin: 2015, VehicleYearMax: 2019}, &Context{Make: "Toyota", Model: "Camry", Year: 2017}, 20},
		{"year below range", Entity{VehicleMake: "Toyota", VehicleModel: "Camry", VehicleYearMin: 2015, VehicleYearMax: 2019}, &Context{Make: "Toyota", Model: "Camry", Year: 2010}, -20},
		{"year above range, no upper bound set on entity so allowed", Entity{VehicleMake: "Toyota", VehicleModel: "Camry", VehicleYearMin: 2015}, &Context{Make: "Toyota", Model: "Camry", Year: 2030}, 20},
		{"year above explicit upper bound", Entity{VehicleMake: "Toyota", VehicleModel: "Camry", VehicleYearMin: 2015, VehicleYearMax: 2019}, &Context{Make: "Toyota", Model: "Camry", Year: 2030}, -20},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := Compute(c.e, c.ctx)
			assert.Equal(t, c.expected, s.VehicleSpecificity)
		})
	}
}

func TestPracticalImpact_ByKind(t *testing.T) {
	s := Compute(Entity{Kind: KindFix, Repairs: 50}, nil)
	assert.InDelta(t, 10.0, s.PracticalImpact, 1e-9)

	s = Compute(Entity{Kind: KindCause, ProbabilityWeight: 0.4}, nil)
	assert.InDelta(t, 4.0, s.PracticalImpact, 1e-9)

	s = Compute(Entity{Kind: KindSymptom, FrequencyScore: 5}, nil)
	assert.InDelta(t, 5.0, s.PracticalImpact, 1e-9)

	s = Compute(Entity{Kind: KindForumThread, MarkedSolution: true}, nil)
	assert.Equal(t, 6.0, s.PracticalImpact)

	s = Compute(Entity{Kind: KindForumThread, MarkedSolution: false}, nil)
	assert.Equal(t, 0.0, s.PracticalImpact)

	s = Compute(Entity{Kind: KindOther}, nil)
	assert.Equal(t, 0.0, s.PracticalImpact)
}

func TestSort_StableTieBreakChain(t *testing.T) {
	items := []Ranked{
		{ID: 3, Score: Score{EvidenceQuality: 10}, EvidenceCount: 2, AvgTrust: 0.5, AvgRelevance: 0.5},
		{ID: 1, Score: Score{EvidenceQuality: 10}, EvidenceCount: 2, AvgTrust: 0.5, AvgRelevance: 0.5},
		{ID: 2, Score: Score{EvidenceQuality: 20}, EvidenceCount: 1, AvgTrust: 0.1, AvgRelevance: 0.1},
	}
	Sort(items)
	assert.Equal(t, []int64{2, 1, 3}, []int64{items[0].ID, items[1].ID, items[2].ID})
}
