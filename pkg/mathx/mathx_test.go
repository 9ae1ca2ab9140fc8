package mathx

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-1, 0, 1))
	assert.Equal(t, 1.0, Clamp(2, 0, 1))
	assert.Equal(t, 0.5, Clamp(0.5, 0, 1))
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 3.0, Mean([]float64{1, 2, 3, 4, 5}))
}

func TestStandardDeviation(t *testing.T) {
	assert.Equal(t, 0.0, StandardDeviation([]float64{5}))
	got := StandardDeviation([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 2.0, got, 1e-9)
}

func TestLogCap(t *testing.T) {
	assert.Equal(t, 0.0, LogCap(0, 10))
	assert.InDelta(t, 1.0, LogCap(10, 10), 1e-9)
	assert.InDelta(t, 1.0, LogCap(50, 10), 1e-9) // caps above n=10
	expected := math.Log(1+5) / math.Log(1+10)
	assert.InDelta(t, expected, LogCap(5, 10), 1e-9)
}

func TestRelativeDiff(t *testing.T) {
	assert.Equal(t, 0.0, RelativeDiff(0, 0))
	assert.Equal(t, 1.0, RelativeDiff(0, 5))
	assert.InDelta(t, 0.1, RelativeDiff(10, 11), 1e-9)
}
