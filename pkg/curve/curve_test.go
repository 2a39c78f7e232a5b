package curve

import (
	"testing"

	"github.com/donutboyband/SendFlowr/pkg/grid"
	"github.com/stretchr/testify/assert"
)

func TestUniform_SumsToOne(t *testing.T) {
	c := Uniform()
	assert.InDelta(t, 1.0, c.Sum(), 1e-9)
	assert.Equal(t, 0.0, c.Confidence())
}

func TestNormalize_EmptyBecomesSuppressed(t *testing.T) {
	c := &Curve{}
	c.Normalize()
	assert.True(t, c.Suppressed)
	assert.Equal(t, 0.0, c.Sum())
}

func TestPeakInWindow_TieBreaksToSmallerIndex(t *testing.T) {
	c := &Curve{}
	c.Values[10] = 0.5
	c.Values[20] = 0.5
	peak := c.PeakInWindow(0, 100)
	assert.Equal(t, 10, peak)
}

func TestPeakInWindow_Wraps(t *testing.T) {
	c := &Curve{}
	c.Values[grid.SlotCount-2] = 1.0
	peak := c.PeakInWindow(grid.SlotCount-5, 5)
	assert.Equal(t, grid.SlotCount-2, peak)
}

func TestApplyWeights_ForcedZeroSuppressesWhenTotal(t *testing.T) {
	c := Uniform()
	allSlots := make([]int, grid.SlotCount)
	for i := range allSlots {
		allSlots[i] = i
	}
	c.ApplyWeights([]Weight{{Slots: allSlots, Magnitude: -1}})
	assert.True(t, c.Suppressed)
	assert.Equal(t, 0.0, c.Sum())
}

func TestApplyWeights_BoostsTargetedSlots(t *testing.T) {
	c := Uniform()
	before := c.Values[100]
	c.ApplyWeights([]Weight{{Slots: []int{100}, Magnitude: 2.0}})
	assert.Greater(t, c.Values[100], before)
	assert.InDelta(t, 1.0, c.Sum(), 1e-9)
}

func TestConvolveCircular_PreservesWeekendBoundaryContinuity(t *testing.T) {
	c := &Curve{}
	c.Values[grid.SlotCount-1] = 1.0 // Sunday 23:59
	kernel := GaussianKernel(30)
	c.ConvolveCircular(kernel)
	c.Normalize()
	// Density should spread into Monday 00:00 (slot 0) via circular wrap.
	assert.Greater(t, c.Values[0], 0.0)
}

func TestConfidence_DeltaScoresHigh(t *testing.T) {
	c := &Curve{}
	c.Values[0] = 1.0
	assert.InDelta(t, 1.0, c.Confidence(), 1e-9)
}

func TestClipToWindow(t *testing.T) {
	c := Uniform()
	c.ClipToWindow(0, 100)
	assert.InDelta(t, 1.0, c.Sum(), 1e-9)
	assert.Equal(t, 0.0, c.Values[200])
	assert.Greater(t, c.Values[50], 0.0)
}

func TestInterpolate(t *testing.T) {
	c := &Curve{}
	c.Values[0] = 0.0
	c.Values[1] = 1.0
	got := c.Interpolate(0.5)
	assert.InDelta(t, 0.5, got, 1e-9)
}
