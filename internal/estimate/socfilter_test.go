package estimate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSOCFilterConvergesAtFullRest(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 100)
	prevP := f.Covariance()

	for i := 0; i < 50; i++ {
		res := f.Update(12.6, 0, 1, 40)
		require.True(t, res.UsedMeasurement, "step %d", i)
		assert.InDelta(t, 100, res.SOC, 1e-9, "step %d", i)
		assert.Less(t, res.P, prevP, "covariance must strictly decrease at step %d", i)
		assert.GreaterOrEqual(t, res.P, DefaultSOCConfig().CovarianceFloor)
		prevP = res.P
	}
}

func TestSOCFilterPullsTowardsOCV(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 60)

	var res SOCResult
	for i := 0; i < 200; i++ {
		res = f.Update(12.6, 0, 1, 40)
	}
	assert.Greater(t, res.SOC, 99.0)
	assert.LessOrEqual(t, res.SOC, 100.0)
}

func TestSOCFilterFirstStepGain(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 60)
	res := f.Update(12.6, 0, 1, 40)

	// P⁻ = 1 + 1e-6, R = 0.5 until the window fills.
	pPrior := 1 + 1e-6
	wantK := pPrior / (pPrior + 0.5)
	assert.InDelta(t, wantK, res.K, 1e-12)
	assert.Equal(t, 0.5, res.R)
	assert.InDelta(t, 100, res.Z, 1e-12)
	assert.InDelta(t, 40, res.Innovation, 1e-12)
	assert.InDelta(t, 60+wantK*40, res.SOC, 1e-9)
}

func TestSOCFilterGatesUnderLoad(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 100)
	p0 := f.Covariance()

	res := f.Update(11.8, -5, 60, 40)

	assert.False(t, res.UsedMeasurement)
	assert.Equal(t, 0.0, res.K)
	// Pure coulomb prediction: 5 A for a minute from a 40 Ah pack.
	assert.InDelta(t, 100-100*5.0*60/3600/40, res.SOC, 1e-9)
	assert.InDelta(t, p0+(1e-6+5e-6)*60, res.P, 1e-12, "process noise scales with |current|")
	assert.Equal(t, 60.0, res.DtS)
}

func TestSOCFilterGatesImplausibleVoltage(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 50)

	for _, v := range []float64{0, 10.4, 13.6, 48} {
		res := f.Update(v, 0, 1, 40)
		assert.False(t, res.UsedMeasurement, "voltage %v", v)
		assert.InDelta(t, 50, res.SOC, 1e-9)
	}
}

func TestSOCFilterClampsPrediction(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 1)
	res := f.Update(12.0, -200, 3600, 40)
	assert.Equal(t, 0.0, res.SOC)

	f = NewSOCFilter(DefaultSOCConfig(), 99)
	res = f.Update(14.4, 200, 3600, 40)
	assert.Equal(t, 100.0, res.SOC)
}

func TestSOCFilterFloorsDt(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 50)
	res := f.Update(12.0, -1, 0, 40)
	assert.Equal(t, MinDtSeconds, res.DtS)
}

func TestSOCFilterCloneIsIndependent(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 80)
	c := f.Clone()

	c.Update(12.6, 0, 1, 40)

	assert.Equal(t, 80.0, f.SOC())
	assert.Equal(t, 0, f.window.count())
	assert.NotEqual(t, f.SOC(), c.SOC())
}

func TestSOCFilterMonotonicUnderDischarge(t *testing.T) {
	f := NewSOCFilter(DefaultSOCConfig(), 100)
	prev := f.SOC()
	for k := 0; k <= 120; k++ {
		v := 12.6 - 0.8*float64(k)/120
		res := f.Update(v, -5, 60, 40)
		assert.Less(t, res.SOC, prev, "sample %d", k)
		prev = res.SOC
	}
	assert.InDelta(t, 75.0-100*5.0*60/3600/40, prev, 1e-6)
}
