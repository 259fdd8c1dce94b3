package calibration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

// linearOutcomes yields perSample outcomes per bucket whose approval rate
// equals the bucket midpoint when perSample is 20.
func linearOutcomes(perSample int) []core.ReviewOutcome {
	var out []core.ReviewOutcome
	for i := 0; i < NumBuckets; i++ {
		mid := (float64(i) + 0.5) / NumBuckets
		approved := int(mid*float64(perSample) + 0.5)
		for j := 0; j < perSample; j++ {
			out = append(out, core.ReviewOutcome{RawConfidence: mid, Approved: j < approved})
		}
	}
	return out
}

func TestCollectCalibrationData(t *testing.T) {
	outcomes := []core.ReviewOutcome{
		{RawConfidence: 0.0, Approved: false},
		{RawConfidence: 0.05, Approved: true},
		{RawConfidence: 0.42, Approved: true},
		{RawConfidence: 0.49, Approved: false},
		{RawConfidence: 1.0, Approved: true},
		{RawConfidence: 1.7, Approved: true},
		{RawConfidence: -0.2, Approved: false},
		{RawConfidence: math.NaN(), Approved: true},
	}

	d := CollectCalibrationData(outcomes)

	assert.Equal(t, 7, d.TotalSamples)
	assert.Equal(t, 3, d.Buckets[0].Count)
	assert.Equal(t, 1, d.Buckets[0].Approved)
	assert.InDelta(t, 1.0/3, d.Buckets[0].Accuracy, 1e-9)
	assert.Equal(t, 2, d.Buckets[4].Count)
	assert.InDelta(t, 0.5, d.Buckets[4].Accuracy, 1e-9)
	assert.Equal(t, 2, d.Buckets[9].Count)
	assert.Equal(t, 0.0, d.Buckets[5].Accuracy)
	assert.InDelta(t, 0.45, d.Buckets[4].Midpoint(), 1e-9)
	assert.InDelta(t, 0.9, d.Buckets[9].Lower, 1e-9)
	assert.InDelta(t, 1.0, d.Buckets[9].Upper, 1e-9)
}

func TestBuildCalibrationCurve_ColdStart(t *testing.T) {
	outcomes := linearOutcomes(20)[:MinSamples-1]
	assert.Nil(t, BuildCalibrationCurve(CollectCalibrationData(outcomes)))

	// Enough samples but a single bucket cannot be fitted.
	var single []core.ReviewOutcome
	for i := 0; i < 60; i++ {
		single = append(single, core.ReviewOutcome{RawConfidence: 0.9, Approved: i%2 == 0})
	}
	assert.Nil(t, BuildCalibrationCurve(CollectCalibrationData(single)))
}

func TestBuildCalibrationCurve_FitsLinearHistory(t *testing.T) {
	p := BuildCalibrationCurve(CollectCalibrationData(linearOutcomes(20)))
	require.NotNil(t, p)

	assert.Equal(t, 200, p.SampleSize)
	assert.NotEmpty(t, p.ID)
	assert.Less(t, p.ParamA, 0.0)
	// History is symmetric around 0.5, so the curve passes through (0.5, 0.5).
	assert.InDelta(t, 0.5, ApplyPlattScaling(0.5, p), 1e-9)
	assert.Greater(t, ApplyPlattScaling(0.9, p), ApplyPlattScaling(0.1, p))
}

func TestBuildCalibrationCurve_ClampsPerfectBuckets(t *testing.T) {
	var outcomes []core.ReviewOutcome
	for i := 0; i < 30; i++ {
		outcomes = append(outcomes,
			core.ReviewOutcome{RawConfidence: 0.15, Approved: false},
			core.ReviewOutcome{RawConfidence: 0.95, Approved: true},
		)
	}
	p := BuildCalibrationCurve(CollectCalibrationData(outcomes))
	require.NotNil(t, p)

	assert.False(t, math.IsInf(p.ParamA, 0) || math.IsNaN(p.ParamA))
	assert.InDelta(t, 0.99, ApplyPlattScaling(0.95, p), 1e-6)
	assert.InDelta(t, 0.01, ApplyPlattScaling(0.15, p), 1e-6)
}

func TestApplyPlattScaling_Saturates(t *testing.T) {
	assert.Equal(t, 0.0, ApplyPlattScaling(1, &core.CalibrationParams{ParamA: 1000}))
	assert.Equal(t, 1.0, ApplyPlattScaling(1, &core.CalibrationParams{ParamA: -1000}))
	assert.Equal(t, 0.5, ApplyPlattScaling(0.7, &core.CalibrationParams{}))
	assert.Equal(t, 0.42, ApplyPlattScaling(0.42, nil))
}

func TestApplyPlattScaling_MonotonicInRaw(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		p := &core.CalibrationParams{
			ParamA: -(rng.Float64()*20 + 0.01),
			ParamB: rng.Float64()*20 - 10,
		}
		prev := ApplyPlattScaling(0, p)
		for x := 0.01; x <= 1.0; x += 0.01 {
			cur := ApplyPlattScaling(x, p)
			assert.GreaterOrEqual(t, cur, prev, "A=%v B=%v x=%v", p.ParamA, p.ParamB, x)
			prev = cur
		}
	}
}

func TestCalibrateConfidence_UnderSampledPassesThrough(t *testing.T) {
	for n := 0; n < MinSamples; n++ {
		p := &core.CalibrationParams{ParamA: -6, ParamB: 3, SampleSize: n}
		got := CalibrateConfidence(0.73, p)
		assert.Equal(t, Result{Confidence: 0.73, IsCalibrated: false}, got)
	}
	assert.Equal(t, Result{Confidence: 0.73}, CalibrateConfidence(0.73, nil))
}

func TestCalibrateConfidence_Calibrated(t *testing.T) {
	p := &core.CalibrationParams{ParamA: -6, ParamB: 3, SampleSize: 120}

	got := CalibrateConfidence(0.5, p)

	assert.True(t, got.IsCalibrated)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)
	assert.InDelta(t, 1/(1+math.Exp(-6*0.9+3)), CalibrateConfidence(0.9, p).Confidence, 1e-12)
}
