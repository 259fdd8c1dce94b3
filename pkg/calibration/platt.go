package calibration

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

const (
	// MinSamples is the smallest outcome count a curve is fitted from.
	MinSamples = 50
	// NumBuckets is the number of equal-width confidence bins.
	NumBuckets = 10

	minAccuracy = 0.01
	maxAccuracy = 0.99
	// maxExponent keeps math.Exp finite.
	maxExponent = 709.0
)

// Bucket is one confidence bin.
type Bucket struct {
	Lower    float64
	Upper    float64
	Count    int
	Approved int
	// Accuracy is the approval rate, or 0 for an empty bucket.
	Accuracy float64
}

// Midpoint returns the centre of the bin.
func (b Bucket) Midpoint() float64 {
	return (b.Lower + b.Upper) / 2
}

// Data is bucketed review history.
type Data struct {
	Buckets      [NumBuckets]Bucket
	TotalSamples int
}

// Result is a calibrated confidence.
type Result struct {
	Confidence   float64
	IsCalibrated bool
}

// CollectCalibrationData buckets review outcomes by raw confidence.
// Confidences outside [0, 1] are clamped; 1.0 falls in the top bucket.
func CollectCalibrationData(outcomes []core.ReviewOutcome) Data {
	var d Data
	for i := range d.Buckets {
		d.Buckets[i].Lower = float64(i) / NumBuckets
		d.Buckets[i].Upper = float64(i+1) / NumBuckets
	}
	for _, o := range outcomes {
		if math.IsNaN(o.RawConfidence) {
			continue
		}
		i := bucketIndex(o.RawConfidence)
		d.Buckets[i].Count++
		if o.Approved {
			d.Buckets[i].Approved++
		}
		d.TotalSamples++
	}
	for i := range d.Buckets {
		if b := &d.Buckets[i]; b.Count > 0 {
			b.Accuracy = float64(b.Approved) / float64(b.Count)
		}
	}
	return d
}

func bucketIndex(x float64) int {
	i := int(clamp01(x) * NumBuckets)
	if i >= NumBuckets {
		i = NumBuckets - 1
	}
	return i
}

// BuildCalibrationCurve fits Platt parameters to d. It returns nil when there
// are fewer than MinSamples outcomes or fewer than two populated buckets.
func BuildCalibrationCurve(d Data) *core.CalibrationParams {
	if d.TotalSamples < MinSamples {
		return nil
	}

	var sw, swx, swy, swxx, swxy float64
	populated := 0
	for _, b := range d.Buckets {
		if b.Count == 0 {
			continue
		}
		populated++
		w := float64(b.Count)
		x := b.Midpoint()
		y := logit(math.Min(math.Max(b.Accuracy, minAccuracy), maxAccuracy))
		sw += w
		swx += w * x
		swy += w * y
		swxx += w * x * x
		swxy += w * x * y
	}
	if populated < 2 {
		return nil
	}

	denom := sw*swxx - swx*swx
	if denom == 0 {
		return nil
	}
	slope := (sw*swxy - swx*swy) / denom
	intercept := (swy - slope*swx) / sw

	// logit(P) = -(A*x + B)
	return &core.CalibrationParams{
		ID:         uuid.New().String(),
		ParamA:     -slope,
		ParamB:     -intercept,
		SampleSize: d.TotalSamples,
		ComputedAt: time.Now().UTC(),
	}
}

// ApplyPlattScaling evaluates the curve at raw. A nil p returns raw.
func ApplyPlattScaling(raw float64, p *core.CalibrationParams) float64 {
	if p == nil {
		return raw
	}
	z := p.ParamA*raw + p.ParamB
	switch {
	case math.IsNaN(z):
		return raw
	case z > maxExponent:
		return 0
	case z < -maxExponent:
		return 1
	}
	return 1 / (1 + math.Exp(z))
}

// CalibrateConfidence maps raw through p. Without a curve fitted from at
// least MinSamples outcomes the raw value is returned uncalibrated.
func CalibrateConfidence(raw float64, p *core.CalibrationParams) Result {
	if p == nil || p.SampleSize < MinSamples {
		return Result{Confidence: raw, IsCalibrated: false}
	}
	return Result{Confidence: clamp01(ApplyPlattScaling(raw, p)), IsCalibrated: true}
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func clamp01(x float64) float64 {
	return math.Min(math.Max(x, 0), 1)
}
