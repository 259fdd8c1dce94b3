package calibration

import (
	"math"
	"sort"
	"strings"
)

const (
	// CorroborationStep is the bonus per independent source beyond the first.
	CorroborationStep = 0.03
	// MaxCorroborationBonus caps the total bonus.
	MaxCorroborationBonus = 0.10
)

// Pointer is one piece of evidence backing a fact.
type Pointer struct {
	Confidence      float64
	PublisherDomain string
	LegalReference  string
	EvidenceType    string
}

// IndependenceKey identifies the corroborating source behind a pointer.
// Pointers with equal keys count as one source.
func (p Pointer) IndependenceKey() string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return norm(p.PublisherDomain) + "\x00" + norm(p.LegalReference) + "\x00" + norm(p.EvidenceType)
}

// Derived breaks down a derived confidence.
type Derived struct {
	Confidence         float64
	Median             float64
	IndependentSources int
	Bonus              float64
}

// ComputeDerivedConfidence combines pointer confidences into one value for
// the fact: median + corroboration bonus, capped at 1.0 and at llmConfidence.
// No pointers yields 0.
func ComputeDerivedConfidence(pointers []Pointer, llmConfidence float64) float64 {
	return Derive(pointers, llmConfidence).Confidence
}

// Derive is ComputeDerivedConfidence with its intermediate values.
func Derive(pointers []Pointer, llmConfidence float64) Derived {
	confs := make([]float64, 0, len(pointers))
	sources := make(map[string]struct{}, len(pointers))
	for _, p := range pointers {
		if math.IsNaN(p.Confidence) {
			continue
		}
		confs = append(confs, clamp01(p.Confidence))
		sources[p.IndependenceKey()] = struct{}{}
	}
	if len(confs) == 0 {
		return Derived{}
	}

	d := Derived{
		Median:             median(confs),
		IndependentSources: len(sources),
	}
	d.Bonus = math.Min(float64(d.IndependentSources-1)*CorroborationStep, MaxCorroborationBonus)

	c := math.Min(d.Median+d.Bonus, 1.0)
	if !math.IsNaN(llmConfidence) {
		c = math.Min(c, math.Max(llmConfidence, 0))
	}
	d.Confidence = c
	return d
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
