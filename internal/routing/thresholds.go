package routing

import "github.com/fairyhunter13/ai-feed-triage/pkg/vecx"

// Thresholds drives the embedding router's decision table for one tag.
type Thresholds struct {
	LowSim     float64
	HighSim    float64
	HighStrict float64
	HighMargin float64
	NegGapLow  float64
	NegGapHigh float64
}

// DefaultThresholds are the starting point before per-tag adaptation.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LowSim:     0.72,
		HighSim:    0.86,
		HighStrict: 0.90,
		HighMargin: 0.04,
		NegGapLow:  0.05,
		NegGapHigh: 0.08,
	}
}

// adaptClamp bounds how far adaptation may move a threshold from its default.
const adaptClamp = 0.05

// minAdaptSamples is how many intra-cluster scores a tag needs before its
// thresholds adapt; below that the defaults apply unchanged.
const minAdaptSamples = 10

// TagStats summarizes the intra-cluster score distribution of one tag.
type TagStats struct {
	Count int
	Mean  float64
	Min   float64
	Max   float64
	P25   float64
	P50   float64
	P75   float64
}

// ComputeTagStats derives the score distribution of a tag's samples: each
// sample scored against the rest of its own cluster via top-K mean dot.
func ComputeTagStats(samples [][]float32, k int) TagStats {
	if len(samples) < 2 {
		return TagStats{Count: len(samples)}
	}
	scores := make([]float64, 0, len(samples))
	for i, v := range samples {
		rest := make([][]float32, 0, len(samples)-1)
		rest = append(rest, samples[:i]...)
		rest = append(rest, samples[i+1:]...)
		scores = append(scores, vecx.TopKMeanDot(v, rest, k))
	}
	var sum, minV, maxV float64
	minV, maxV = scores[0], scores[0]
	for _, s := range scores {
		sum += s
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
	}
	return TagStats{
		Count: len(scores),
		Mean:  sum / float64(len(scores)),
		Min:   minV,
		Max:   maxV,
		P25:   vecx.Percentile(scores, 25),
		P50:   vecx.Percentile(scores, 50),
		P75:   vecx.Percentile(scores, 75),
	}
}

// Adapt derives per-tag thresholds from the tag's score distribution,
// starting at the defaults. lowSim shifts toward (default+p25)/2 and highSim
// toward (default+p75)/2, both clamped to ±0.05 of the default; highMargin
// grows by 0.01 when the upper quartile is tight. The invariants
// highStrict ≥ highSim+0.02 and highSim−lowSim ≥ 0.02 always hold.
func Adapt(stats TagStats, overrides map[string]float64) Thresholds {
	t := DefaultThresholds()
	d := DefaultThresholds()

	if stats.Count >= minAdaptSamples {
		t.LowSim = clamp((d.LowSim+stats.P25)/2, d.LowSim-adaptClamp, d.LowSim+adaptClamp)
		t.HighSim = clamp((d.HighSim+stats.P75)/2, d.HighSim-adaptClamp, d.HighSim+adaptClamp)
		if stats.P75-stats.P50 < 0.02 {
			t.HighMargin += 0.01
		}
	}

	// Operator overrides win over adaptation.
	if overrides != nil {
		if v, ok := overrides["lowSim"]; ok {
			t.LowSim = v
		}
		if v, ok := overrides["highSim"]; ok {
			t.HighSim = v
		}
		if v, ok := overrides["highStrict"]; ok {
			t.HighStrict = v
		}
		if v, ok := overrides["highMargin"]; ok {
			t.HighMargin = v
		}
		if v, ok := overrides["negGapLow"]; ok {
			t.NegGapLow = v
		}
		if v, ok := overrides["negGapHigh"]; ok {
			t.NegGapHigh = v
		}
	}

	if t.HighSim-t.LowSim < 0.02 {
		t.LowSim = t.HighSim - 0.02
	}
	if t.HighStrict < t.HighSim+0.02 {
		t.HighStrict = t.HighSim + 0.02
	}
	return t
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
