// Package sigproc implements the waveform conditioning stage: detrending,
// bandpass filtering, resampling, tapering and quality metrics. Every
// operation returns a new segment and never mutates its input.
package sigproc

import (
	"math"
	"time"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// DetrendMode selects the trend model removed from a segment.
type DetrendMode string

// Supported detrend modes.
const (
	DetrendConstant DetrendMode = "constant"
	DetrendLinear   DetrendMode = "linear"
)

// Detrend removes the mean (constant) or a least-squares line (linear).
func Detrend(seg *seismic.WaveformSegment, mode DetrendMode) (*seismic.WaveformSegment, error) {
	out := seg.Clone()
	n := len(out.Samples)
	if n == 0 {
		return out, nil
	}
	switch mode {
	case DetrendConstant:
		mean := 0.0
		for _, v := range out.Samples {
			mean += v
		}
		mean /= float64(n)
		for i := range out.Samples {
			out.Samples[i] -= mean
		}
	case DetrendLinear:
		// Least-squares line over sample index.
		var sumX, sumY, sumXY, sumXX float64
		for i, v := range out.Samples {
			x := float64(i)
			sumX += x
			sumY += v
			sumXY += x * v
			sumXX += x * x
		}
		fn := float64(n)
		denom := fn*sumXX - sumX*sumX
		if denom == 0 {
			return out, nil
		}
		slope := (fn*sumXY - sumX*sumY) / denom
		intercept := (sumY - slope*sumX) / fn
		for i := range out.Samples {
			out.Samples[i] -= intercept + slope*float64(i)
		}
	default:
		return nil, errors.New(errors.KindValidation, "unknown detrend mode %q", mode)
	}
	return out, nil
}

// Taper applies a Hann taper to the given fraction of each segment edge.
func Taper(seg *seismic.WaveformSegment, fraction float64) (*seismic.WaveformSegment, error) {
	if fraction < 0 || fraction > 0.5 {
		return nil, errors.New(errors.KindValidation, "taper fraction %f outside [0, 0.5]", fraction)
	}
	out := seg.Clone()
	n := len(out.Samples)
	k := int(float64(n) * fraction)
	for i := 0; i < k; i++ {
		w := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(k)))
		out.Samples[i] *= w
		out.Samples[n-1-i] *= w
	}
	return out, nil
}

// SNR returns the signal-to-noise ratio in dB between the mean power of the
// two windows. Windows are clipped to the segment.
func SNR(seg *seismic.WaveformSegment, signalWindow, noiseWindow seismic.TimeRange) (float64, error) {
	sig, err := windowPower(seg, signalWindow)
	if err != nil {
		return 0, err
	}
	noise, err := windowPower(seg, noiseWindow)
	if err != nil {
		return 0, err
	}
	if noise == 0 {
		if sig == 0 {
			return 0, nil
		}
		return math.Inf(1), nil
	}
	return 10 * math.Log10(sig/noise), nil
}

func windowPower(seg *seismic.WaveformSegment, w seismic.TimeRange) (float64, error) {
	if !w.IsValid() {
		return 0, errors.New(errors.KindValidation, "empty window")
	}
	i0 := sampleIndex(seg, w.Start)
	i1 := sampleIndex(seg, w.End)
	if i0 < 0 {
		i0 = 0
	}
	if i1 > len(seg.Samples) {
		i1 = len(seg.Samples)
	}
	if i1 <= i0 {
		return 0, errors.New(errors.KindValidation, "window outside segment")
	}
	power := 0.0
	for _, v := range seg.Samples[i0:i1] {
		power += v * v
	}
	return power / float64(i1-i0), nil
}

func sampleIndex(seg *seismic.WaveformSegment, t time.Time) int {
	return int(t.Sub(seg.Start).Seconds() * seg.SampleRate)
}

// QualityScore combines gap fraction, saturation fraction and SNR into a
// single score in [0, 1]. Weights: 0.4 gap coverage, 0.3 headroom from
// saturation, 0.3 SNR scaled so 40 dB and above maps to full score. The SNR
// term compares the strongest quarter of the segment against the first
// quarter.
func QualityScore(seg *seismic.WaveformSegment) float64 {
	n := len(seg.Samples)
	if n == 0 {
		return 0
	}

	gapFraction := 0.0
	if d := seg.Duration(); d > 0 {
		var gapTotal time.Duration
		for _, g := range seg.Gaps {
			gapTotal += g.End.Sub(g.Start)
		}
		gapFraction = math.Min(1, gapTotal.Seconds()/d.Seconds())
	}

	peak := 0.0
	for _, v := range seg.Samples {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	saturated := 0
	if peak > 0 {
		threshold := 0.99 * peak
		for _, v := range seg.Samples {
			if math.Abs(v) >= threshold {
				saturated++
			}
		}
	}
	saturationFraction := float64(saturated) / float64(n)

	quarter := seg.Duration() / 4
	snrDB, err := SNR(seg,
		seismic.TimeRange{Start: seg.Start.Add(quarter), End: seg.End()},
		seismic.TimeRange{Start: seg.Start, End: seg.Start.Add(quarter)},
	)
	snrScore := 0.0
	if err == nil {
		snrScore = math.Max(0, math.Min(1, snrDB/40))
	}

	return 0.4*(1-gapFraction) + 0.3*(1-saturationFraction) + 0.3*snrScore
}
