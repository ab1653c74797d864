package sigproc

import (
	"math"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// biquad is a single second-order IIR section in direct form II transposed.
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

func (q *biquad) apply(samples []float64) {
	var z1, z2 float64
	for i, x := range samples {
		y := q.b0*x + z1
		z1 = q.b1*x - q.a1*y + z2
		z2 = q.b2*x - q.a2*y
		samples[i] = y
	}
}

// butterworthQ returns the Q factors of the cascaded biquad sections of an
// order-n Butterworth filter. Odd orders carry a trailing first-order
// section encoded as Q=0.5.
func butterworthQ(order int) []float64 {
	pairs := order / 2
	qs := make([]float64, 0, pairs+1)
	for k := 0; k < pairs; k++ {
		angle := math.Pi * float64(2*k+1) / float64(2*order)
		qs = append(qs, 1/(2*math.Sin(angle)))
	}
	if order%2 == 1 {
		qs = append(qs, 0.5)
	}
	return qs
}

func lowpassBiquad(fc, rate, q float64) biquad {
	w0 := 2 * math.Pi * fc / rate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosW) / 2 / a0,
		b1: (1 - cosW) / a0,
		b2: (1 - cosW) / 2 / a0,
		a1: -2 * cosW / a0,
		a2: (1 - alpha) / a0,
	}
}

func highpassBiquad(fc, rate, q float64) biquad {
	w0 := 2 * math.Pi * fc / rate
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / (2 * q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosW) / 2 / a0,
		b1: -(1 + cosW) / a0,
		b2: (1 + cosW) / 2 / a0,
		a1: -2 * cosW / a0,
		a2: (1 - alpha) / a0,
	}
}

func reverse(samples []float64) {
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
}

// Bandpass applies an order-N Butterworth bandpass built as a highpass at
// fLow cascaded with a lowpass at fHigh. Odd orders run the cascade forward
// and backward for a zero-phase response. Requires 0 < fLow < fHigh < Nyquist.
func Bandpass(seg *seismic.WaveformSegment, fLow, fHigh float64, order int) (*seismic.WaveformSegment, error) {
	nyquist := seg.SampleRate / 2
	if fLow <= 0 || fLow >= fHigh || fHigh >= nyquist {
		return nil, errors.New(errors.KindValidation,
			"bandpass corners (%g, %g) must satisfy 0 < low < high < nyquist %g", fLow, fHigh, nyquist)
	}
	if order < 1 || order > 12 {
		return nil, errors.New(errors.KindValidation, "bandpass order %d outside [1, 12]", order)
	}

	out := seg.Clone()
	cascade := make([]biquad, 0, order+2)
	for _, q := range butterworthQ(order) {
		cascade = append(cascade, highpassBiquad(fLow, seg.SampleRate, q))
		cascade = append(cascade, lowpassBiquad(fHigh, seg.SampleRate, q))
	}

	runCascade := func() {
		for i := range cascade {
			section := cascade[i]
			section.apply(out.Samples)
		}
	}

	runCascade()
	if order%2 == 1 {
		reverse(out.Samples)
		runCascade()
		reverse(out.Samples)
	}
	return out, nil
}

// Resample converts the segment to targetRate with anti-alias filtering when
// decimating. Upsampling is refused unless allowUpsample is set.
func Resample(seg *seismic.WaveformSegment, targetRate float64, allowUpsample bool) (*seismic.WaveformSegment, error) {
	if targetRate <= 0 {
		return nil, errors.New(errors.KindValidation, "non-positive target rate %f", targetRate)
	}
	if targetRate > seg.SampleRate && !allowUpsample {
		return nil, errors.New(errors.KindValidation,
			"upsampling %g Hz to %g Hz requires the upsample flag", seg.SampleRate, targetRate)
	}
	if targetRate == seg.SampleRate {
		return seg.Clone(), nil
	}

	src := seg
	if targetRate < seg.SampleRate {
		// Anti-alias below the new Nyquist before decimating.
		cutoff := 0.45 * targetRate
		filtered, err := Bandpass(seg, math.Max(0.001, 0.0001*seg.SampleRate), cutoff, 4)
		if err != nil {
			return nil, err
		}
		src = filtered
	}

	n := int(math.Floor(float64(len(seg.Samples)) * targetRate / seg.SampleRate))
	out := seg.Clone()
	out.SampleRate = targetRate
	out.Samples = make([]float64, n)
	ratio := seg.SampleRate / targetRate
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(src.Samples)-1 {
			out.Samples[i] = src.Samples[len(src.Samples)-1]
			continue
		}
		frac := pos - float64(j)
		out.Samples[i] = src.Samples[j]*(1-frac) + src.Samples[j+1]*frac
	}
	return out, nil
}
