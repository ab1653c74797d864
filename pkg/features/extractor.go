package features

import (
	"math"
	"math/cmplx"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// Extractor computes feature vectors for one schema. It is stateless apart
// from the schema and safe for concurrent use; extraction is deterministic
// for the same input segment and schema id.
type Extractor struct {
	log    zerolog.Logger
	schema *Schema
}

// NewExtractor returns an extractor bound to the schema.
func NewExtractor(schema *Schema) *Extractor {
	return &Extractor{
		log:    logger.With().Str("component", "features").Str("schemaId", schema.ID).Logger(),
		schema: schema,
	}
}

// Schema returns the bound schema.
func (e *Extractor) Schema() *Schema { return e.schema }

// Extract produces the feature vector for a processed segment.
func (e *Extractor) Extract(seg *seismic.WaveformSegment) (seismic.FeatureVector, error) {
	if len(seg.Samples) == 0 {
		return seismic.FeatureVector{}, errors.New(errors.KindValidation, "empty segment")
	}
	values := make([]float64, 0, e.schema.Dimension())
	values = append(values, e.timeDomain(seg)...)
	values = append(values, e.frequencyDomain(seg)...)

	energies, err := dwtLevelEnergies(seg.Samples, e.schema.Wavelet, e.schema.WaveletLevels)
	if err != nil {
		return seismic.FeatureVector{}, err
	}
	values = append(values, energies...)

	// The schema forbids NaN; anything undefined becomes the sentinel.
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[i] = Sentinel
		}
	}
	return seismic.FeatureVector{SchemaID: e.schema.ID, Values: values}, nil
}

func (e *Extractor) timeDomain(seg *seismic.WaveformSegment) []float64 {
	data := seg.Samples
	n := len(data)

	peak := 0.0
	sumSq := 0.0
	crossings := 0
	for i, v := range data {
		if a := math.Abs(v); a > peak {
			peak = a
		}
		sumSq += v * v
		if i > 0 && ((data[i-1] >= 0) != (v >= 0)) {
			crossings++
		}
	}
	rms := math.Sqrt(sumSq / float64(n))
	zcr := float64(crossings) / seg.Duration().Seconds()

	envelope := hilbertEnvelope(data)
	envMean := stat.Mean(envelope, nil)
	envVar := stat.Variance(envelope, nil)
	envSkew := stat.Skew(envelope, nil)
	envKurt := stat.ExKurtosis(envelope, nil)

	// Time spent above 2x RMS, a crude coda-duration proxy.
	above := 0
	threshold := 2 * rms
	for _, v := range envelope {
		if v > threshold {
			above++
		}
	}
	durAbove := float64(above) / seg.SampleRate

	return []float64{peak, rms, zcr, envMean, envVar, envSkew, envKurt, durAbove}
}

func (e *Extractor) frequencyDomain(seg *seismic.WaveformSegment) []float64 {
	data := seg.Samples
	fft := fourier.NewFFT(len(data))
	coeffs := fft.Coefficients(nil, data)

	// One-sided power spectrum, DC excluded.
	nBins := len(coeffs)
	power := make([]float64, nBins)
	freqs := make([]float64, nBins)
	total := 0.0
	for i := 1; i < nBins; i++ {
		power[i] = cmplx.Abs(coeffs[i]) * cmplx.Abs(coeffs[i])
		freqs[i] = fft.Freq(i) * seg.SampleRate
		total += power[i]
	}

	out := make([]float64, 0, 4+len(e.schema.Bands))
	if total == 0 {
		// Flat segment: every spectral feature is undefined.
		for i := 0; i < 4+len(e.schema.Bands); i++ {
			out = append(out, Sentinel)
		}
		return out
	}

	dominantIdx := 1
	centroid := 0.0
	for i := 1; i < nBins; i++ {
		if power[i] > power[dominantIdx] {
			dominantIdx = i
		}
		centroid += freqs[i] * power[i]
	}
	centroid /= total

	bandwidth := 0.0
	entropy := 0.0
	for i := 1; i < nBins; i++ {
		p := power[i] / total
		bandwidth += p * (freqs[i] - centroid) * (freqs[i] - centroid)
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}
	bandwidth = math.Sqrt(bandwidth)
	entropy /= math.Log(float64(nBins - 1)) // normalize to [0, 1]

	out = append(out, freqs[dominantIdx], centroid, bandwidth, entropy)
	for _, band := range e.schema.Bands {
		bandPower := 0.0
		for i := 1; i < nBins; i++ {
			if freqs[i] >= band[0] && freqs[i] < band[1] {
				bandPower += power[i]
			}
		}
		out = append(out, bandPower/total)
	}
	return out
}

// hilbertEnvelope returns |analytic signal| computed through the FFT.
func hilbertEnvelope(data []float64) []float64 {
	n := len(data)
	cfft := fourier.NewCmplxFFT(n)
	in := make([]complex128, n)
	for i, v := range data {
		in[i] = complex(v, 0)
	}
	spec := cfft.Coefficients(nil, in)

	// Zero the negative frequencies, double the positive ones. Even n has a
	// Nyquist bin at n/2 that stays single; odd n has none, so bin n/2 is a
	// positive frequency and doubles too.
	half := n / 2
	for i := 1; i < half; i++ {
		spec[i] *= 2
	}
	if n%2 != 0 {
		spec[half] *= 2
	}
	for i := half + 1; i < n; i++ {
		spec[i] = 0
	}

	analytic := cfft.Sequence(nil, spec)
	envelope := make([]float64, n)
	for i, v := range analytic {
		envelope[i] = cmplx.Abs(v) / float64(n)
	}
	return envelope
}
