package features

import (
	"math"

	"github.com/seismonet/go-seismonet/pkg/errors"
)

// Analysis filter banks for the supported mother wavelets. Taps are the
// lowpass decomposition coefficients; the highpass bank is the quadrature
// mirror.
var waveletBanks = map[string][]float64{
	"haar": {math.Sqrt2 / 2, math.Sqrt2 / 2},
	"db2": {
		0.48296291314469025, 0.836516303737469,
		0.22414386804185735, -0.12940952255092145,
	},
	"db4": {
		0.23037781330885523, 0.7148465705525415,
		0.6308807679295904, -0.02798376941698385,
		-0.18703481171888114, 0.030841381835986965,
		0.032883011666982945, -0.010597401784997278,
	},
}

func waveletFilter(name string) ([]float64, error) {
	bank, ok := waveletBanks[name]
	if !ok {
		return nil, errors.New(errors.KindValidation, "unknown mother wavelet %q", name)
	}
	return bank, nil
}

// dwtLevelEnergies runs a multi-level discrete wavelet decomposition and
// returns the detail-coefficient energy per level, normalized by the total
// signal energy. Level 1 is the finest scale.
func dwtLevelEnergies(samples []float64, wavelet string, levels int) ([]float64, error) {
	low, err := waveletFilter(wavelet)
	if err != nil {
		return nil, err
	}
	high := make([]float64, len(low))
	for i := range low {
		sign := 1.0
		if i%2 == 1 {
			sign = -1.0
		}
		high[i] = sign * low[len(low)-1-i]
	}

	total := 0.0
	for _, v := range samples {
		total += v * v
	}

	energies := make([]float64, levels)
	approx := samples
	for level := 0; level < levels; level++ {
		if len(approx) < len(low) {
			for l := level; l < levels; l++ {
				energies[l] = Sentinel
			}
			break
		}
		nextApprox, detail := dwtStep(approx, low, high)
		e := 0.0
		for _, v := range detail {
			e += v * v
		}
		if total > 0 {
			energies[level] = e / total
		}
		approx = nextApprox
	}
	if total == 0 {
		for l := range energies {
			energies[l] = Sentinel
		}
	}
	return energies, nil
}

// dwtStep convolves with the analysis bank and downsamples by two, using
// symmetric edge extension.
func dwtStep(samples, low, high []float64) (approx, detail []float64) {
	n := len(samples)
	half := (n + 1) / 2
	approx = make([]float64, half)
	detail = make([]float64, half)
	at := func(i int) float64 {
		// Symmetric (half-sample) extension at both edges.
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
		return samples[i]
	}
	for k := 0; k < half; k++ {
		var a, d float64
		for j := range low {
			v := at(2*k + j)
			a += low[j] * v
			d += high[j] * v
		}
		approx[k] = a
		detail[k] = d
	}
	return approx, detail
}
