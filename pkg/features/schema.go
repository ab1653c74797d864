// Package features turns a processed waveform segment into a fixed-width
// feature vector under a named, versioned schema.
package features

import (
	"fmt"

	"github.com/seismonet/go-seismonet/pkg/errors"
)

// Sentinel encodes an undefined feature value. Schemas never emit NaN.
const Sentinel = -1.0

// Schema fixes the ordered list of feature names for one schema id. Two
// extractors configured with the same schema id emit identical layouts.
type Schema struct {
	ID            string
	Bands         [][2]float64
	Wavelet       string
	WaveletLevels int

	names []string
}

// DefaultBands are the band-power ratio bands used by schema sf-v1.
var DefaultBands = [][2]float64{{1, 3}, {3, 10}, {10, 20}}

// NewSchema builds a schema for the given id and recipe parameters.
func NewSchema(id string, bands [][2]float64, wavelet string, levels int) (*Schema, error) {
	if id == "" {
		return nil, errors.New(errors.KindValidation, "empty schema id")
	}
	if len(bands) == 0 {
		bands = DefaultBands
	}
	for _, b := range bands {
		if b[0] <= 0 || b[0] >= b[1] {
			return nil, errors.New(errors.KindValidation, "malformed band [%g, %g]", b[0], b[1])
		}
	}
	if _, err := waveletFilter(wavelet); err != nil {
		return nil, err
	}
	if levels < 1 || levels > 10 {
		return nil, errors.New(errors.KindValidation, "wavelet levels %d outside [1, 10]", levels)
	}

	s := &Schema{ID: id, Bands: bands, Wavelet: wavelet, WaveletLevels: levels}
	s.names = []string{
		"peak_amplitude",
		"rms",
		"zero_crossing_rate",
		"envelope_mean",
		"envelope_variance",
		"envelope_skewness",
		"envelope_kurtosis",
		"duration_above_threshold_s",
		"dominant_frequency_hz",
		"spectral_centroid_hz",
		"spectral_bandwidth_hz",
		"spectral_entropy",
	}
	for _, b := range bands {
		s.names = append(s.names, fmt.Sprintf("band_power_ratio_%g_%g", b[0], b[1]))
	}
	for l := 1; l <= levels; l++ {
		s.names = append(s.names, fmt.Sprintf("dwt_%s_energy_l%d", wavelet, l))
	}
	return s, nil
}

// Dimension returns the fixed vector width.
func (s *Schema) Dimension() int { return len(s.names) }

// Names returns the ordered feature names.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
