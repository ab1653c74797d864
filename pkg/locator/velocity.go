package locator

import (
	"encoding/json"
	"math"
	"os"

	"github.com/seismonet/go-seismonet/pkg/errors"
)

// Layer is one constant-velocity layer of the 1-D model.
type Layer struct {
	TopKm float64 `json:"top_km"`
	VpKms float64 `json:"vp_kms"`
	VsKms float64 `json:"vs_kms"`
}

// VelocityModel is a stack of flat layers ordered by increasing depth.
// Travel times use the straight-ray path-averaged velocity, which is accurate
// enough at local distances for the coarse-then-refine solver.
type VelocityModel struct {
	Name   string  `json:"name"`
	Layers []Layer `json:"layers"`
}

// DefaultModel is a single-layer crust used when no model file is configured.
func DefaultModel() *VelocityModel {
	return &VelocityModel{
		Name:   "halfspace",
		Layers: []Layer{{TopKm: 0, VpKms: 6.0, VsKms: 3.5}},
	}
}

// LoadModel reads a velocity model from a JSON file.
func LoadModel(path string) (*VelocityModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "reading velocity model %s", path)
	}
	var m VelocityModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "decoding velocity model")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks layer ordering and velocities.
func (m *VelocityModel) Validate() error {
	if len(m.Layers) == 0 {
		return errors.New(errors.KindValidation, "velocity model has no layers")
	}
	prev := math.Inf(-1)
	for i, l := range m.Layers {
		if l.TopKm <= prev {
			return errors.New(errors.KindValidation, "layer %d top %.1f km not below previous", i, l.TopKm)
		}
		if l.VpKms <= 0 || l.VsKms <= 0 || l.VsKms >= l.VpKms {
			return errors.New(errors.KindValidation, "layer %d requires 0 < vs < vp", i)
		}
		prev = l.TopKm
	}
	if m.Layers[0].TopKm != 0 {
		return errors.New(errors.KindValidation, "first layer must start at the surface")
	}
	return nil
}

// averageVelocity returns the path-averaged velocity between the surface and
// depthKm, weighting each layer by the depth interval it spans.
func (m *VelocityModel) averageVelocity(depthKm float64, phase string) float64 {
	vel := func(l Layer) float64 {
		if phase == "S" {
			return l.VsKms
		}
		return l.VpKms
	}
	if depthKm <= 0 {
		return vel(m.Layers[0])
	}
	slownessDist := 0.0
	for i, l := range m.Layers {
		bottom := depthKm
		if i+1 < len(m.Layers) && m.Layers[i+1].TopKm < depthKm {
			bottom = m.Layers[i+1].TopKm
		}
		if bottom <= l.TopKm {
			break
		}
		slownessDist += (bottom - l.TopKm) / vel(l)
	}
	return depthKm / slownessDist
}

// TravelTime returns the straight-ray travel time in seconds for a source at
// depthKm observed at epicentral distance distKm.
func (m *VelocityModel) TravelTime(distKm, depthKm float64, phase string) float64 {
	slant := math.Hypot(distKm, depthKm)
	v := m.averageVelocity(math.Max(depthKm, 1.0), phase)
	return slant / v
}
