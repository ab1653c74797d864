// Package magnitude estimates event magnitude from feature vectors using the
// regression model bundled with the serving artifact. Every estimate carries
// a bootstrap confidence interval from the model's held-out residuals.
package magnitude

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/features"
	"github.com/seismonet/go-seismonet/pkg/model"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

const (
	// DefaultAlpha yields the 95% interval.
	DefaultAlpha = 0.05

	bootstrapResamples = 200
	bootstrapSeed      = 0x5e15
)

// Estimator produces magnitude estimates under one scale.
type Estimator struct {
	log   zerolog.Logger
	store *model.Store
	scale seismic.MagnitudeScale
	alpha float64
}

// New returns an estimator for the given scale. Alpha is the two-sided
// interval miss probability; zero selects DefaultAlpha.
func New(store *model.Store, scale seismic.MagnitudeScale, alpha float64) (*Estimator, error) {
	if !seismic.KnownScale(scale) {
		return nil, errors.New(errors.KindValidation, "unrecognized magnitude scale %q", scale)
	}
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, errors.New(errors.KindValidation, "alpha %g outside (0, 1)", alpha)
	}
	return &Estimator{
		log:   logger.With().Str("component", "magnitude").Str("scale", string(scale)).Logger(),
		store: store,
		scale: scale,
		alpha: alpha,
	}, nil
}

// Estimate returns the point estimate and its confidence interval for one
// feature vector.
func (e *Estimator) Estimate(fv seismic.FeatureVector) (seismic.MagnitudeEstimate, error) {
	a := e.store.Get()
	if fv.SchemaID != a.SchemaID {
		return seismic.MagnitudeEstimate{}, errors.New(errors.KindSchemaMismatch,
			"feature schema %q does not match model schema %q", fv.SchemaID, a.SchemaID)
	}
	m, ok := a.Magnitude[e.scale]
	if !ok {
		return seismic.MagnitudeEstimate{}, errors.New(errors.KindValidation,
			"artifact %s carries no %s magnitude model", a.Version, e.scale)
	}
	if len(m.Weights) != len(fv.Values) {
		return seismic.MagnitudeEstimate{}, errors.New(errors.KindSchemaMismatch,
			"%s model has %d weights, vector has %d values", e.scale, len(m.Weights), len(fv.Values))
	}

	value := m.Intercept
	for i, w := range m.Weights {
		v := fv.Values[i]
		if v == features.Sentinel {
			// Undefined features contribute nothing.
			continue
		}
		value += w * v
	}

	lowQ, highQ := bootstrapQuantiles(m.Residuals, e.alpha)
	est := seismic.MagnitudeEstimate{
		Value: value,
		Low:   math.Min(value+lowQ, value),
		High:  math.Max(value+highQ, value),
		Scale: e.scale,
	}
	return est, nil
}

// BatchEstimate estimates every vector, failing on the first error.
func (e *Estimator) BatchEstimate(fvs []seismic.FeatureVector) ([]seismic.MagnitudeEstimate, error) {
	out := make([]seismic.MagnitudeEstimate, 0, len(fvs))
	for i, fv := range fvs {
		est, err := e.Estimate(fv)
		if err != nil {
			return nil, errors.Wrap(errors.KindOf(err), err, "estimating vector %d", i)
		}
		out = append(out, est)
	}
	return out, nil
}

// bootstrapQuantiles resamples the held-out residuals with replacement and
// returns the [alpha/2, 1-alpha/2] quantiles of the pooled draws. The seed is
// fixed so repeated estimates for the same artifact agree.
func bootstrapQuantiles(residuals []float64, alpha float64) (low, high float64) {
	rng := rand.New(rand.NewSource(bootstrapSeed))
	n := len(residuals)
	pool := make([]float64, 0, n*bootstrapResamples)
	for b := 0; b < bootstrapResamples; b++ {
		for i := 0; i < n; i++ {
			pool = append(pool, residuals[rng.Intn(n)])
		}
	}
	sort.Float64s(pool)
	return quantile(pool, alpha/2), quantile(pool, 1-alpha/2)
}

// quantile over a sorted slice, linear interpolation between ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
