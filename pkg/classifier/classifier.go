// Package classifier assigns a label and calibrated confidence to feature
// vectors using the random-forest model served by the model store.
package classifier

import (
	"context"
	"math"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/features"
	"github.com/seismonet/go-seismonet/pkg/model"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// Classifier scores feature vectors against the current artifact. All state
// lives in the artifact snapshot, so concurrent Classify calls are safe and
// a model swap never tears an in-flight inference.
type Classifier struct {
	log   zerolog.Logger
	store *model.Store

	mClassified instrument.Int64Counter
}

// New returns a classifier bound to the model store.
func New(store *model.Store) (*Classifier, error) {
	c := &Classifier{
		log:   logger.With().Str("component", "classifier").Logger(),
		store: store,
	}
	meter := global.MeterProvider().Meter("seismonet")
	var err error
	c.mClassified, err = meter.Int64Counter("seismonet.classifier.call.count",
		instrument.WithUnit("{event}"))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "registering classified counter")
	}
	return c, nil
}

// Result is one classification outcome.
type Result struct {
	Label        seismic.Label
	Confidence   float64
	ModelVersion string
}

// Classify scores a feature vector. The vector's schema id must match the
// one the artifact was trained against.
func (c *Classifier) Classify(fv seismic.FeatureVector) (Result, error) {
	a := c.store.Get()
	if fv.SchemaID != a.SchemaID {
		return Result{}, errors.New(errors.KindSchemaMismatch,
			"feature schema %q does not match model schema %q", fv.SchemaID, a.SchemaID)
	}
	if fv.HasNaN() {
		return Result{}, errors.New(errors.KindValidation, "feature vector contains NaN")
	}

	// Average the per-tree class distributions.
	votes := make([]float64, len(a.Labels))
	for ti := range a.Forest {
		dist, err := walkTree(&a.Forest[ti], fv.Values)
		if err != nil {
			return Result{}, err
		}
		for i, p := range dist {
			votes[i] += p
		}
	}
	for i := range votes {
		votes[i] /= float64(len(a.Forest))
	}

	best := 0
	for i := 1; i < len(votes); i++ {
		if votes[i] > votes[best] {
			best = i
		}
	}
	confidence := platt(a.Calibration, votes[best])

	label := a.Labels[best]
	c.mClassified.Add(context.Background(), 1, attribute.String("label", string(label)))
	c.log.Debug().
		Str("label", string(label)).
		Float64("confidence", confidence).
		Str("modelVersion", a.Version).
		Msg("vector classified")

	return Result{Label: label, Confidence: confidence, ModelVersion: a.Version}, nil
}

func walkTree(t *model.Tree, values []float64) ([]float64, error) {
	idx := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		if idx < 0 || idx >= len(t.Nodes) {
			return nil, errors.New(errors.KindCorruption, "tree node index %d out of range", idx)
		}
		n := t.Nodes[idx]
		if n.Left == -1 {
			return n.Dist, nil
		}
		if n.Feature < 0 || n.Feature >= len(values) {
			return nil, errors.New(errors.KindSchemaMismatch,
				"tree splits on feature %d, vector has %d", n.Feature, len(values))
		}
		// Sentinel values fall to the right branch so undefined features
		// never match a "below threshold" split.
		v := values[n.Feature]
		if v != features.Sentinel && v <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
	return nil, errors.New(errors.KindCorruption, "tree walk did not terminate")
}

// platt maps a raw vote share through the artifact's sigmoid calibration.
func platt(p model.Platt, score float64) float64 {
	if p.A == 0 && p.B == 0 {
		return score
	}
	return 1.0 / (1.0 + math.Exp(p.A*score+p.B))
}
