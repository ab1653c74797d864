package magnitude

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/features"
	"github.com/seismonet/go-seismonet/pkg/model"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

func storeWith(t *testing.T, a *model.Artifact) *model.Store {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	s, err := model.NewStore(path)
	require.NoError(t, err)
	return s
}

func testArtifact() *model.Artifact {
	return &model.Artifact{
		Version:  "test-1",
		SchemaID: "sf-v1",
		Labels:   []seismic.Label{seismic.LabelEarthquake, seismic.LabelNoise},
		Forest: []model.Tree{{Nodes: []model.TreeNode{
			{Left: -1, Dist: []float64{1, 0}},
		}}},
		Magnitude: map[seismic.MagnitudeScale]model.MagnitudeModel{
			seismic.ScaleMl: {
				Weights:   []float64{1, 2},
				Intercept: 0.5,
				Residuals: []float64{-0.4, -0.2, -0.1, 0, 0.1, 0.2, 0.4},
			},
		},
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	e, err := New(storeWith(t, testArtifact()), seismic.ScaleMl, 0)
	require.NoError(t, err)

	est, err := e.Estimate(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{1, 2}})
	require.NoError(t, err)
	require.InDelta(t, 5.5, est.Value, 1e-12)
	require.Equal(t, seismic.ScaleMl, est.Scale)
	require.LessOrEqual(t, est.Low, est.Value)
	require.GreaterOrEqual(t, est.High, est.Value)
	require.Less(t, est.Low, est.High)
}

func TestEstimateDeterministic(t *testing.T) {
	t.Parallel()

	e, err := New(storeWith(t, testArtifact()), seismic.ScaleMl, 0)
	require.NoError(t, err)

	fv := seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{0.5, 0.25}}
	first, err := e.Estimate(fv)
	require.NoError(t, err)
	second, err := e.Estimate(fv)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEstimateSkipsSentinel(t *testing.T) {
	t.Parallel()

	e, err := New(storeWith(t, testArtifact()), seismic.ScaleMl, 0)
	require.NoError(t, err)

	est, err := e.Estimate(seismic.FeatureVector{
		SchemaID: "sf-v1",
		Values:   []float64{features.Sentinel, 2},
	})
	require.NoError(t, err)
	// Only the second feature contributes: 0.5 + 2*2.
	require.InDelta(t, 4.5, est.Value, 1e-12)
}

func TestEstimateWiderAlphaNarrowsInterval(t *testing.T) {
	t.Parallel()

	store := storeWith(t, testArtifact())
	fv := seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{1, 1}}

	narrow, err := New(store, seismic.ScaleMl, 0.5)
	require.NoError(t, err)
	wide, err := New(store, seismic.ScaleMl, 0.05)
	require.NoError(t, err)

	nEst, err := narrow.Estimate(fv)
	require.NoError(t, err)
	wEst, err := wide.Estimate(fv)
	require.NoError(t, err)
	require.Less(t, nEst.High-nEst.Low, wEst.High-wEst.Low)
}

func TestEstimateErrors(t *testing.T) {
	t.Parallel()

	store := storeWith(t, testArtifact())
	e, err := New(store, seismic.ScaleMl, 0)
	require.NoError(t, err)

	_, err = e.Estimate(seismic.FeatureVector{SchemaID: "sf-v2", Values: []float64{1, 2}})
	require.Equal(t, errors.KindSchemaMismatch, errors.KindOf(err))

	_, err = e.Estimate(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{1}})
	require.Equal(t, errors.KindSchemaMismatch, errors.KindOf(err))

	mw, err := New(store, seismic.ScaleMw, 0)
	require.NoError(t, err)
	_, err = mw.Estimate(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{1, 2}})
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	store := storeWith(t, testArtifact())
	_, err := New(store, "Md", 0)
	require.Error(t, err)
	_, err = New(store, seismic.ScaleMl, 1.5)
	require.Error(t, err)
}

func TestBatchEstimate(t *testing.T) {
	t.Parallel()

	e, err := New(storeWith(t, testArtifact()), seismic.ScaleMl, 0)
	require.NoError(t, err)

	ests, err := e.BatchEstimate([]seismic.FeatureVector{
		{SchemaID: "sf-v1", Values: []float64{1, 2}},
		{SchemaID: "sf-v1", Values: []float64{0, 0}},
	})
	require.NoError(t, err)
	require.Len(t, ests, 2)

	_, err = e.BatchEstimate([]seismic.FeatureVector{
		{SchemaID: "sf-v1", Values: []float64{1, 2}},
		{SchemaID: "sf-v2", Values: []float64{1, 2}},
	})
	require.Error(t, err)
	require.Equal(t, errors.KindSchemaMismatch, errors.KindOf(err))
	require.ErrorContains(t, err, "vector 1")
}
