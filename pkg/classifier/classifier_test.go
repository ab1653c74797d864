package classifier

import (
	"encoding/json"
	"math"
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

// testArtifact splits on feature 0 at 0.5: below goes to earthquake, above
// (or sentinel) to noise.
func testArtifact() *model.Artifact {
	return &model.Artifact{
		Version:  "test-1",
		SchemaID: "sf-v1",
		Labels:   []seismic.Label{seismic.LabelEarthquake, seismic.LabelNoise},
		Forest: []model.Tree{{Nodes: []model.TreeNode{
			{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
			{Left: -1, Dist: []float64{1, 0}},
			{Left: -1, Dist: []float64{0, 1}},
		}}},
		Magnitude: map[seismic.MagnitudeScale]model.MagnitudeModel{
			seismic.ScaleMl: {Weights: []float64{1}, Residuals: []float64{0}},
		},
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	c, err := New(storeWith(t, testArtifact()))
	require.NoError(t, err)

	res, err := c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{0.2}})
	require.NoError(t, err)
	require.Equal(t, seismic.LabelEarthquake, res.Label)
	require.Equal(t, 1.0, res.Confidence)
	require.Equal(t, "test-1", res.ModelVersion)

	res, err = c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{0.9}})
	require.NoError(t, err)
	require.Equal(t, seismic.LabelNoise, res.Label)
}

func TestClassifySentinelFallsRight(t *testing.T) {
	t.Parallel()

	c, err := New(storeWith(t, testArtifact()))
	require.NoError(t, err)

	// The sentinel is numerically below the threshold but must not match the
	// "below threshold" split.
	res, err := c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{features.Sentinel}})
	require.NoError(t, err)
	require.Equal(t, seismic.LabelNoise, res.Label)
}

func TestClassifyForestAveraging(t *testing.T) {
	t.Parallel()

	a := testArtifact()
	// A second tree that always votes noise. Averaged with the first, a
	// low-feature vector splits 0.5/0.5 and the first label wins ties.
	a.Forest = append(a.Forest, model.Tree{Nodes: []model.TreeNode{
		{Left: -1, Dist: []float64{0, 1}},
	}})
	c, err := New(storeWith(t, a))
	require.NoError(t, err)

	res, err := c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{0.2}})
	require.NoError(t, err)
	require.Equal(t, seismic.LabelEarthquake, res.Label)
	require.Equal(t, 0.5, res.Confidence)
}

func TestClassifyCalibration(t *testing.T) {
	t.Parallel()

	a := testArtifact()
	a.Calibration = model.Platt{A: -2, B: 1}
	c, err := New(storeWith(t, a))
	require.NoError(t, err)

	res, err := c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{0.2}})
	require.NoError(t, err)
	want := 1.0 / (1.0 + math.Exp(-2*1.0+1))
	require.InDelta(t, want, res.Confidence, 1e-12)
}

func TestClassifySchemaMismatch(t *testing.T) {
	t.Parallel()

	c, err := New(storeWith(t, testArtifact()))
	require.NoError(t, err)

	_, err = c.Classify(seismic.FeatureVector{SchemaID: "sf-v2", Values: []float64{0.2}})
	require.Error(t, err)
	require.Equal(t, errors.KindSchemaMismatch, errors.KindOf(err))
}

func TestClassifyRejectsNaN(t *testing.T) {
	t.Parallel()

	c, err := New(storeWith(t, testArtifact()))
	require.NoError(t, err)

	_, err = c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{math.NaN()}})
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestClassifyCorruptTree(t *testing.T) {
	t.Parallel()

	cyclic := testArtifact()
	cyclic.Forest[0].Nodes[0].Left = 0
	cyclic.Forest[0].Nodes[0].Right = 0
	c, err := New(storeWith(t, cyclic))
	require.NoError(t, err)
	_, err = c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{0.2}})
	require.Error(t, err)
	require.Equal(t, errors.KindCorruption, errors.KindOf(err))

	wide := testArtifact()
	wide.Forest[0].Nodes[0].Feature = 7
	c, err = New(storeWith(t, wide))
	require.NoError(t, err)
	_, err = c.Classify(seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{0.2}})
	require.Error(t, err)
	require.Equal(t, errors.KindSchemaMismatch, errors.KindOf(err))
}
