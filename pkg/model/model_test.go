package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

func validArtifact() *Artifact {
	return &Artifact{
		Version:  "2026-02-01",
		SchemaID: "sf-v1",
		Labels:   []seismic.Label{seismic.LabelEarthquake, seismic.LabelNoise},
		Forest: []Tree{{Nodes: []TreeNode{
			{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
			{Left: -1, Dist: []float64{0.9, 0.1}},
			{Left: -1, Dist: []float64{0.2, 0.8}},
		}}},
		Calibration: Platt{},
		Magnitude: map[seismic.MagnitudeScale]MagnitudeModel{
			seismic.ScaleMl: {
				Weights:   []float64{0.5},
				Intercept: 1.0,
				Residuals: []float64{-0.2, -0.1, 0, 0.1, 0.2},
			},
		},
	}
}

func writeArtifact(t *testing.T, a *Artifact) string {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	a, err := Load(writeArtifact(t, validArtifact()))
	require.NoError(t, err)
	require.Equal(t, "2026-02-01", a.Version)
	require.Equal(t, "sf-v1", a.SchemaID)
	require.Len(t, a.Forest, 1)
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{"missing schema id", func(a *Artifact) { a.SchemaID = "" }},
		{"no labels", func(a *Artifact) { a.Labels = nil }},
		{"empty forest", func(a *Artifact) { a.Forest = nil }},
		{"empty tree", func(a *Artifact) { a.Forest = []Tree{{}} }},
		{"leaf class count mismatch", func(a *Artifact) {
			a.Forest[0].Nodes[1].Dist = []float64{1}
		}},
		{"unknown magnitude scale", func(a *Artifact) {
			a.Magnitude["Md"] = a.Magnitude[seismic.ScaleMl]
		}},
		{"no residuals", func(a *Artifact) {
			m := a.Magnitude[seismic.ScaleMl]
			m.Residuals = nil
			a.Magnitude[seismic.ScaleMl] = m
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := validArtifact()
			tc.mutate(a)
			_, err := Load(writeArtifact(t, a))
			require.Error(t, err)
			require.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestStoreSwap(t *testing.T) {
	t.Parallel()

	s, err := NewStore(writeArtifact(t, validArtifact()))
	require.NoError(t, err)
	require.Equal(t, "2026-02-01", s.Get().Version)

	next := validArtifact()
	next.Version = "2026-03-01"
	require.NoError(t, s.Swap(writeArtifact(t, next)))
	require.Equal(t, "2026-03-01", s.Get().Version)
}

func TestStoreSwapFailureKeepsOldArtifact(t *testing.T) {
	t.Parallel()

	s, err := NewStore(writeArtifact(t, validArtifact()))
	require.NoError(t, err)

	bad := validArtifact()
	bad.Forest = nil
	require.Error(t, s.Swap(writeArtifact(t, bad)))
	require.Equal(t, "2026-02-01", s.Get().Version)
}

func TestStoreReload(t *testing.T) {
	t.Parallel()

	path := writeArtifact(t, validArtifact())
	s, err := NewStore(path)
	require.NoError(t, err)

	next := validArtifact()
	next.Version = "2026-04-01"
	raw, err := json.Marshal(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	require.NoError(t, s.Reload())
	require.Equal(t, "2026-04-01", s.Get().Version)
}
