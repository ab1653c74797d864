// Package model loads and serves the trained model artifact consumed by the
// classifier and the magnitude estimator. The artifact is immutable once
// loaded; swapping in a new one is a scoped operation that quiesces readers.
package model

import (
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TreeNode is one node of a decision tree. Leaf nodes carry a class
// distribution and have Left == -1.
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Dist      []float64 `json:"dist,omitempty"`
}

// Tree is a decision tree stored as a node array rooted at index 0.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// Platt holds sigmoid calibration parameters applied to raw vote shares so
// the served confidence is a calibrated probability.
type Platt struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// MagnitudeModel is a linear regression over the feature vector with the
// held-out residual distribution used for bootstrap confidence intervals.
type MagnitudeModel struct {
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	Residuals []float64 `json:"residuals"`
}

// Artifact is the versioned, immutable serving bundle.
type Artifact struct {
	Version     string                                    `json:"version"`
	SchemaID    string                                    `json:"schema_id"`
	Labels      []seismic.Label                           `json:"labels"`
	Forest      []Tree                                    `json:"forest"`
	Calibration Platt                                     `json:"calibration"`
	Magnitude   map[seismic.MagnitudeScale]MagnitudeModel `json:"magnitude"`
}

// Load reads and validates an artifact from disk.
func Load(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "reading model artifact %s", path)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "decoding model artifact")
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	if a.SchemaID == "" {
		return errors.New(errors.KindValidation, "artifact missing schema id")
	}
	if len(a.Labels) == 0 {
		return errors.New(errors.KindValidation, "artifact declares no labels")
	}
	if len(a.Forest) == 0 {
		return errors.New(errors.KindValidation, "artifact has an empty forest")
	}
	for i, t := range a.Forest {
		if len(t.Nodes) == 0 {
			return errors.New(errors.KindValidation, "tree %d is empty", i)
		}
		for j, n := range t.Nodes {
			if n.Left == -1 && len(n.Dist) != len(a.Labels) {
				return errors.New(errors.KindValidation,
					"tree %d leaf %d has %d classes, want %d", i, j, len(n.Dist), len(a.Labels))
			}
		}
	}
	for scale, m := range a.Magnitude {
		if !seismic.KnownScale(scale) {
			return errors.New(errors.KindValidation, "unrecognized magnitude scale %q", scale)
		}
		if len(m.Residuals) == 0 {
			return errors.New(errors.KindValidation, "magnitude model %s has no residuals", scale)
		}
	}
	return nil
}

// Store holds the process-wide artifact and supports hot swapping. Readers
// take a snapshot pointer; Swap blocks new reads only for the pointer
// exchange, so in-flight inference always sees a consistent artifact.
type Store struct {
	log zerolog.Logger

	mu       sync.RWMutex
	artifact *Artifact
	path     string
}

// NewStore loads the artifact at path and returns a serving store.
func NewStore(path string) (*Store, error) {
	a, err := Load(path)
	if err != nil {
		return nil, err
	}
	log := logger.With().Str("component", "modelstore").Logger()
	log.Info().Str("version", a.Version).Str("schemaId", a.SchemaID).Msg("model artifact loaded")
	return &Store{log: log, artifact: a, path: path}, nil
}

// Get returns the current artifact snapshot.
func (s *Store) Get() *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifact
}

// Swap loads a new artifact and replaces the served one. On failure the old
// artifact stays in place.
func (s *Store) Swap(path string) error {
	a, err := Load(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.artifact
	s.artifact = a
	s.path = path
	s.mu.Unlock()
	s.log.Info().
		Str("oldVersion", old.Version).
		Str("newVersion", a.Version).
		Msg("model artifact swapped")
	return nil
}

// Reload re-reads the artifact from its current path.
func (s *Store) Reload() error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	return s.Swap(path)
}
