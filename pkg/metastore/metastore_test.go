package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/pkg/seismic"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := New("file:" + filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint
	return s
}

func catalogEvent(id string, origin time.Time, magnitude float64) seismic.CatalogEvent {
	return seismic.CatalogEvent{
		ID:         id,
		OriginTime: origin,
		Latitude:   37.7,
		Longitude:  -122.4,
		DepthKm:    8.1,
		Magnitude:  magnitude,
		Scale:      seismic.ScaleMl,
		Agency:     "nc",
	}
}

func TestSaveAndQueryCatalogEvents(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveCatalogEvents(ctx, []seismic.CatalogEvent{
		catalogEvent("us2", base.Add(time.Hour), 4.2),
		catalogEvent("us1", base, 3.1),
	}))

	evs, err := s.CatalogEvents(ctx, seismic.TimeRange{Start: base.Add(-time.Hour), End: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, "us1", evs[0].ID)
	require.Equal(t, "us2", evs[1].ID)
	require.Equal(t, seismic.ScaleMl, evs[0].Scale)
	require.Equal(t, base, evs[0].OriginTime)

	// The range is half-open.
	evs, err = s.CatalogEvents(ctx, seismic.TimeRange{Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "us1", evs[0].ID)
}

func TestSaveCatalogEventsUpserts(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveCatalogEvents(ctx, []seismic.CatalogEvent{catalogEvent("us1", base, 3.1)}))
	// Magnitude revised by the data center.
	require.NoError(t, s.SaveCatalogEvents(ctx, []seismic.CatalogEvent{catalogEvent("us1", base, 3.4)}))

	evs, err := s.CatalogEvents(ctx, seismic.TimeRange{Start: base.Add(-time.Hour), End: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.InDelta(t, 3.4, evs[0].Magnitude, 1e-9)
}

func TestDeadLetters(t *testing.T) {
	t.Parallel()

	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDeadLetter(ctx, DeadLetter{
		DetectorID: "det-NC.MCB..HHZ-1234",
		Stage:      "classify",
		Reason:     "schema_mismatch: feature schema \"sf-v0\" does not match model schema \"sf-v1\"",
		Payload:    []byte(`{"detector_id":"det-NC.MCB..HHZ-1234"}`),
	}))
	require.NoError(t, s.SaveDeadLetter(ctx, DeadLetter{
		DetectorID: "det-NC.MDP..HHZ-5678",
		Stage:      "validate",
		Reason:     "non-finite sample at index 3",
	}))

	dls, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 2)
	stages := []string{dls[0].Stage, dls[1].Stage}
	require.ElementsMatch(t, []string{"classify", "validate"}, stages)
	require.NotZero(t, dls[0].ID)
	require.False(t, dls[0].CreatedAt.IsZero())

	limited, err := s.DeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
