package validator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/pkg/seismic"
)

func validEvent() seismic.CatalogEvent {
	return seismic.CatalogEvent{
		ID:         "us7000abcd",
		OriginTime: time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC),
		Latitude:   37.7,
		Longitude:  -122.4,
		DepthKm:    8.2,
		Magnitude:  4.1,
		Scale:      seismic.ScaleMl,
		Agency:     "us",
	}
}

func TestCatalogEventValid(t *testing.T) {
	t.Parallel()

	res := CatalogEvent(validEvent())
	require.True(t, res.OK())
	require.Empty(t, res.Reasons)
}

func TestCatalogEventRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*seismic.CatalogEvent)
	}{
		{"missing id", func(e *seismic.CatalogEvent) { e.ID = "" }},
		{"zero origin time", func(e *seismic.CatalogEvent) { e.OriginTime = time.Time{} }},
		{"pre-1900 origin", func(e *seismic.CatalogEvent) {
			e.OriginTime = time.Date(1812, 12, 8, 0, 0, 0, 0, time.UTC)
		}},
		{"future origin", func(e *seismic.CatalogEvent) { e.OriginTime = time.Now().Add(48 * time.Hour) }},
		{"latitude out of range", func(e *seismic.CatalogEvent) { e.Latitude = 91 }},
		{"longitude out of range", func(e *seismic.CatalogEvent) { e.Longitude = -181 }},
		{"negative depth", func(e *seismic.CatalogEvent) { e.DepthKm = -3 }},
		{"absurd depth", func(e *seismic.CatalogEvent) { e.DepthKm = 1200 }},
		{"absurd magnitude", func(e *seismic.CatalogEvent) { e.Magnitude = 12 }},
		{"unknown scale", func(e *seismic.CatalogEvent) { e.Scale = "Md" }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := validEvent()
			tc.mutate(&e)
			res := CatalogEvent(e)
			require.False(t, res.OK())
			require.NotEmpty(t, res.Reasons)
		})
	}
}

func TestCatalogEventCollectsAllReasons(t *testing.T) {
	t.Parallel()

	e := validEvent()
	e.ID = ""
	e.Latitude = 100
	e.Scale = "XX"
	res := CatalogEvent(e)
	require.Len(t, res.Reasons, 3)
}

func validSegment() *seismic.WaveformSegment {
	return &seismic.WaveformSegment{
		Channel:    seismic.ChannelID{Network: "NC", Station: "MCB", Channel: "HHZ"},
		Start:      time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC),
		SampleRate: 100,
		Samples:    make([]float64, 1000),
	}
}

func TestSegmentValid(t *testing.T) {
	t.Parallel()

	require.True(t, Segment(validSegment()).OK())
}

func TestSegmentRejections(t *testing.T) {
	t.Parallel()

	bad := validSegment()
	bad.SampleRate = 0
	require.False(t, Segment(bad).OK())

	nan := validSegment()
	nan.Samples[17] = math.NaN()
	res := Segment(nan)
	require.False(t, res.OK())
	require.Contains(t, res.Reasons[0], "index 17")

	inf := validSegment()
	inf.Samples[3] = math.Inf(-1)
	require.False(t, Segment(inf).OK())
}

func TestSegmentGapChecks(t *testing.T) {
	t.Parallel()

	seg := validSegment()
	mid := seg.Start.Add(2 * time.Second)

	ok := seg.Clone()
	ok.Gaps = []seismic.Gap{{Start: mid, End: mid.Add(time.Second)}}
	require.True(t, Segment(ok).OK())

	inverted := seg.Clone()
	inverted.Gaps = []seismic.Gap{{Start: mid, End: mid}}
	require.False(t, Segment(inverted).OK())

	outside := seg.Clone()
	outside.Gaps = []seismic.Gap{{Start: seg.Start.Add(-time.Second), End: mid}}
	require.False(t, Segment(outside).OK())

	overlapping := seg.Clone()
	overlapping.Gaps = []seismic.Gap{
		{Start: mid, End: mid.Add(2 * time.Second)},
		{Start: mid.Add(time.Second), End: mid.Add(3 * time.Second)},
	}
	require.False(t, Segment(overlapping).OK())
}
