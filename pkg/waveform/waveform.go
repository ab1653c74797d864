// Package waveform defines the client that fetches time-bounded multi-channel
// waveforms from an external data center.
package waveform

import (
	"context"
	"time"

	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// Client fetches waveform segments from an external data center.
type Client interface {
	// GetWaveforms returns the segments covering [t0, t1) for every channel
	// in channels. Segments for the same channel are ordered and
	// non-overlapping; upstream overlaps are deduplicated keeping the
	// earlier segment.
	GetWaveforms(ctx context.Context, channels []seismic.ChannelID, t0, t1 time.Time) ([]*seismic.WaveformSegment, error)

	// Purge invalidates every cache entry.
	Purge()
}
