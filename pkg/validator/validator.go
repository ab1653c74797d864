// Package validator holds the structural and physical-range sanity checks
// applied to catalog events and waveform segments before they enter the
// pipeline. Checks are pure; a failing record is fatal to that record but
// never to the pipeline.
package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// Physical plausibility ranges.
const (
	MinDepthKm     = 0.0
	MaxDepthKm     = 800.0
	MinMagnitude   = -2.0
	MaxMagnitude   = 10.0
	MinSampleRate  = 0.1
	MaxSampleRate  = 20000.0
	originClockMax = time.Hour // tolerated clock skew into the future
)

var originTimeFloor = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Result is the outcome of validating one record.
type Result struct {
	Reasons []string
}

// OK reports whether the record passed every check.
func (r Result) OK() bool { return len(r.Reasons) == 0 }

func (r *Result) reject(format string, args ...interface{}) {
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

// CatalogEvent checks an external catalog record.
func CatalogEvent(e seismic.CatalogEvent) Result {
	var res Result
	if e.ID == "" {
		res.reject("missing catalog id")
	}
	if e.OriginTime.IsZero() {
		res.reject("missing origin time")
	} else {
		if e.OriginTime.Before(originTimeFloor) {
			res.reject("origin time %s before 1900", e.OriginTime)
		}
		if e.OriginTime.After(time.Now().Add(originClockMax)) {
			res.reject("origin time %s in the future", e.OriginTime)
		}
	}
	if e.Latitude < -90 || e.Latitude > 90 {
		res.reject("latitude %f out of range", e.Latitude)
	}
	if e.Longitude < -180 || e.Longitude > 180 {
		res.reject("longitude %f out of range", e.Longitude)
	}
	if e.DepthKm < MinDepthKm || e.DepthKm > MaxDepthKm {
		res.reject("depth %f km out of range [%g, %g]", e.DepthKm, MinDepthKm, MaxDepthKm)
	}
	if e.Magnitude < MinMagnitude || e.Magnitude > MaxMagnitude {
		res.reject("magnitude %f out of range [%g, %g]", e.Magnitude, MinMagnitude, MaxMagnitude)
	}
	if !seismic.KnownScale(e.Scale) {
		res.reject("unrecognized magnitude scale %q", e.Scale)
	}
	return res
}

// Segment checks a waveform segment.
func Segment(s *seismic.WaveformSegment) Result {
	var res Result
	if s.SampleRate < MinSampleRate || s.SampleRate > MaxSampleRate {
		res.reject("sample rate %f Hz out of range [%g, %g]", s.SampleRate, MinSampleRate, MaxSampleRate)
		return res
	}
	for i, v := range s.Samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			res.reject("non-finite sample at index %d", i)
			break
		}
	}
	res.Reasons = append(res.Reasons, gapReasons(s)...)
	return res
}

// gapReasons verifies gaps are disjoint, ordered, and strictly inside the
// segment bounds.
func gapReasons(s *seismic.WaveformSegment) []string {
	var reasons []string
	segStart, segEnd := s.Start, s.End()
	var prevEnd time.Time
	for i, g := range s.Gaps {
		if !g.End.After(g.Start) {
			reasons = append(reasons, fmt.Sprintf("gap %d is empty or inverted", i))
			continue
		}
		if g.Start.Before(segStart) || g.End.After(segEnd) {
			reasons = append(reasons, fmt.Sprintf("gap %d outside segment bounds", i))
		}
		if i > 0 && g.Start.Before(prevEnd) {
			reasons = append(reasons, fmt.Sprintf("gap %d overlaps gap %d", i, i-1))
		}
		prevEnd = g.End
	}
	return reasons
}
