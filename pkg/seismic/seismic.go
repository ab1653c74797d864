// Package seismic contains the domain model shared by every pipeline stage:
// waveform segments, catalog events, detector candidates, feature vectors,
// classified events and alerts.
package seismic

import (
	"fmt"
	"math"
	"time"
)

// ChannelID identifies a single data channel as the usual
// (network, station, location, channel) SEED tuple.
type ChannelID struct {
	Network  string `json:"network"`
	Station  string `json:"station"`
	Location string `json:"location"`
	Channel  string `json:"channel"`
}

// String returns the dotted SEED form, e.g. "NC.MCB..HHZ".
func (c ChannelID) String() string {
	return fmt.Sprintf("%s.%s.%s.%s", c.Network, c.Station, c.Location, c.Channel)
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsValid reports whether the range is non-empty.
func (tr TimeRange) IsValid() bool {
	return tr.End.After(tr.Start)
}

// Contains reports whether t falls inside the half-open interval.
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

// BBox is a geographic bounding box in degrees.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// IsValid reports whether the box is well-formed and inside coordinate ranges.
func (b BBox) IsValid() bool {
	return b.MinLat >= -90 && b.MaxLat <= 90 && b.MinLat <= b.MaxLat &&
		b.MinLon >= -180 && b.MaxLon <= 180 && b.MinLon <= b.MaxLon
}

// Contains reports whether (lat, lon) falls inside the box.
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Gap is a half-open interval [Start, End) of missing data inside a segment.
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WaveformSegment is a finite contiguous sample sequence for one channel.
// Samples are physical units after response correction. Downstream stages
// must treat Samples as read-only; processing operations return new segments.
type WaveformSegment struct {
	Channel    ChannelID `json:"channel"`
	Start      time.Time `json:"start"`
	SampleRate float64   `json:"sample_rate"`
	Samples    []float64 `json:"samples"`
	Gaps       []Gap     `json:"gaps,omitempty"`
	Quality    string    `json:"quality,omitempty"`
}

// End returns start + count/rate.
func (s *WaveformSegment) End() time.Time {
	return s.Start.Add(s.Duration())
}

// Duration returns the time spanned by the segment samples.
func (s *WaveformSegment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(s.Samples)) / s.SampleRate * float64(time.Second))
}

// TimeAt returns the instant of the i-th sample.
func (s *WaveformSegment) TimeAt(i int) time.Time {
	return s.Start.Add(time.Duration(float64(i) / s.SampleRate * float64(time.Second)))
}

// Clone returns a deep copy of the segment with its own sample slice.
func (s *WaveformSegment) Clone() *WaveformSegment {
	cp := *s
	cp.Samples = make([]float64, len(s.Samples))
	copy(cp.Samples, s.Samples)
	cp.Gaps = make([]Gap, len(s.Gaps))
	copy(cp.Gaps, s.Gaps)
	return &cp
}

// MagnitudeScale is a recognized magnitude scale.
type MagnitudeScale string

// Recognized magnitude scales.
const (
	ScaleMl MagnitudeScale = "Ml"
	ScaleMw MagnitudeScale = "Mw"
	ScaleMs MagnitudeScale = "Ms"
	ScaleMb MagnitudeScale = "Mb"
)

// KnownScale reports whether s is a recognized magnitude scale.
func KnownScale(s MagnitudeScale) bool {
	switch s {
	case ScaleMl, ScaleMw, ScaleMs, ScaleMb:
		return true
	}
	return false
}

// CatalogEvent is an external-origin earthquake record. Immutable once
// accepted by the validator.
type CatalogEvent struct {
	ID         string         `json:"id"`
	OriginTime time.Time      `json:"origin_time"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	DepthKm    float64        `json:"depth_km"`
	Magnitude  float64        `json:"magnitude"`
	Scale      MagnitudeScale `json:"scale"`
	Agency     string         `json:"agency"`
	RawPayload []byte         `json:"raw_payload,omitempty"`
}

// CandidateState is the lifecycle state of a detector candidate.
type CandidateState string

// Candidate lifecycle states. PROVISIONAL on trigger-on, then exactly one of
// CONFIRMED or REJECTED; both are terminal.
const (
	CandidateProvisional CandidateState = "PROVISIONAL"
	CandidateConfirmed   CandidateState = "CONFIRMED"
	CandidateRejected    CandidateState = "REJECTED"
)

// CandidateEvent is an internal-origin detection emitted by a detector.
type CandidateEvent struct {
	DetectorID   string         `json:"detector_id"`
	Sequence     uint64         `json:"sequence"`
	Channel      ChannelID      `json:"channel"`
	TriggerTime  time.Time      `json:"trigger_time"`
	TriggerRatio float64        `json:"trigger_ratio"`
	State        CandidateState `json:"state"`
	PreRoll      TimeRange      `json:"pre_roll"`
	EventWindow  TimeRange      `json:"event_window"`
	PostRoll     TimeRange      `json:"post_roll"`
	RejectReason string         `json:"reject_reason,omitempty"`
}

// Duration returns the trigger-on to de-trigger duration.
func (c *CandidateEvent) Duration() time.Duration {
	return c.EventWindow.End.Sub(c.EventWindow.Start)
}

// FeatureVector is a fixed-width vector under a named, versioned schema.
// Values never contain NaN; undefined features carry the schema sentinel.
type FeatureVector struct {
	SchemaID string    `json:"schema_id"`
	Values   []float64 `json:"values"`
}

// HasNaN reports whether any value is NaN or infinite. A well-formed vector
// never has either.
func (fv FeatureVector) HasNaN() bool {
	for _, v := range fv.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// Label is a classifier output label.
type Label string

// Labels every served model must at minimum declare.
const (
	LabelEarthquake Label = "earthquake"
	LabelExplosion  Label = "explosion"
	LabelVolcanic   Label = "volcanic"
	LabelNoise      Label = "noise"
)

// MagnitudeEstimate is a point estimate with a bootstrap confidence interval.
// Invariant: Low <= Value <= High.
type MagnitudeEstimate struct {
	Value float64        `json:"value"`
	Low   float64        `json:"low"`
	High  float64        `json:"high"`
	Scale MagnitudeScale `json:"scale"`
}

// LocationEstimate is a hypocenter with its 1-sigma uncertainty.
type LocationEstimate struct {
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	DepthKm         float64 `json:"depth_km"`
	HorizontalErrKm float64 `json:"horizontal_err_km"`
	DepthErrKm      float64 `json:"depth_err_km"`
	RMSResidualS    float64 `json:"rms_residual_s"`
}

// PipelineTiming records per-stage latency for a classified event.
type PipelineTiming struct {
	DetectedAt  time.Time     `json:"detected_at"`
	CommittedAt time.Time     `json:"committed_at"`
	ProcessLag  time.Duration `json:"process_lag"`
}

// ClassifiedEvent joins a confirmed candidate with its downstream analysis.
// Immutable once appended to the event store.
type ClassifiedEvent struct {
	ID         string            `json:"id"`
	Candidate  CandidateEvent    `json:"candidate"`
	Features   FeatureVector     `json:"features"`
	Label      Label             `json:"label"`
	Confidence float64           `json:"confidence"`
	Magnitude  MagnitudeEstimate `json:"magnitude"`
	Location   *LocationEstimate `json:"location,omitempty"`
	Stations   []string          `json:"stations"`
	Timing     PipelineTiming    `json:"timing"`
}

// TriggerTime returns the candidate trigger instant, the store ordering key.
func (e *ClassifiedEvent) TriggerTime() time.Time {
	return e.Candidate.TriggerTime
}

// AlertLevel is the severity of an outbound alert.
type AlertLevel string

// Alert severity levels.
const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarn     AlertLevel = "WARN"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is an outbound notification for a classified event. At most one
// alert is delivered per DedupKey inside the dedup window.
type Alert struct {
	EventID  string     `json:"event_id"`
	Level    AlertLevel `json:"level"`
	IssuedAt time.Time  `json:"issued_at"`
	Payload  []byte     `json:"payload"`
	DedupKey string     `json:"dedup_key"`
}

// Pick is a phase arrival time observation at one station.
type Pick struct {
	Station     string    `json:"station"`
	Phase       string    `json:"phase"`
	ArrivalTime time.Time `json:"arrival_time"`
	SigmaS      float64   `json:"sigma_s"`
}

// StationCoord is a station position from the station registry.
type StationCoord struct {
	Station   string  `json:"station"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	ElevKm    float64 `json:"elev_km"`
}
