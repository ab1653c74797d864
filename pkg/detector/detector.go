// Package detector implements the per-channel STA/LTA trigger state machine
// that turns a live sample stream into candidate events.
package detector

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// State of the trigger machine.
type State string

// Detector states.
const (
	StateIdle      State = "IDLE"
	StateArmed     State = "ARMED"
	StateTriggered State = "TRIGGERED"
)

// Rejection reasons attached to rejected candidates.
const (
	ReasonBelowMinDuration = "below_min_duration"
	ReasonGap              = "gap"
)

// Params configures a detector.
type Params struct {
	STA        time.Duration
	LTA        time.Duration
	ROn        float64
	ROff       float64
	DMin       time.Duration
	DMax       time.Duration
	PreRoll    time.Duration
	PostRoll   time.Duration
	Refractory time.Duration
}

// Validate checks parameter consistency.
func (p Params) Validate() error {
	if p.STA <= 0 || p.LTA <= p.STA {
		return errors.New(errors.KindValidation, "require 0 < sta < lta, got sta=%s lta=%s", p.STA, p.LTA)
	}
	if p.ROff >= p.ROn {
		return errors.New(errors.KindValidation, "require r_off < r_on, got r_on=%f r_off=%f", p.ROn, p.ROff)
	}
	if p.DMin <= 0 || p.DMax < p.DMin {
		return errors.New(errors.KindValidation, "require 0 < d_min <= d_max, got d_min=%s d_max=%s", p.DMin, p.DMax)
	}
	return nil
}

// Detector runs the trigger machine for one channel. It is single-consumer:
// exactly one goroutine feeds it samples, strictly in time order.
type Detector struct {
	log     zerolog.Logger
	id      string
	channel seismic.ChannelID
	params  Params

	state     State
	sta       *rollingEnergy
	lta       *rollingEnergy
	ltaFrozen bool

	triggerTime  time.Time
	triggerRatio float64

	refractoryUntil time.Time
	expectNext      time.Time
}

// New returns a detector for one channel.
func New(channel seismic.ChannelID, params Params) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("det-%s-%s", channel.String(), uuid.NewString()[:8])
	return &Detector{
		log:     logger.With().Str("component", "detector").Str("channel", channel.String()).Logger(),
		id:      id,
		channel: channel,
		params:  params,
		state:   StateIdle,
	}, nil
}

// ID returns the detector id.
func (d *Detector) ID() string { return d.id }

// State returns the current machine state.
func (d *Detector) CurrentState() State { return d.state }

// Process consumes one segment and returns the candidates finalized while
// processing it, in trigger-instant order. Rejected candidates are included
// so the caller can dead-letter them; only CONFIRMED candidates continue
// down the pipeline.
func (d *Detector) Process(seg *seismic.WaveformSegment) ([]*seismic.CandidateEvent, error) {
	if seg.Channel != d.channel {
		return nil, errors.New(errors.KindValidation,
			"segment channel %s does not match detector channel %s", seg.Channel, d.channel)
	}
	if d.sta == nil {
		d.initWindows(seg.SampleRate)
	}

	var out []*seismic.CandidateEvent

	// A gap between segments, or recorded inside one, resets the machine:
	// a running trigger is rejected and the LTA must refill.
	if !d.expectNext.IsZero() && seg.Start.After(d.expectNext) {
		if ev := d.handleGap(d.expectNext); ev != nil {
			out = append(out, ev)
		}
	}
	if len(seg.Gaps) > 0 {
		if ev := d.handleGap(seg.Gaps[0].Start); ev != nil {
			out = append(out, ev)
		}
	}

	for i, v := range seg.Samples {
		now := seg.TimeAt(i)
		if ev := d.step(now, v); ev != nil {
			out = append(out, ev)
		}
	}
	d.expectNext = seg.End()
	return out, nil
}

func (d *Detector) initWindows(rate float64) {
	staN := int(d.params.STA.Seconds() * rate)
	ltaN := int(d.params.LTA.Seconds() * rate)
	if staN < 1 {
		staN = 1
	}
	if ltaN <= staN {
		ltaN = staN + 1
	}
	d.sta = newRollingEnergy(staN)
	d.lta = newRollingEnergy(ltaN)
}

func (d *Detector) handleGap(at time.Time) *seismic.CandidateEvent {
	var ev *seismic.CandidateEvent
	if d.state == StateTriggered {
		ev = d.finalize(at, seismic.CandidateRejected, ReasonGap)
	}
	d.state = StateIdle
	d.sta.reset()
	d.lta.reset()
	d.ltaFrozen = false
	return ev
}

func (d *Detector) step(now time.Time, v float64) *seismic.CandidateEvent {
	energy := v * v
	d.sta.push(energy)
	if !d.ltaFrozen {
		d.lta.push(energy)
	}

	switch d.state {
	case StateIdle:
		// The LTA must be statistically stable before arming: a full
		// window with no gaps since the last reset.
		if d.lta.full() {
			d.state = StateArmed
		}
	case StateArmed:
		if now.Before(d.refractoryUntil) {
			return nil
		}
		ratio := d.ratio()
		if ratio >= d.params.ROn {
			d.state = StateTriggered
			d.triggerTime = now
			d.triggerRatio = ratio
			d.ltaFrozen = true
		}
	case StateTriggered:
		duration := now.Sub(d.triggerTime)
		ratio := d.ratio()
		switch {
		case duration > d.params.DMax:
			// Runaway trigger, truncate at d_max.
			return d.finalize(d.triggerTime.Add(d.params.DMax), seismic.CandidateConfirmed, "")
		case ratio <= d.params.ROff && duration >= d.params.DMin:
			return d.finalize(now, seismic.CandidateConfirmed, "")
		case ratio <= d.params.ROff && duration < d.params.DMin:
			return d.finalize(now, seismic.CandidateRejected, ReasonBelowMinDuration)
		}
	}
	return nil
}

func (d *Detector) ratio() float64 {
	ltaMean := d.lta.mean()
	if ltaMean == 0 {
		return 0
	}
	return d.sta.mean() / ltaMean
}

// finalize closes the running trigger, emits the candidate, and enters the
// refractory interval with the LTA updating again.
func (d *Detector) finalize(detrigger time.Time, state seismic.CandidateState, reason string) *seismic.CandidateEvent {
	ev := &seismic.CandidateEvent{
		DetectorID:   d.id,
		Channel:      d.channel,
		TriggerTime:  d.triggerTime,
		TriggerRatio: d.triggerRatio,
		State:        state,
		PreRoll:      seismic.TimeRange{Start: d.triggerTime.Add(-d.params.PreRoll), End: d.triggerTime},
		EventWindow:  seismic.TimeRange{Start: d.triggerTime, End: detrigger},
		PostRoll:     seismic.TimeRange{Start: detrigger, End: detrigger.Add(d.params.PostRoll)},
		RejectReason: reason,
	}

	d.state = StateArmed
	d.ltaFrozen = false
	d.refractoryUntil = detrigger.Add(d.params.Refractory)

	d.log.Debug().
		Str("state", string(state)).
		Time("trigger", ev.TriggerTime).
		Dur("duration", ev.Duration()).
		Str("reason", reason).
		Msg("candidate finalized")
	return ev
}

// rollingEnergy is a fixed-size ring of sample energies with an O(1) mean.
type rollingEnergy struct {
	buf   []float64
	next  int
	count int
	sum   float64
}

func newRollingEnergy(n int) *rollingEnergy {
	return &rollingEnergy{buf: make([]float64, n)}
}

func (r *rollingEnergy) push(v float64) {
	if r.count == len(r.buf) {
		r.sum -= r.buf[r.next]
	} else {
		r.count++
	}
	r.buf[r.next] = v
	r.sum += v
	r.next = (r.next + 1) % len(r.buf)
}

func (r *rollingEnergy) full() bool { return r.count == len(r.buf) }

func (r *rollingEnergy) mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

func (r *rollingEnergy) reset() {
	r.count = 0
	r.next = 0
	r.sum = 0
	for i := range r.buf {
		r.buf[i] = 0
	}
}
