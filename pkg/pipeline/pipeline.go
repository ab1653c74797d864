// Package pipeline orchestrates the live detection flow: waveform polling
// feeds per-channel detectors, confirmed candidates fan out to a worker pool
// for conditioning, feature extraction, classification, magnitude estimation
// and location, and finished events commit to the store in sequence order.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/seismonet/go-seismonet/pkg/catalog"
	"github.com/seismonet/go-seismonet/pkg/classifier"
	"github.com/seismonet/go-seismonet/pkg/detector"
	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/features"
	"github.com/seismonet/go-seismonet/pkg/locator"
	"github.com/seismonet/go-seismonet/pkg/magnitude"
	"github.com/seismonet/go-seismonet/pkg/metastore"
	"github.com/seismonet/go-seismonet/pkg/seismic"
	"github.com/seismonet/go-seismonet/pkg/sigproc"
	"github.com/seismonet/go-seismonet/pkg/validator"
	"github.com/seismonet/go-seismonet/pkg/waveform"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config tunes the orchestrator.
type Config struct {
	Channels      []seismic.ChannelID
	PollInterval  time.Duration
	QueueSize     int
	Workers       int
	ReorderWindow time.Duration

	BandLowHz   float64
	BandHighHz  float64
	FilterOrder int
	TargetRate  float64
	TaperFrac   float64
	MinQuality  float64

	Detector detector.Params

	CatalogSync     time.Duration
	CatalogBBox     *seismic.BBox
	AssociationSpan time.Duration
}

// Deps are the pipeline collaborators, injected so tests can substitute them.
type Deps struct {
	Waveforms  waveform.Client
	Catalog    catalog.Client
	Extractor  *features.Extractor
	Classifier *classifier.Classifier
	Magnitude  *magnitude.Estimator
	Locator    *locator.Locator
	Store      *eventstore.Store
	Meta       *metastore.Store
}

type recentTrigger struct {
	station string
	at      time.Time
}

// Pipeline is the live orchestrator. Start launches the polling, worker and
// commit goroutines; Stop drains cooperatively.
type Pipeline struct {
	log  zerolog.Logger
	cfg  Config
	deps Deps

	detectors map[seismic.ChannelID]*detector.Detector
	seq       *atomic.Uint64

	candidates chan *seismic.CandidateEvent
	finished   chan *seismic.ClassifiedEvent

	daemonCtx      context.Context
	daemonCancel   context.CancelFunc
	daemonCanceled chan struct{}

	triggersMu sync.Mutex
	recent     []recentTrigger

	mDetected   instrument.Int64Counter
	mCommitted  instrument.Int64Counter
	mDeadLetter instrument.Int64Counter
	mReorder    instrument.Int64Counter
	mLagMs      instrument.Int64Histogram
}

// New builds a pipeline. Every channel gets its own detector.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New(errors.KindValidation, "no channels configured")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 30 * time.Second
	}
	if cfg.AssociationSpan <= 0 {
		cfg.AssociationSpan = 60 * time.Second
	}

	dets := make(map[seismic.ChannelID]*detector.Detector, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		d, err := detector.New(ch, cfg.Detector)
		if err != nil {
			return nil, fmt.Errorf("building detector for %s: %s", ch, err)
		}
		dets[ch] = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:            logger.With().Str("component", "pipeline").Logger(),
		cfg:            cfg,
		deps:           deps,
		detectors:      dets,
		seq:            atomic.NewUint64(0),
		candidates:     make(chan *seismic.CandidateEvent, cfg.QueueSize),
		finished:       make(chan *seismic.ClassifiedEvent, cfg.QueueSize),
		daemonCtx:      ctx,
		daemonCancel:   cancel,
		daemonCanceled: make(chan struct{}),
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) initMetrics() error {
	meter := global.MeterProvider().Meter("seismonet")
	var err error
	if p.mDetected, err = meter.Int64Counter("seismonet.pipeline.candidate.count",
		instrument.WithUnit("{event}")); err != nil {
		return fmt.Errorf("registering candidate counter: %s", err)
	}
	if p.mCommitted, err = meter.Int64Counter("seismonet.pipeline.committed.count",
		instrument.WithUnit("{event}")); err != nil {
		return fmt.Errorf("registering committed counter: %s", err)
	}
	if p.mDeadLetter, err = meter.Int64Counter("seismonet.pipeline.deadletter.count",
		instrument.WithUnit("{event}")); err != nil {
		return fmt.Errorf("registering deadletter counter: %s", err)
	}
	if p.mReorder, err = meter.Int64Counter("seismonet.pipeline.reorder.violation.count",
		instrument.WithUnit("{event}")); err != nil {
		return fmt.Errorf("registering reorder counter: %s", err)
	}
	if p.mLagMs, err = meter.Int64Histogram("seismonet.pipeline.process.lag",
		instrument.WithUnit("ms")); err != nil {
		return fmt.Errorf("registering lag histogram: %s", err)
	}
	return nil
}

// Start launches the daemon goroutines and returns immediately.
func (p *Pipeline) Start() {
	go func() {
		defer close(p.daemonCanceled)

		g, ctx := errgroup.WithContext(p.daemonCtx)
		for _, ch := range p.cfg.Channels {
			ch := ch
			g.Go(func() error { return p.pollChannel(ctx, ch) })
		}
		for i := 0; i < p.cfg.Workers; i++ {
			g.Go(func() error { return p.worker(ctx) })
		}
		g.Go(func() error { return p.committer(ctx) })
		if p.deps.Catalog != nil && p.cfg.CatalogSync > 0 {
			g.Go(func() error { return p.catalogSync(ctx) })
		}
		if err := g.Wait(); err != nil && err != context.Canceled {
			p.log.Error().Err(err).Msg("pipeline stopped with error")
		}
	}()
	p.log.Info().
		Int("channels", len(p.cfg.Channels)).
		Int("workers", p.cfg.Workers).
		Msg("pipeline started")
}

// Stop cancels the daemon and blocks until every goroutine drained.
func (p *Pipeline) Stop() {
	p.log.Info().Msg("stopping pipeline")
	p.daemonCancel()
	<-p.daemonCanceled
	p.log.Info().Msg("pipeline stopped")
}

// pollChannel periodically fetches new waveform data for one channel and
// feeds its detector. Confirmed candidates get a sequence number and enter
// the bounded queue; when the queue is full the poller blocks rather than
// dropping work.
func (p *Pipeline) pollChannel(ctx context.Context, ch seismic.ChannelID) error {
	det := p.detectors[ch]
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	last := time.Now().Add(-p.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		segs, err := p.deps.Waveforms.GetWaveforms(ctx, []seismic.ChannelID{ch}, last, now)
		if err != nil {
			p.log.Warn().Err(err).Str("channel", ch.String()).Msg("waveform poll failed")
			continue
		}
		last = now

		for _, seg := range segs {
			if res := validator.Segment(seg); !res.OK() {
				p.deadLetter(ctx, det.ID(), "validate", fmt.Sprintf("%v", res.Reasons), seg)
				continue
			}
			cands, err := det.Process(seg)
			if err != nil {
				p.deadLetter(ctx, det.ID(), "detect", err.Error(), seg)
				continue
			}
			for _, cand := range cands {
				p.mDetected.Add(ctx, 1, attribute.String("state", string(cand.State)))
				if cand.State != seismic.CandidateConfirmed {
					p.deadLetter(ctx, det.ID(), "detect", cand.RejectReason, cand)
					continue
				}
				cand.Sequence = p.seq.Inc() - 1
				p.noteTrigger(ch.Station, cand.TriggerTime)
				select {
				case p.candidates <- cand:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// worker drains the candidate queue and runs the analysis stages.
func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cand := <-p.candidates:
			ev, err := p.processCandidate(ctx, cand)
			if err != nil {
				p.deadLetter(ctx, cand.DetectorID, stageOf(err), err.Error(), cand)
				continue
			}
			select {
			case p.finished <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %s", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	if se, ok := err.(*stageError); ok {
		return se.stage
	}
	return "process"
}

// processCandidate runs conditioning, features, classification, magnitude and
// location for one confirmed candidate.
func (p *Pipeline) processCandidate(ctx context.Context, cand *seismic.CandidateEvent) (*seismic.ClassifiedEvent, error) {
	detectedAt := time.Now()

	segs, err := p.deps.Waveforms.GetWaveforms(ctx,
		[]seismic.ChannelID{cand.Channel}, cand.PreRoll.Start, cand.PostRoll.End)
	if err != nil {
		return nil, &stageError{stage: "fetch", err: err}
	}
	if len(segs) == 0 {
		return nil, &stageError{stage: "fetch",
			err: errors.New(errors.KindNotFound, "no waveform data for candidate window")}
	}
	seg := segs[0]

	seg, err = p.condition(seg)
	if err != nil {
		return nil, &stageError{stage: "condition", err: err}
	}
	if q := sigproc.QualityScore(seg); q < p.cfg.MinQuality {
		return nil, &stageError{stage: "condition",
			err: errors.New(errors.KindValidation, "quality %.2f below floor %.2f", q, p.cfg.MinQuality)}
	}

	fv, err := p.deps.Extractor.Extract(seg)
	if err != nil {
		return nil, &stageError{stage: "features", err: err}
	}
	cls, err := p.deps.Classifier.Classify(fv)
	if err != nil {
		return nil, &stageError{stage: "classify", err: err}
	}
	mag, err := p.deps.Magnitude.Estimate(fv)
	if err != nil {
		return nil, &stageError{stage: "magnitude", err: err}
	}

	ev := &seismic.ClassifiedEvent{
		ID:         uuid.NewString(),
		Candidate:  *cand,
		Features:   fv,
		Label:      cls.Label,
		Confidence: cls.Confidence,
		Magnitude:  mag,
		Timing: seismic.PipelineTiming{
			DetectedAt: detectedAt,
		},
	}

	// Location is best effort: too few associated stations just leaves the
	// event unlocated.
	if p.deps.Locator != nil && cls.Label != seismic.LabelNoise {
		picks := p.associatedPicks(cand)
		if sol, err := p.deps.Locator.Locate(picks); err == nil {
			ev.Location = &sol.Location
			ev.Stations = sol.Stations
		} else if !errors.Is(err, errors.KindValidation) {
			return nil, &stageError{stage: "locate", err: err}
		}
	}
	if ev.Stations == nil {
		ev.Stations = []string{cand.Channel.Station}
	}
	return ev, nil
}

func (p *Pipeline) condition(seg *seismic.WaveformSegment) (*seismic.WaveformSegment, error) {
	out, err := sigproc.Detrend(seg, sigproc.DetrendLinear)
	if err != nil {
		return nil, err
	}
	if p.cfg.TaperFrac > 0 {
		if out, err = sigproc.Taper(out, p.cfg.TaperFrac); err != nil {
			return nil, err
		}
	}
	if p.cfg.BandLowHz > 0 && p.cfg.BandHighHz > p.cfg.BandLowHz {
		if out, err = sigproc.Bandpass(out, p.cfg.BandLowHz, p.cfg.BandHighHz, p.cfg.FilterOrder); err != nil {
			return nil, err
		}
	}
	if p.cfg.TargetRate > 0 && p.cfg.TargetRate < out.SampleRate {
		if out, err = sigproc.Resample(out, p.cfg.TargetRate, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// committer restores sequence order and appends to the store.
func (p *Pipeline) committer(ctx context.Context) error {
	buf := newReorderBuffer(p.cfg.ReorderWindow, 0)
	ticker := time.NewTicker(p.cfg.ReorderWindow / 4)
	defer ticker.Stop()

	commit := func(evs []*seismic.ClassifiedEvent) {
		for _, ev := range evs {
			ev.Timing.CommittedAt = time.Now()
			ev.Timing.ProcessLag = ev.Timing.CommittedAt.Sub(ev.Timing.DetectedAt)
			if err := p.deps.Store.Append(ctx, ev); err != nil {
				p.deadLetter(ctx, ev.Candidate.DetectorID, "commit", err.Error(), ev)
				continue
			}
			p.mCommitted.Add(ctx, 1, attribute.String("label", string(ev.Label)))
			p.mLagMs.Record(ctx, ev.Timing.ProcessLag.Milliseconds())
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Cooperative drain: whatever is buffered commits before exit.
			commit(buf.flush())
			return ctx.Err()
		case ev := <-p.finished:
			commit(buf.add(ev))
		case <-ticker.C:
			evs, violations := buf.expire()
			if violations > 0 {
				p.mReorder.Add(ctx, int64(violations))
			}
			commit(evs)
		}
	}
}

// catalogSync periodically pulls the external catalog and persists validated
// events to the metadata store.
func (p *Pipeline) catalogSync(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CatalogSync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		q := catalog.Query{
			Range: seismic.TimeRange{Start: time.Now().Add(-p.cfg.CatalogSync * 2), End: time.Now()},
			BBox:  p.cfg.CatalogBBox,
		}
		evs, err := p.deps.Catalog.FetchEvents(ctx, q)
		if err != nil {
			p.log.Warn().Err(err).Msg("catalog sync failed")
			continue
		}
		valid := evs[:0]
		for _, ev := range evs {
			if res := validator.CatalogEvent(ev); res.OK() {
				valid = append(valid, ev)
			}
		}
		if p.deps.Meta != nil && len(valid) > 0 {
			if err := p.deps.Meta.SaveCatalogEvents(ctx, valid); err != nil {
				p.log.Warn().Err(err).Msg("saving catalog events failed")
			}
		}
	}
}

// noteTrigger records a station trigger for cross-channel association.
func (p *Pipeline) noteTrigger(station string, at time.Time) {
	p.triggersMu.Lock()
	defer p.triggersMu.Unlock()
	cutoff := time.Now().Add(-5 * p.cfg.AssociationSpan)
	kept := p.recent[:0]
	for _, t := range p.recent {
		if t.at.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.recent = append(kept, recentTrigger{station: station, at: at})
}

// associatedPicks builds P picks from triggers near the candidate in time,
// one per station, keeping the earliest trigger per station.
func (p *Pipeline) associatedPicks(cand *seismic.CandidateEvent) []seismic.Pick {
	p.triggersMu.Lock()
	defer p.triggersMu.Unlock()
	span := p.cfg.AssociationSpan
	earliest := map[string]time.Time{}
	for _, t := range p.recent {
		d := t.at.Sub(cand.TriggerTime)
		if d < -span || d > span {
			continue
		}
		if cur, ok := earliest[t.station]; !ok || t.at.Before(cur) {
			earliest[t.station] = t.at
		}
	}
	picks := make([]seismic.Pick, 0, len(earliest))
	for st, at := range earliest {
		picks = append(picks, seismic.Pick{Station: st, Phase: "P", ArrivalTime: at, SigmaS: 0.1})
	}
	return picks
}

func (p *Pipeline) deadLetter(ctx context.Context, detectorID, stage, reason string, payload interface{}) {
	p.mDeadLetter.Add(ctx, 1, attribute.String("stage", stage))
	p.log.Warn().
		Str("detectorId", detectorID).
		Str("stage", stage).
		Str("reason", reason).
		Msg("work item dead-lettered")
	if p.deps.Meta == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", payload))
	}
	if err := p.deps.Meta.SaveDeadLetter(ctx, metastore.DeadLetter{
		DetectorID: detectorID,
		Stage:      stage,
		Reason:     reason,
		Payload:    raw,
	}); err != nil {
		p.log.Error().Err(err).Msg("saving dead letter failed")
	}
}
