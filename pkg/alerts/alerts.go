// Package alerts turns committed classified events into outbound
// notifications. The dispatcher tails the event store, grades each event
// against the configured rules, suppresses duplicates inside the dedup
// window, and delivers to subscribers under per-subscriber rate limits.
package alerts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"golang.org/x/time/rate"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Rule grades a classified event. The first matching rule, in configured
// order, sets the alert level; an event matching no rule raises nothing.
type Rule struct {
	Level         seismic.AlertLevel
	Labels        []seismic.Label
	MinMagnitude  float64
	MinConfidence float64
	// DedupKeyTemplate renders the dedup key, e.g.
	// "{{.Label}}:{{.Candidate.Channel.Station}}".
	DedupKeyTemplate string

	tmpl *template.Template
}

// Matches reports whether ev satisfies the rule.
func (r *Rule) Matches(ev *seismic.ClassifiedEvent) bool {
	if ev.Magnitude.Value < r.MinMagnitude {
		return false
	}
	if ev.Confidence < r.MinConfidence {
		return false
	}
	if len(r.Labels) == 0 {
		return true
	}
	for _, l := range r.Labels {
		if ev.Label == l {
			return true
		}
	}
	return false
}

// DefaultRules grade by magnitude with noise filtered out.
func DefaultRules() []Rule {
	signal := []seismic.Label{seismic.LabelEarthquake, seismic.LabelExplosion, seismic.LabelVolcanic}
	key := "{{.Label}}:{{.Candidate.Channel.Station}}"
	return []Rule{
		{Level: seismic.AlertCritical, Labels: signal, MinMagnitude: 5.0, MinConfidence: 0.5, DedupKeyTemplate: key},
		{Level: seismic.AlertWarn, Labels: signal, MinMagnitude: 3.5, MinConfidence: 0.5, DedupKeyTemplate: key},
		{Level: seismic.AlertInfo, Labels: signal, MinMagnitude: 0, MinConfidence: 0.6, DedupKeyTemplate: key},
	}
}

// Subscriber receives alerts.
type Subscriber interface {
	// Name identifies the subscriber in logs and metrics.
	Name() string
	// Deliver sends one alert. Errors are logged and counted, never retried
	// by the dispatcher itself.
	Deliver(ctx context.Context, alert seismic.Alert) error
}

// Config tunes the dispatcher.
type Config struct {
	Rules       []Rule
	DedupWindow time.Duration
	// SubscriberRPS and SubscriberBurst shape each subscriber's delivery
	// rate limit.
	SubscriberRPS   float64
	SubscriberBurst int
}

type dedupEntry struct {
	until      time.Time
	suppressed int
}

type subscription struct {
	sub     Subscriber
	limiter *rate.Limiter
}

// Dispatcher consumes the store tail and fans alerts out to subscribers.
type Dispatcher struct {
	log   zerolog.Logger
	cfg   Config
	store *eventstore.Store

	mu    sync.Mutex
	dedup map[string]*dedupEntry
	subs  []*subscription

	daemonCtx      context.Context
	daemonCancel   context.CancelFunc
	daemonCanceled chan struct{}

	mIssued     instrument.Int64Counter
	mSuppressed instrument.Int64Counter
	mFailed     instrument.Int64Counter
}

// NewDispatcher builds a dispatcher over the store.
func NewDispatcher(cfg Config, store *eventstore.Store) (*Dispatcher, error) {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.SubscriberRPS <= 0 {
		cfg.SubscriberRPS = 1
	}
	if cfg.SubscriberBurst <= 0 {
		cfg.SubscriberBurst = 5
	}
	for i := range cfg.Rules {
		tmpl, err := template.New("dedup").Parse(cfg.Rules[i].DedupKeyTemplate)
		if err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "parsing dedup template of rule %d", i)
		}
		cfg.Rules[i].tmpl = tmpl
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		log:            logger.With().Str("component", "alerts").Logger(),
		cfg:            cfg,
		store:          store,
		dedup:          map[string]*dedupEntry{},
		daemonCtx:      ctx,
		daemonCancel:   cancel,
		daemonCanceled: make(chan struct{}),
	}

	meter := global.MeterProvider().Meter("seismonet")
	var err error
	if d.mIssued, err = meter.Int64Counter("seismonet.alerts.issued.count",
		instrument.WithUnit("{alert}")); err != nil {
		return nil, fmt.Errorf("registering issued counter: %s", err)
	}
	if d.mSuppressed, err = meter.Int64Counter("seismonet.alerts.suppressed.count",
		instrument.WithUnit("{alert}")); err != nil {
		return nil, fmt.Errorf("registering suppressed counter: %s", err)
	}
	if d.mFailed, err = meter.Int64Counter("seismonet.alerts.delivery.failed.count",
		instrument.WithUnit("{alert}")); err != nil {
		return nil, fmt.Errorf("registering failed counter: %s", err)
	}
	return d, nil
}

// Subscribe registers a subscriber. Must be called before Start.
func (d *Dispatcher) Subscribe(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, &subscription{
		sub:     sub,
		limiter: rate.NewLimiter(rate.Limit(d.cfg.SubscriberRPS), d.cfg.SubscriberBurst),
	})
}

// Start begins tailing the store from cursor.
func (d *Dispatcher) Start(cursor eventstore.Cursor) error {
	tail, err := d.store.Tail(d.daemonCtx, cursor)
	if err != nil {
		return err
	}
	go func() {
		defer close(d.daemonCanceled)
		for ev := range tail {
			ev := ev
			d.handle(d.daemonCtx, &ev)
		}
	}()
	d.log.Info().Msg("alert dispatcher started")
	return nil
}

// Stop cancels the tail and waits for the dispatch loop.
func (d *Dispatcher) Stop() {
	d.daemonCancel()
	<-d.daemonCanceled
	d.log.Info().Msg("alert dispatcher stopped")
}

func (d *Dispatcher) handle(ctx context.Context, ev *seismic.ClassifiedEvent) {
	rule := d.match(ev)
	if rule == nil {
		return
	}
	key, err := d.dedupKey(rule, ev)
	if err != nil {
		d.log.Error().Err(err).Str("eventId", ev.ID).Msg("rendering dedup key")
		return
	}

	now := time.Now()
	d.mu.Lock()
	entry, ok := d.dedup[key]
	if ok && now.Before(entry.until) {
		entry.suppressed++
		d.mu.Unlock()
		d.mSuppressed.Add(ctx, 1, attribute.String("level", string(rule.Level)))
		return
	}
	suppressed := 0
	if ok {
		suppressed = entry.suppressed
	}
	d.dedup[key] = &dedupEntry{until: now.Add(d.cfg.DedupWindow)}
	d.gcDedupLocked(now)
	subs := make([]*subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"event":           ev,
		"suppressed_dups": suppressed,
	})
	if err != nil {
		d.log.Error().Err(err).Str("eventId", ev.ID).Msg("encoding alert payload")
		return
	}
	alert := seismic.Alert{
		EventID:  ev.ID,
		Level:    rule.Level,
		IssuedAt: now,
		Payload:  payload,
		DedupKey: key,
	}
	d.mIssued.Add(ctx, 1, attribute.String("level", string(rule.Level)))

	for _, s := range subs {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.sub.Deliver(ctx, alert); err != nil {
			d.mFailed.Add(ctx, 1, attribute.String("subscriber", s.sub.Name()))
			d.log.Warn().Err(err).
				Str("subscriber", s.sub.Name()).
				Str("eventId", ev.ID).
				Msg("alert delivery failed")
		}
	}
}

func (d *Dispatcher) match(ev *seismic.ClassifiedEvent) *Rule {
	for i := range d.cfg.Rules {
		if d.cfg.Rules[i].Matches(ev) {
			return &d.cfg.Rules[i]
		}
	}
	return nil
}

func (d *Dispatcher) dedupKey(rule *Rule, ev *seismic.ClassifiedEvent) (string, error) {
	var buf bytes.Buffer
	if err := rule.tmpl.Execute(&buf, ev); err != nil {
		return "", err
	}
	return string(rule.Level) + ":" + buf.String(), nil
}

// gcDedupLocked drops expired entries so the map stays bounded.
func (d *Dispatcher) gcDedupLocked(now time.Time) {
	if len(d.dedup) < 4096 {
		return
	}
	for k, e := range d.dedup {
		if now.After(e.until) {
			delete(d.dedup, k)
		}
	}
}
