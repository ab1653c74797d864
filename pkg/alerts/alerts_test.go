package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

type captureSubscriber struct {
	ch chan seismic.Alert
}

func (c *captureSubscriber) Name() string { return "capture" }

func (c *captureSubscriber) Deliver(_ context.Context, a seismic.Alert) error {
	c.ch <- a
	return nil
}

func classified(id, station string, label seismic.Label, magnitude, confidence float64) *seismic.ClassifiedEvent {
	return &seismic.ClassifiedEvent{
		ID: id,
		Candidate: seismic.CandidateEvent{
			Channel:     seismic.ChannelID{Network: "NC", Station: station, Channel: "HHZ"},
			TriggerTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			State:       seismic.CandidateConfirmed,
		},
		Features:   seismic.FeatureVector{SchemaID: "sf-v1", Values: []float64{1}},
		Label:      label,
		Confidence: confidence,
		Magnitude:  seismic.MagnitudeEstimate{Value: magnitude, Scale: seismic.ScaleMl},
	}
}

func TestRuleMatches(t *testing.T) {
	t.Parallel()

	rule := Rule{
		Level:         seismic.AlertWarn,
		Labels:        []seismic.Label{seismic.LabelEarthquake},
		MinMagnitude:  3.5,
		MinConfidence: 0.5,
	}
	require.True(t, rule.Matches(classified("a", "MCB", seismic.LabelEarthquake, 4.0, 0.8)))
	require.False(t, rule.Matches(classified("b", "MCB", seismic.LabelEarthquake, 3.0, 0.8)))
	require.False(t, rule.Matches(classified("c", "MCB", seismic.LabelEarthquake, 4.0, 0.3)))
	require.False(t, rule.Matches(classified("d", "MCB", seismic.LabelNoise, 4.0, 0.8)))

	// No label filter matches any label.
	open := Rule{Level: seismic.AlertInfo}
	require.True(t, open.Matches(classified("e", "MCB", seismic.LabelNoise, 0, 0)))
}

func TestDefaultRulesGrading(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	grade := func(ev *seismic.ClassifiedEvent) seismic.AlertLevel {
		for i := range rules {
			if rules[i].Matches(ev) {
				return rules[i].Level
			}
		}
		return ""
	}

	require.Equal(t, seismic.AlertCritical, grade(classified("a", "MCB", seismic.LabelEarthquake, 5.5, 0.9)))
	require.Equal(t, seismic.AlertWarn, grade(classified("b", "MCB", seismic.LabelEarthquake, 4.0, 0.9)))
	require.Equal(t, seismic.AlertInfo, grade(classified("c", "MCB", seismic.LabelVolcanic, 2.0, 0.7)))
	require.Equal(t, seismic.AlertLevel(""), grade(classified("d", "MCB", seismic.LabelNoise, 6.0, 0.9)))
	require.Equal(t, seismic.AlertLevel(""), grade(classified("e", "MCB", seismic.LabelEarthquake, 2.0, 0.4)))
}

func TestNewDispatcherRejectsBadTemplate(t *testing.T) {
	t.Parallel()

	store, err := eventstore.Open(eventstore.Config{Dir: t.TempDir(), SchemaID: "sf-v1"})
	require.NoError(t, err)
	defer store.Close()

	_, err = NewDispatcher(Config{Rules: []Rule{{
		Level:            seismic.AlertInfo,
		DedupKeyTemplate: "{{.Broken",
	}}}, store)
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func startDispatcher(t *testing.T) (*eventstore.Store, *captureSubscriber, func()) {
	t.Helper()
	store, err := eventstore.Open(eventstore.Config{Dir: t.TempDir(), SchemaID: "sf-v1"})
	require.NoError(t, err)

	d, err := NewDispatcher(Config{
		DedupWindow:     time.Minute,
		SubscriberRPS:   1000,
		SubscriberBurst: 100,
	}, store)
	require.NoError(t, err)

	sub := &captureSubscriber{ch: make(chan seismic.Alert, 16)}
	d.Subscribe(sub)
	require.NoError(t, d.Start(0))
	return store, sub, func() {
		d.Stop()
		store.Close()
	}
}

func waitAlert(t *testing.T, ch chan seismic.Alert) seismic.Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no alert delivered")
		return seismic.Alert{}
	}
}

func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()

	store, sub, stop := startDispatcher(t)
	defer stop()

	ev := classified("ev-1", "MCB", seismic.LabelEarthquake, 5.5, 0.9)
	require.NoError(t, store.Append(context.Background(), ev))

	alert := waitAlert(t, sub.ch)
	require.Equal(t, "ev-1", alert.EventID)
	require.Equal(t, seismic.AlertCritical, alert.Level)
	require.Contains(t, string(alert.Payload), `"ev-1"`)
	require.Contains(t, alert.DedupKey, "MCB")
}

func TestDispatcherSuppressesDuplicates(t *testing.T) {
	t.Parallel()

	store, sub, stop := startDispatcher(t)
	defer stop()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, classified("ev-1", "MCB", seismic.LabelEarthquake, 4.0, 0.9)))
	first := waitAlert(t, sub.ch)
	require.Equal(t, "ev-1", first.EventID)

	// Same label and station inside the window: suppressed.
	require.NoError(t, store.Append(ctx, classified("ev-2", "MCB", seismic.LabelEarthquake, 4.1, 0.9)))
	select {
	case a := <-sub.ch:
		t.Fatalf("expected suppression, got alert for %s", a.EventID)
	case <-time.After(300 * time.Millisecond):
	}

	// A different station is a different dedup key.
	require.NoError(t, store.Append(ctx, classified("ev-3", "MDP", seismic.LabelEarthquake, 4.0, 0.9)))
	third := waitAlert(t, sub.ch)
	require.Equal(t, "ev-3", third.EventID)
}

func TestDispatcherIgnoresNonMatching(t *testing.T) {
	t.Parallel()

	store, sub, stop := startDispatcher(t)
	defer stop()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, classified("ev-noise", "MCB", seismic.LabelNoise, 6.0, 0.9)))
	require.NoError(t, store.Append(ctx, classified("ev-quake", "MCB", seismic.LabelEarthquake, 5.0, 0.9)))

	alert := waitAlert(t, sub.ch)
	require.Equal(t, "ev-quake", alert.EventID)
}
