package impl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/pkg/catalog"
	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/resilient"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

func testPolicy() resilient.Policy {
	return resilient.Policy{
		RPS:              1000,
		Burst:            1000,
		MaxRetries:       2,
		Backoff:          time.Millisecond,
		BreakerThreshold: 100,
	}
}

const collectionBody = `{
	"type": "FeatureCollection",
	"features": [
		{
			"id": "us2",
			"properties": {"time": 1767225660000, "mag": 4.2, "magType": "ml", "net": "nc"},
			"geometry": {"coordinates": [-122.4, 37.7, 8.1]}
		},
		{
			"id": "us1",
			"properties": {"time": 1767225600000, "mag": 3.1, "magType": "mwr", "net": ""},
			"geometry": {"coordinates": [-121.9, 36.9, 5.0]}
		},
		{
			"id": "us2",
			"properties": {"time": 1767225660000, "mag": 4.2, "magType": "ml", "net": "nc"},
			"geometry": {"coordinates": [-122.4, 37.7, 8.1]}
		}
	]
}`

func testQuery() catalog.Query {
	return catalog.Query{Range: seismic.TimeRange{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}}
}

func TestFetchEvents(t *testing.T) {
	t.Parallel()

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, collectionBody)
	}))
	defer srv.Close()

	c, err := NewFDSNClient(srv.URL, "us", testPolicy(), 0)
	require.NoError(t, err)

	events, err := c.FetchEvents(context.Background(), testQuery())
	require.NoError(t, err)

	// Duplicates dropped, ascending origin time.
	require.Len(t, events, 2)
	require.Equal(t, "us1", events[0].ID)
	require.Equal(t, "us2", events[1].ID)
	require.True(t, events[0].OriginTime.Before(events[1].OriginTime))

	// magType spellings map to canonical scales, empty net falls back to the
	// configured agency.
	require.Equal(t, seismic.ScaleMw, events[0].Scale)
	require.Equal(t, "us", events[0].Agency)
	require.Equal(t, seismic.ScaleMl, events[1].Scale)
	require.Equal(t, "nc", events[1].Agency)
	require.InDelta(t, 37.7, events[1].Latitude, 1e-9)
	require.InDelta(t, -122.4, events[1].Longitude, 1e-9)
	require.InDelta(t, 8.1, events[1].DepthKm, 1e-9)

	require.Contains(t, gotQuery, "format=geojson")
	require.Contains(t, gotQuery, "starttime=2026-01-01")
}

func TestFetchEventsCaches(t *testing.T) {
	t.Parallel()

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, collectionBody)
	}))
	defer srv.Close()

	c, err := NewFDSNClient(srv.URL, "us", testPolicy(), time.Minute)
	require.NoError(t, err)

	_, err = c.FetchEvents(context.Background(), testQuery())
	require.NoError(t, err)
	_, err = c.FetchEvents(context.Background(), testQuery())
	require.NoError(t, err)
	require.Equal(t, 1, requests)

	c.Purge()
	_, err = c.FetchEvents(context.Background(), testQuery())
	require.NoError(t, err)
	require.Equal(t, 2, requests)
}

func TestFetchEventsRetriesServerErrors(t *testing.T) {
	t.Parallel()

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, collectionBody)
	}))
	defer srv.Close()

	c, err := NewFDSNClient(srv.URL, "us", testPolicy(), 0)
	require.NoError(t, err)

	events, err := c.FetchEvents(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 3, requests)
}

func TestFetchEventsClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewFDSNClient(srv.URL, "us", testPolicy(), 0)
	require.NoError(t, err)

	_, err = c.FetchEvents(context.Background(), testQuery())
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
	require.Equal(t, 1, requests)
}

func TestFetchEventsQueryValidation(t *testing.T) {
	t.Parallel()

	c, err := NewFDSNClient("http://localhost:9", "us", testPolicy(), 0)
	require.NoError(t, err)

	_, err = c.FetchEvents(context.Background(), catalog.Query{})
	require.Equal(t, errors.KindValidation, errors.KindOf(err))

	q := testQuery()
	q.BBox = &seismic.BBox{MinLat: 10, MaxLat: 5}
	_, err = c.FetchEvents(context.Background(), q)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestFetchEvent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("eventid") == "us2" {
			fmt.Fprint(w, `{"type":"FeatureCollection","features":[
				{"id":"us2","properties":{"time":1767225660000,"mag":4.2,"magType":"ml","net":"nc"},
				 "geometry":{"coordinates":[-122.4,37.7,8.1]}}]}`)
			return
		}
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
	}))
	defer srv.Close()

	c, err := NewFDSNClient(srv.URL, "us", testPolicy(), 0)
	require.NoError(t, err)

	ev, err := c.FetchEvent(context.Background(), "us2")
	require.NoError(t, err)
	require.Equal(t, "us2", ev.ID)

	_, err = c.FetchEvent(context.Background(), "us404")
	require.Equal(t, errors.KindNotFound, errors.KindOf(err))

	_, err = c.FetchEvent(context.Background(), "")
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestCanonicalScale(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Ml", canonicalScale("ml"))
	require.Equal(t, "Mw", canonicalScale("mww"))
	require.Equal(t, "Mb", canonicalScale("mb_lg"))
	require.Equal(t, "Ms", canonicalScale("ms_20"))
	require.Equal(t, "Md", canonicalScale("Md"))
}
