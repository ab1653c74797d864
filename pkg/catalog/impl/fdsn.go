package impl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/seismonet/go-seismonet/pkg/catalog"
	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/metrics"
	"github.com/seismonet/go-seismonet/pkg/resilient"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FDSNClient queries an FDSN event web service that answers GeoJSON
// FeatureCollections, e.g. the USGS earthquake catalog.
type FDSNClient struct {
	log     zerolog.Logger
	baseURL string
	agency  string
	http    *http.Client
	caller  *resilient.Caller
	cache   *responseCache

	mCacheHits instrument.Int64Counter
	mRequests  instrument.Int64Counter
}

var _ catalog.Client = (*FDSNClient)(nil)

// NewFDSNClient returns a catalog client for the given FDSN event endpoint.
func NewFDSNClient(baseURL, agency string, policy resilient.Policy, cacheTTL time.Duration) (*FDSNClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing base url: %s", err)
	}
	c := &FDSNClient{
		log:     logger.With().Str("component", "catalogclient").Logger(),
		baseURL: baseURL,
		agency:  agency,
		http:    &http.Client{},
		caller:  resilient.New("catalog", policy),
		cache:   newResponseCache(cacheTTL),
	}
	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return c, nil
}

func (c *FDSNClient) initMetrics() error {
	meter := global.MeterProvider().Meter("catalogclient")
	var err error
	if c.mCacheHits, err = meter.Int64Counter("seismonet.catalog.cache.hits"); err != nil {
		return fmt.Errorf("creating cache hits counter: %s", err)
	}
	if c.mRequests, err = meter.Int64Counter("seismonet.catalog.requests"); err != nil {
		return fmt.Errorf("creating requests counter: %s", err)
	}
	return nil
}

// FetchEvents returns catalog events matching q, ordered by origin time
// ascending with duplicate ids removed. The cache is consulted before the
// token bucket is charged.
func (c *FDSNClient) FetchEvents(ctx context.Context, q catalog.Query) ([]seismic.CatalogEvent, error) {
	if !q.Range.IsValid() {
		return nil, errors.New(errors.KindValidation, "empty time range")
	}
	if q.BBox != nil && !q.BBox.IsValid() {
		return nil, errors.New(errors.KindValidation, "malformed bounding box")
	}

	params := c.queryParams(q)
	key := params.Encode() // url.Values.Encode sorts keys, canonicalizing the request
	if events, ok := c.cache.get(key); ok {
		c.mCacheHits.Add(ctx, 1, metrics.BaseAttrs...)
		return events, nil
	}

	var raw geoJSONCollection
	err := c.caller.Do(ctx, func(ctx context.Context) error {
		c.mRequests.Add(ctx, 1, metrics.BaseAttrs...)
		return c.getJSON(ctx, params, &raw)
	})
	if err != nil {
		return nil, err
	}

	events, err := c.toEvents(raw)
	if err != nil {
		return nil, err
	}
	c.cache.put(key, events)
	return events, nil
}

// FetchEvent returns the single event with the given catalog id.
func (c *FDSNClient) FetchEvent(ctx context.Context, id string) (seismic.CatalogEvent, error) {
	if id == "" {
		return seismic.CatalogEvent{}, errors.New(errors.KindValidation, "empty event id")
	}
	params := url.Values{}
	params.Set("format", "geojson")
	params.Set("eventid", id)

	key := params.Encode()
	if events, ok := c.cache.get(key); ok && len(events) == 1 {
		return events[0], nil
	}

	var raw geoJSONCollection
	err := c.caller.Do(ctx, func(ctx context.Context) error {
		c.mRequests.Add(ctx, 1, metrics.BaseAttrs...)
		return c.getJSON(ctx, params, &raw)
	})
	if err != nil {
		return seismic.CatalogEvent{}, err
	}
	events, err := c.toEvents(raw)
	if err != nil {
		return seismic.CatalogEvent{}, err
	}
	if len(events) == 0 {
		return seismic.CatalogEvent{}, errors.New(errors.KindNotFound, "event %s not found", id)
	}
	c.cache.put(key, events[:1])
	return events[0], nil
}

// Purge drops every cached response.
func (c *FDSNClient) Purge() {
	c.cache.purge()
	c.log.Info().Msg("catalog cache purged")
}

func (c *FDSNClient) queryParams(q catalog.Query) url.Values {
	params := url.Values{}
	params.Set("format", "geojson")
	params.Set("starttime", q.Range.Start.UTC().Format(time.RFC3339))
	params.Set("endtime", q.Range.End.UTC().Format(time.RFC3339))
	if q.MinMagnitude != nil {
		params.Set("minmagnitude", strconv.FormatFloat(*q.MinMagnitude, 'f', -1, 64))
	}
	if q.MaxMagnitude != nil {
		params.Set("maxmagnitude", strconv.FormatFloat(*q.MaxMagnitude, 'f', -1, 64))
	}
	if q.BBox != nil {
		params.Set("minlatitude", strconv.FormatFloat(q.BBox.MinLat, 'f', -1, 64))
		params.Set("maxlatitude", strconv.FormatFloat(q.BBox.MaxLat, 'f', -1, 64))
		params.Set("minlongitude", strconv.FormatFloat(q.BBox.MinLon, 'f', -1, 64))
		params.Set("maxlongitude", strconv.FormatFloat(q.BBox.MaxLon, 'f', -1, 64))
	}
	return params
}

func (c *FDSNClient) getJSON(ctx context.Context, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(errors.KindValidation, err, "creating request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(errors.KindDeadlineExceeded, err, "catalog request")
		}
		return errors.Wrap(errors.KindTransient, err, "catalog request")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Error().Err(err).Msg("closing response body")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryErr := errors.New(errors.KindTransient, "catalog throttled us")
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return resilient.WithRetryAfter(retryErr, after)
		}
		return retryErr
	case resp.StatusCode >= 500:
		return errors.New(errors.KindTransient, "catalog returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.New(errors.KindValidation, "catalog rejected request (%d): %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.KindValidation, err, "decoding geojson body")
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

type geoJSONFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Time    int64   `json:"time"` // ms since epoch
		Mag     float64 `json:"mag"`
		MagType string  `json:"magType"`
		Net     string  `json:"net"`
	} `json:"properties"`
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // [lon, lat, depthKm]
	} `json:"geometry"`
}

func (c *FDSNClient) toEvents(raw geoJSONCollection) ([]seismic.CatalogEvent, error) {
	if raw.Type != "FeatureCollection" {
		return nil, errors.New(errors.KindValidation, "unexpected geojson type %q", raw.Type)
	}
	seen := make(map[string]struct{}, len(raw.Features))
	events := make([]seismic.CatalogEvent, 0, len(raw.Features))
	for _, f := range raw.Features {
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}
		if len(f.Geometry.Coordinates) < 3 {
			return nil, errors.New(errors.KindValidation, "feature %s has %d coordinates", f.ID, len(f.Geometry.Coordinates))
		}
		agency := f.Properties.Net
		if agency == "" {
			agency = c.agency
		}
		scale := seismic.MagnitudeScale(canonicalScale(f.Properties.MagType))
		events = append(events, seismic.CatalogEvent{
			ID:         f.ID,
			OriginTime: time.UnixMilli(f.Properties.Time).UTC(),
			Latitude:   f.Geometry.Coordinates[1],
			Longitude:  f.Geometry.Coordinates[0],
			DepthKm:    f.Geometry.Coordinates[2],
			Magnitude:  f.Properties.Mag,
			Scale:      scale,
			Agency:     agency,
		})
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].OriginTime.Before(events[j].OriginTime)
	})
	return events, nil
}

// canonicalScale maps catalog magType spellings ("ml", "mwr", "mb_lg") onto
// the recognized scales; unknowns pass through for the validator to flag.
func canonicalScale(magType string) string {
	switch {
	case len(magType) >= 2 && (magType[0] == 'm' || magType[0] == 'M'):
		switch magType[1] {
		case 'l', 'L':
			return string(seismic.ScaleMl)
		case 'w', 'W':
			return string(seismic.ScaleMw)
		case 's', 'S':
			return string(seismic.ScaleMs)
		case 'b', 'B':
			return string(seismic.ScaleMb)
		}
	}
	return magType
}
