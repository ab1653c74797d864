package impl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/resilient"
	"github.com/seismonet/go-seismonet/pkg/seismic"
	"github.com/seismonet/go-seismonet/pkg/waveform"
)

// DataSelectClient fetches framed waveform segments from a dataselect-style
// HTTP endpoint. Rate limiting, retry and breaker semantics are shared with
// the catalog client through pkg/resilient.
type DataSelectClient struct {
	log     zerolog.Logger
	baseURL string
	http    *http.Client
	caller  *resilient.Caller

	mu      sync.Mutex
	ttl     time.Duration
	nowFn   func() time.Time
	entries map[string]segmentsEntry
}

type segmentsEntry struct {
	segments  []*seismic.WaveformSegment
	expiresAt time.Time
}

var _ waveform.Client = (*DataSelectClient)(nil)

// NewDataSelectClient returns a waveform client for the given endpoint.
func NewDataSelectClient(baseURL string, policy resilient.Policy, cacheTTL time.Duration) (*DataSelectClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing base url: %s", err)
	}
	return &DataSelectClient{
		log:     logger.With().Str("component", "waveformclient").Logger(),
		baseURL: baseURL,
		http:    &http.Client{},
		caller:  resilient.New("waveform", policy),
		ttl:     cacheTTL,
		nowFn:   time.Now,
		entries: map[string]segmentsEntry{},
	}, nil
}

// GetWaveforms fetches the segments covering [t0, t1) for the channel set.
func (c *DataSelectClient) GetWaveforms(
	ctx context.Context,
	channels []seismic.ChannelID,
	t0, t1 time.Time,
) ([]*seismic.WaveformSegment, error) {
	if len(channels) == 0 {
		return nil, errors.New(errors.KindValidation, "empty channel set")
	}
	if !t1.After(t0) {
		return nil, errors.New(errors.KindValidation, "empty time range")
	}

	params := c.queryParams(channels, t0, t1)
	key := params.Encode()
	if segments, ok := c.cached(key); ok {
		return segments, nil
	}

	var body []byte
	err := c.caller.Do(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.get(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	segments, err := decodeFrames(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	segments = normalize(segments)
	c.store(key, segments)
	return segments, nil
}

// Purge drops every cached response.
func (c *DataSelectClient) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]segmentsEntry{}
	c.log.Info().Msg("waveform cache purged")
}

func (c *DataSelectClient) cached(key string) ([]*seismic.WaveformSegment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.nowFn().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.segments, true
}

func (c *DataSelectClient) store(key string, segments []*seismic.WaveformSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = segmentsEntry{segments: segments, expiresAt: c.nowFn().Add(c.ttl)}
}

func (c *DataSelectClient) queryParams(channels []seismic.ChannelID, t0, t1 time.Time) url.Values {
	selectors := make([]string, len(channels))
	for i, ch := range channels {
		selectors[i] = ch.String()
	}
	sort.Strings(selectors)

	params := url.Values{}
	params.Set("channels", strings.Join(selectors, ","))
	params.Set("start", t0.UTC().Format(time.RFC3339Nano))
	params.Set("end", t1.UTC().Format(time.RFC3339Nano))
	return params
}

func (c *DataSelectClient) get(ctx context.Context, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "creating request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindDeadlineExceeded, err, "waveform request")
		}
		return nil, errors.Wrap(errors.KindTransient, err, "waveform request")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Error().Err(err).Msg("closing response body")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryErr := errors.New(errors.KindTransient, "data center throttled us")
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return nil, resilient.WithRetryAfter(retryErr, after)
		}
		return nil, retryErr
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, errors.New(errors.KindTransient, "data center returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, errors.New(errors.KindValidation, "data center rejected request (%d)", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err, "reading response body")
	}
	return body, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// normalize sorts segments per channel and drops later overlapping segments,
// keeping the earlier one.
func normalize(segments []*seismic.WaveformSegment) []*seismic.WaveformSegment {
	sort.SliceStable(segments, func(i, j int) bool {
		ci, cj := segments[i].Channel.String(), segments[j].Channel.String()
		if ci != cj {
			return ci < cj
		}
		return segments[i].Start.Before(segments[j].Start)
	})

	out := segments[:0]
	lastEnd := map[string]time.Time{}
	for _, seg := range segments {
		key := seg.Channel.String()
		if end, ok := lastEnd[key]; ok && seg.Start.Before(end) {
			continue
		}
		lastEnd[key] = seg.End()
		out = append(out, seg)
	}
	return out
}
