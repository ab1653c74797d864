package alerts

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"time"

	logger "github.com/rs/zerolog/log"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/resilient"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var webhookLogger = logger.With().Str("component", "webhook").Logger()

// WebhookSubscriber POSTs alerts as JSON to a configured endpoint, with the
// shared outbound-call policy for retries and breaking.
type WebhookSubscriber struct {
	name   string
	url    string
	caller *resilient.Caller
	client *http.Client
}

// NewWebhookSubscriber validates the endpoint and returns a subscriber.
func NewWebhookSubscriber(name, endpoint string, policy resilient.Policy) (*WebhookSubscriber, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.New(errors.KindValidation, "invalid webhook url %q", endpoint)
	}
	return &WebhookSubscriber{
		name:   name,
		url:    endpoint,
		caller: resilient.New("webhook-"+name, policy),
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Name implements Subscriber.
func (w *WebhookSubscriber) Name() string { return w.name }

// Deliver implements Subscriber.
func (w *WebhookSubscriber) Deliver(ctx context.Context, alert seismic.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "marshaling webhook JSON")
	}
	return w.caller.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(body))
		if err != nil {
			return errors.Wrap(errors.KindInternal, err, "creating HTTP request")
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return errors.Wrap(errors.KindTransient, err, "executing webhook")
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				webhookLogger.Error().Err(err).Msg("closing")
			}
		}()
		if resp.StatusCode >= 500 {
			return errors.New(errors.KindTransient, "webhook request failed with status code: %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return errors.New(errors.KindValidation, "webhook request failed with status code: %d", resp.StatusCode)
		}
		return nil
	})
}
