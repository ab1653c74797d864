// Package controllers implements the public API handlers.
package controllers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/seismonet/go-seismonet/internal/router/middlewares"
	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/metastore"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventsController serves the classified-event endpoints.
type EventsController struct {
	log   zerolog.Logger
	store *eventstore.Store
	meta  *metastore.Store
}

// NewEventsController builds the controller.
func NewEventsController(store *eventstore.Store, meta *metastore.Store) *EventsController {
	return &EventsController{
		log:   logger.With().Str("component", "eventscontroller").Logger(),
		store: store,
		meta:  meta,
	}
}

// GetEvents handles GET /api/v1/events.
// Optional query parameters: start, end (RFC3339), label, bbox
// (minLat,maxLat,minLon,maxLon), min_magnitude, limit, offset.
func (c *EventsController) GetEvents(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	q, err := parseEventsQuery(r)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	evs, err := c.store.Query(r.Context(), q)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	if evs == nil {
		evs = []*seismic.ClassifiedEvent{}
	}
	_ = json.NewEncoder(rw).Encode(evs)
}

// GetEvent handles GET /api/v1/events/{id}.
func (c *EventsController) GetEvent(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	ev, err := c.store.GetByID(r.Context(), id)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	_ = json.NewEncoder(rw).Encode(ev)
}

// StreamEvents handles GET /api/v1/events/stream as Server-Sent Events.
// A Last-Event-ID header resumes the stream just past that event.
func (c *EventsController) StreamEvents(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeError(rw, r, errors.New(errors.KindInternal, "streaming unsupported"))
		return
	}

	var cursor eventstore.Cursor
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if cur, ok := c.store.CursorFor(lastID); ok {
			cursor = cur
		}
	}

	tail, err := c.store.Tail(r.Context(), cursor)
	if err != nil {
		writeError(rw, r, err)
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range tail {
		data, err := json.Marshal(ev)
		if err != nil {
			c.log.Error().Err(err).Str("eventId", ev.ID).Msg("encoding stream event")
			continue
		}
		fmt.Fprintf(rw, "id: %s\nevent: classified\ndata: %s\n\n", ev.ID, data)
		flusher.Flush()
	}
}

// GetCatalogEvents handles GET /api/v1/catalog.
func (c *EventsController) GetCatalogEvents(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	tr, err := parseTimeRange(r, time.Now().Add(-24*time.Hour), time.Now())
	if err != nil {
		writeError(rw, r, err)
		return
	}
	evs, err := c.meta.CatalogEvents(r.Context(), tr)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	if evs == nil {
		evs = []seismic.CatalogEvent{}
	}
	_ = json.NewEncoder(rw).Encode(evs)
}

// GetDeadLetters handles GET /api/v1/deadletters.
func (c *EventsController) GetDeadLetters(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(rw, r, errors.New(errors.KindValidation, "malformed limit %q", raw))
			return
		}
		limit = v
	}
	dls, err := c.meta.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	if dls == nil {
		dls = []metastore.DeadLetter{}
	}
	_ = json.NewEncoder(rw).Encode(dls)
}

func parseEventsQuery(r *http.Request) (eventstore.Query, error) {
	var q eventstore.Query
	values := r.URL.Query()

	if raw := values.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New(errors.KindValidation, "malformed start %q", raw)
		}
		q.Range.Start = t
	}
	if raw := values.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New(errors.KindValidation, "malformed end %q", raw)
		}
		q.Range.End = t
	}
	if (q.Range.Start != time.Time{} || q.Range.End != time.Time{}) && !q.Range.IsValid() {
		return q, errors.New(errors.KindValidation, "start must precede end")
	}
	q.Label = seismic.Label(values.Get("label"))

	if raw := values.Get("bbox"); raw != "" {
		box, err := parseBBox(raw)
		if err != nil {
			return q, err
		}
		q.BBox = box
	}
	if raw := values.Get("min_magnitude"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return q, errors.New(errors.KindValidation, "malformed min_magnitude %q", raw)
		}
		q.MinMagnitude = &v
	}

	q.Limit = 100
	if raw := values.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			return q, errors.New(errors.KindValidation, "limit %q outside [1, 1000]", raw)
		}
		q.Limit = v
	}
	if raw := values.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return q, errors.New(errors.KindValidation, "malformed offset %q", raw)
		}
		q.Offset = v
	}
	return q, nil
}

// parseBBox decodes "minLat,maxLat,minLon,maxLon".
func parseBBox(raw string) (*seismic.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, errors.New(errors.KindValidation, "bbox wants minLat,maxLat,minLon,maxLon, got %q", raw)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.New(errors.KindValidation, "malformed bbox coordinate %q", p)
		}
		vals[i] = v
	}
	box := &seismic.BBox{MinLat: vals[0], MaxLat: vals[1], MinLon: vals[2], MaxLon: vals[3]}
	if !box.IsValid() {
		return nil, errors.New(errors.KindValidation, "bbox %q is not well-formed", raw)
	}
	return box, nil
}

func parseTimeRange(r *http.Request, defStart, defEnd time.Time) (seismic.TimeRange, error) {
	tr := seismic.TimeRange{Start: defStart, End: defEnd}
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, errors.New(errors.KindValidation, "malformed start %q", raw)
		}
		tr.Start = t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, errors.New(errors.KindValidation, "malformed end %q", raw)
		}
		tr.End = t
	}
	if !tr.IsValid() {
		return tr, errors.New(errors.KindValidation, "start must precede end")
	}
	return tr, nil
}

// writeError maps a taxonomy error to the public status code and body,
// echoing the request trace id when the middleware assigned one.
func writeError(rw http.ResponseWriter, r *http.Request, err error) {
	kind := errors.KindOf(err)
	rw.WriteHeader(errors.HTTPStatus(kind))
	requestID, _ := r.Context().Value(middlewares.ContextKeyTraceID).(string)
	_ = json.NewEncoder(rw).Encode(errors.ServiceError{
		Error:     string(kind),
		Message:   err.Error(),
		RequestID: requestID,
	})
}
