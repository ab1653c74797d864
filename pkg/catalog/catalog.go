// Package catalog defines the external earthquake-catalog client used by the
// metadata ingest path.
package catalog

import (
	"context"

	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// Query filters a catalog search. Range is required; the rest are optional.
type Query struct {
	Range        seismic.TimeRange
	BBox         *seismic.BBox
	MinMagnitude *float64
	MaxMagnitude *float64
}

// Client fetches event metadata from an external catalog service.
type Client interface {
	// FetchEvents returns all events matching the query, ordered by origin
	// time ascending with no duplicate catalog ids.
	FetchEvents(ctx context.Context, q Query) ([]seismic.CatalogEvent, error)

	// FetchEvent returns a single event, or a NotFound error.
	FetchEvent(ctx context.Context, id string) (seismic.CatalogEvent, error)

	// Purge invalidates every cache entry.
	Purge()
}
