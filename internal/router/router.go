package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/seismonet/go-seismonet/internal/router/controllers"
	"github.com/seismonet/go-seismonet/internal/router/middlewares"
	"github.com/seismonet/go-seismonet/pkg/catalog"
	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/metastore"
	"github.com/seismonet/go-seismonet/pkg/model"
	"github.com/seismonet/go-seismonet/pkg/waveform"
)

// Deps are the stores and clients the API serves from.
type Deps struct {
	Store     *eventstore.Store
	Meta      *metastore.Store
	Models    *model.Store
	Catalog   catalog.Client
	Waveforms waveform.Client
	Ready     func() bool
}

// ConfiguredRouter returns a fully configured Router that can be used as an http handler.
func ConfiguredRouter(
	token middlewares.TokenConfig,
	maxRPI uint64,
	rateLimInterval time.Duration,
	deps Deps,
) (*Router, error) {
	eventsController := controllers.NewEventsController(deps.Store, deps.Meta)
	adminController := controllers.NewAdminController(deps.Models, deps.Catalog, deps.Waveforms)
	infraController := controllers.NewInfraController(deps.Ready)

	// General router configuration.
	router := NewRouter()
	router.Use(middlewares.CORS, middlewares.TraceID, middlewares.Authentication(token))

	rateLim, err := middlewares.RateLimitController(middlewares.RateLimiterConfig{
		MaxRPI:   maxRPI,
		Interval: rateLimInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rate limit controller middleware: %s", err)
	}

	viewer := middlewares.Authorize(middlewares.RoleViewer)
	operator := middlewares.Authorize(middlewares.RoleOperator)
	admin := middlewares.Authorize(middlewares.RoleAdmin)

	// Event endpoints.
	router.Get("/api/v1/events", eventsController.GetEvents, middlewares.WithLogging, middlewares.OtelHTTP("GetEvents"), viewer, rateLim)                 // nolint
	router.Get("/api/v1/events/stream", eventsController.StreamEvents, middlewares.WithLogging, middlewares.OtelHTTP("StreamEvents"), viewer)             // nolint
	router.Get("/api/v1/events/{id}", eventsController.GetEvent, middlewares.WithLogging, middlewares.OtelHTTP("GetEvent"), viewer, rateLim)              // nolint
	router.Get("/api/v1/catalog", eventsController.GetCatalogEvents, middlewares.WithLogging, middlewares.OtelHTTP("GetCatalogEvents"), viewer, rateLim)  // nolint
	router.Get("/api/v1/deadletters", eventsController.GetDeadLetters, middlewares.WithLogging, middlewares.OtelHTTP("GetDeadLetters"), operator, rateLim) // nolint

	// Admin endpoints.
	router.Post("/api/v1/admin/model/reload", adminController.ReloadModel, middlewares.WithLogging, middlewares.OtelHTTP("ReloadModel"), operator, rateLim) // nolint
	router.Post("/api/v1/admin/caches/purge", adminController.PurgeCaches, middlewares.WithLogging, middlewares.OtelHTTP("PurgeCaches"), admin, rateLim)    // nolint

	// Infra endpoints.
	router.Get("/version", infraController.Version, middlewares.WithLogging, middlewares.OtelHTTP("Version"), rateLim) // nolint
	router.Get("/readyz", infraController.Ready)
	router.Get("/ready", infraController.Ready)
	router.Get("/healthz", healthHandler)
	router.Get("/health", healthHandler)

	return router, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Router provides a nice api around mux.Router.
type Router struct {
	r *mux.Router
}

// NewRouter is a Mux HTTP router constructor.
func NewRouter() *Router {
	r := mux.NewRouter()
	r.PathPrefix("/").Methods(http.MethodOptions) // accept OPTIONS on all routes and do nothing
	return &Router{r: r}
}

// Get creates a subroute on the specified URI that only accepts GET. You can provide specific middlewares.
func (r *Router) Get(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodGet)
	sub.Use(mid...)
}

// Post creates a subroute on the specified URI that only accepts POST. You can provide specific middlewares.
func (r *Router) Post(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodPost)
	sub.Use(mid...)
}

// Use adds middlewares to all routes. Should be used when a middleware should be execute all all routes (e.g. CORS).
func (r *Router) Use(mid ...mux.MiddlewareFunc) {
	r.r.Use(mid...)
}

// Handler returns the configured router http handler.
func (r *Router) Handler() http.Handler {
	return r.r
}
