package controllers

import (
	"net/http"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/seismonet/go-seismonet/pkg/catalog"
	"github.com/seismonet/go-seismonet/pkg/model"
	"github.com/seismonet/go-seismonet/pkg/waveform"
)

// AdminController serves the operator and admin endpoints.
type AdminController struct {
	log       zerolog.Logger
	models    *model.Store
	catalog   catalog.Client
	waveforms waveform.Client
}

// NewAdminController builds the controller.
func NewAdminController(models *model.Store, cat catalog.Client, wf waveform.Client) *AdminController {
	return &AdminController{
		log:       logger.With().Str("component", "admincontroller").Logger(),
		models:    models,
		catalog:   cat,
		waveforms: wf,
	}
}

// ReloadModel handles POST /api/v1/admin/model/reload. An optional "path"
// query parameter swaps to a new artifact file instead of re-reading the
// current one.
func (c *AdminController) ReloadModel(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	var err error
	if path := r.URL.Query().Get("path"); path != "" {
		err = c.models.Swap(path)
	} else {
		err = c.models.Reload()
	}
	if err != nil {
		writeError(rw, r, err)
		return
	}
	a := c.models.Get()
	c.log.Info().Str("version", a.Version).Msg("model reloaded via api")
	_ = json.NewEncoder(rw).Encode(map[string]string{
		"version":   a.Version,
		"schema_id": a.SchemaID,
	})
}

// PurgeCaches handles POST /api/v1/admin/caches/purge.
func (c *AdminController) PurgeCaches(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	if c.catalog != nil {
		c.catalog.Purge()
	}
	if c.waveforms != nil {
		c.waveforms.Purge()
	}
	c.log.Info().Msg("client caches purged via api")
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": "purged"})
}
