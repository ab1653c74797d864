package controllers

import (
	"net/http"

	"github.com/seismonet/go-seismonet/buildinfo"
)

// InfraController serves infrastructure endpoints.
type InfraController struct {
	ready func() bool
}

// NewInfraController creates a new InfraController.
func NewInfraController(ready func() bool) *InfraController {
	return &InfraController{ready: ready}
}

// VersionResponse is the response to a version request.
type VersionResponse struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	GitBranch  string `json:"git_branch"`
	GitState   string `json:"git_state"`
	GitSummary string `json:"git_summary"`
	BuildDate  string `json:"build_date"`
}

// Version returns the binary build information.
func (c *InfraController) Version(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	summary := buildinfo.GetSummary()
	_ = json.NewEncoder(rw).Encode(VersionResponse{
		Version:    summary.Version,
		GitCommit:  summary.GitCommit,
		GitBranch:  summary.GitBranch,
		GitState:   summary.GitState,
		GitSummary: summary.GitSummary,
		BuildDate:  summary.BuildDate,
	})
}

// Ready reports 200 once the pipeline is serving, 503 before.
func (c *InfraController) Ready(rw http.ResponseWriter, _ *http.Request) {
	if c.ready != nil && !c.ready() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
}
