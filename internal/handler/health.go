package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"riona-relay/internal/allowlist"
	"riona-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	allow   *allowlist.List
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, allow *allowlist.List, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, allow: allow, version: v}
}

// Healthz returns a simple OK response for liveness probes.
// It never contacts the backend.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the relay status endpoint.
type statusResponse struct {
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	Backend      string   `json:"backend"`
	MountPrefix  string   `json:"mount_prefix"`
	StreamMarker string   `json:"stream_marker"`
	Envelope     bool     `json:"envelope"`
	Allow        []string `json:"allow"`
}

// Status returns relay status information. Credentials in the backend URL are redacted.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		Backend:      h.cfg.Upstream.RedactedBaseURL(),
		MountPrefix:  h.cfg.Relay.MountPrefix,
		StreamMarker: h.cfg.Relay.StreamMarker,
		Envelope:     h.cfg.Relay.Envelope,
		Allow:        []string{},
	}
	if h.allow != nil {
		resp.Allow = h.allow.Strings()
	}
	return c.JSON(http.StatusOK, resp)
}
