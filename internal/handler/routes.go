package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riona-relay/internal/config"
	"riona-relay/internal/metrics"
)

// relayMethods are the methods forwarded under the mount prefix.
// Anything else yields 405 from the router.
var relayMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// RegisterRoutes wires all route handlers onto the Echo instance.
// The envelope proxy and the metrics endpoint are only mounted when enabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, envelope *EnvelopeHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	mount := relay.mountPrefix + "/*"
	e.Match(relayMethods, mount, relay.Handle)
	e.OPTIONS(mount, relay.Preflight)

	if cfg.Relay.Envelope {
		e.GET(config.EnvelopePath, envelope.Get)
		e.POST(config.EnvelopePath, envelope.Post)
		e.OPTIONS(config.EnvelopePath, relay.Preflight)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
