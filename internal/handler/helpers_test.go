package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"riona-relay/internal/allowlist"
	"riona-relay/internal/client"
	"riona-relay/internal/config"
	"riona-relay/internal/metrics"
	"riona-relay/internal/middleware"
	"riona-relay/internal/service"
)

// testRelay is a fully wired relay in front of a test backend.
type testRelay struct {
	e       *echo.Echo
	cfg     *config.Config
	metrics *metrics.Metrics
}

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:                      backendURL,
			ConnectTimeoutSeconds:        2,
			ResponseHeaderTimeoutSeconds: 10,
		},
		Relay: config.RelayConfig{
			MountPrefix:  config.DefaultMountPrefix,
			StreamMarker: config.DefaultStreamMarker,
			Envelope:     true,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestRelay(t *testing.T, cfg *config.Config) *testRelay {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(cfg.Relay.MountPrefix, config.EnvelopePath, "/healthz", "/relay/status", cfg.Metrics.Path)

	allow, err := allowlist.FromConfig(cfg)
	if err != nil {
		t.Fatalf("allowlist.FromConfig: %v", err)
	}
	bc := client.NewBackendClient(cfg, logger, m)
	svc, err := service.NewRelayService(bc, cfg, allow, logger, m)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}

	e := echo.New()
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.CORS())
	e.Use(middleware.SecurityHeaders())

	RegisterRoutes(e, cfg,
		NewRelayHandler(svc, cfg, logger, m),
		NewEnvelopeHandler(svc, cfg, logger),
		NewHealthHandler(cfg, allow, "test"),
		m,
	)

	return &testRelay{e: e, cfg: cfg, metrics: m}
}

// serve runs one request through the relay in-process.
func (r *testRelay) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.e.ServeHTTP(rec, req)
	return rec
}

// countingBackend wraps h and counts the requests it receives.
func countingBackend(t *testing.T, h http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// closedBackendURL returns the URL of a server that is no longer listening.
func closedBackendURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}
