package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"riona-relay/internal/config"
	"riona-relay/internal/metrics"
	"riona-relay/internal/middleware"
	"riona-relay/internal/model"
	"riona-relay/internal/service"
)

// copyBufferSize bounds how much of an upstream body is held before it is
// written and flushed to the client.
const copyBufferSize = 32 * 1024

// RelayHandler forwards requests under the mount prefix to the backend and
// streams the response back.
type RelayHandler struct {
	service     *service.RelayService
	logger      *slog.Logger
	metrics     *metrics.Metrics
	mountPrefix string
}

// NewRelayHandler creates a RelayHandler.
// The metrics parameter is optional; pass nil to disable stream metrics recording.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	prefix := cfg.Relay.MountPrefix
	if prefix == "" {
		prefix = config.DefaultMountPrefix
	}
	return &RelayHandler{
		service:     svc,
		logger:      logger.With("component", "relay_handler"),
		metrics:     m,
		mountPrefix: prefix,
	}
}

// Handle relays the request to the backend. Plain responses and log streams
// share one path: every chunk read from the backend is flushed to the client
// before the next read.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          strings.TrimPrefix(req.URL.Path, h.mountPrefix),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	for key, vals := range resp.Header {
		// The relay owns the cross-origin policy.
		if strings.HasPrefix(key, "Access-Control-") {
			continue
		}
		res.Header()[key] = vals
	}

	res.WriteHeader(resp.StatusCode)

	kind := "body"
	if resp.Stream {
		kind = "stream"
		c.Set(middleware.ContextKeyStream, true)
		if h.metrics != nil {
			h.metrics.StreamsActive.Inc()
			defer h.metrics.StreamsActive.Dec()
		}
		h.logger.Info("stream opened", "path", pr.Path, "upstream_status", resp.Status)
	}

	n, err := relayBody(res, resp.Body)
	if h.metrics != nil {
		h.metrics.BytesRelayed.WithLabelValues(kind).Add(float64(n))
	}

	// The status line is already on the wire, so a failure here can only
	// truncate the response.
	switch {
	case err == nil:
		if resp.Stream {
			h.logger.Info("stream closed by backend", "path", pr.Path, "bytes", n)
		}
	case req.Context().Err() != nil:
		h.logger.Info("client disconnected", "path", pr.Path, "bytes", n, "stream", resp.Stream)
	default:
		h.logger.Error("relaying response body", "err", err, "path", pr.Path, "bytes", n)
	}

	return nil
}

// Preflight answers CORS preflight requests without contacting the backend.
func (h *RelayHandler) Preflight(c echo.Context) error {
	middleware.SetPreflightHeaders(c.Response().Header())
	return c.NoContent(http.StatusNoContent)
}

// relayBody copies body to res, flushing after every write so the client
// sees each chunk as soon as the backend produces it.
func relayBody(res *echo.Response, body io.Reader) (int64, error) {
	res.Flush()

	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			written, werr := res.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, fmt.Errorf("write to client: %w", werr)
			}
			res.Flush()
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read from backend: %w", err)
		}
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	var forbidden *service.ForbiddenError
	if errors.As(err, &forbidden) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "Forbidden path",
			"path":  forbidden.Path,
		})
	}

	body := map[string]string{
		"error":   "Backend connection failed",
		"message": failureMessage(err),
	}

	var upstream *service.UpstreamError
	if errors.As(err, &upstream) {
		body["path"] = upstream.Path
		body["target"] = upstream.Target
	}

	if errors.Is(err, context.Canceled) {
		h.logger.Info("client disconnected before backend responded", "path", body["path"])
	} else {
		h.logger.Error("backend connection failed",
			"err", err,
			"path", body["path"],
			"target", body["target"],
		)
	}

	return c.JSON(http.StatusBadGateway, body)
}

// failureMessage describes a transport failure without repeating the URL,
// which is reported separately as the target.
func failureMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	var upstream *service.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Err.Error()
	}
	return err.Error()
}
