package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"riona-relay/internal/config"
	"riona-relay/internal/model"
	"riona-relay/internal/service"
)

// envelopeMethods are the backend methods an envelope may name.
var envelopeMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// envelopeRequest is the JSON body accepted by the envelope proxy.
type envelopeRequest struct {
	Path    string          `json:"path"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// EnvelopeHandler serves the JSON envelope proxy: the backend path, method
// and payload travel in the request rather than in the URL. Responses are
// buffered and returned as JSON, so log streams are not served here.
type EnvelopeHandler struct {
	service  *service.RelayService
	logger   *slog.Logger
	maxBytes int64
}

// NewEnvelopeHandler creates an EnvelopeHandler. Backend responses larger
// than server.body_max_bytes are rejected rather than buffered.
func NewEnvelopeHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger) *EnvelopeHandler {
	maxBytes := cfg.Server.BodyMaxBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultBodyMaxBytes
	}
	return &EnvelopeHandler{
		service:  svc,
		logger:   logger.With("component", "envelope_handler"),
		maxBytes: maxBytes,
	}
}

// Post forwards the envelope in the request body.
// method defaults to POST and payload to an empty JSON object.
func (h *EnvelopeHandler) Post(c echo.Context) error {
	var in envelopeRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
	}
	if in.Path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Path parameter required"})
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodPost
	}
	payload := []byte(in.Payload)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}

	return h.forward(c, method, in.Path, payload)
}

// Get forwards a GET to the backend path named by the "path" query parameter.
func (h *EnvelopeHandler) Get(c echo.Context) error {
	p := c.QueryParam("path")
	if p == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Path parameter required"})
	}
	return h.forward(c, http.MethodGet, p, nil)
}

func (h *EnvelopeHandler) forward(c echo.Context, method, rawPath string, payload []byte) error {
	if !envelopeMethods[method] {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unsupported method"})
	}

	target, err := url.Parse(rawPath)
	if err != nil || target.IsAbs() || target.Host != "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid path"})
	}
	if h.service.IsStream(service.NormalizeSubPath(target.Path)) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Streaming paths are served by the relay"})
	}

	pr := &model.ProxyRequest{
		Ctx:           c.Request().Context(),
		Method:        method,
		Path:          target.Path,
		RawQuery:      target.RawQuery,
		Header:        http.Header{"Content-Type": {"application/json"}},
		ContentLength: -1,
	}
	if payload != nil {
		pr.Body = io.NopCloser(bytes.NewReader(payload))
		pr.ContentLength = int64(len(payload))
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		var forbidden *service.ForbiddenError
		if errors.As(err, &forbidden) {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "Forbidden path",
				"path":  forbidden.Path,
			})
		}
		h.logger.Error("envelope request failed", "err", err, "method", method, "path", target.Path)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Proxy request failed"})
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		h.logger.Error("reading envelope response", "err", err, "method", method, "path", target.Path)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Proxy request failed"})
	}
	if int64(len(data)) > h.maxBytes {
		h.logger.Error("envelope response too large", "limit", h.maxBytes, "method", method, "path", target.Path)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Proxy request failed"})
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(resp.StatusCode, echo.MIMEApplicationJSON, data)
}
