// Package service implements the relay's authorization and forwarding logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"riona-relay/internal/allowlist"
	"riona-relay/internal/client"
	"riona-relay/internal/config"
	"riona-relay/internal/metrics"
	"riona-relay/internal/model"
)

// ErrForbiddenPath is matched by errors.Is for sub-paths outside the allow-list.
var ErrForbiddenPath = errors.New("forbidden path")

// ForbiddenError reports a sub-path rejected by the allow-list.
type ForbiddenError struct {
	Path string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden path %q", e.Path)
}

// Is reports whether target is ErrForbiddenPath.
func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbiddenPath
}

// UpstreamError reports a failure to reach the backend or read its response headers.
// Target is the redacted URL the request was sent to.
type UpstreamError struct {
	Path   string
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("forward %s to %s: %v", e.Path, e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// droppedRequestHeaders are regenerated by the transport rather than copied.
// Accept-Encoding is dropped so the transport negotiates compression itself
// and hands back a decoded body.
var droppedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Connection",
	"Accept-Encoding",
}

// droppedResponseHeaders describe upstream framing that the local server recomputes.
var droppedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
}

// RelayService authorizes sub-paths and forwards requests to the backend origin.
// It holds only configuration fixed at construction and is safe for concurrent use.
type RelayService struct {
	client        *client.BackendClient
	allow         *allowlist.List
	logger        *slog.Logger
	metrics       *metrics.Metrics
	baseURL       *url.URL
	streamMarker  string
	streamHeaders http.Header
}

// NewRelayService creates a RelayService.
// The metrics parameter is optional; pass nil to disable relay metrics recording.
func NewRelayService(c *client.BackendClient, cfg *config.Config, allow *allowlist.List, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q must be absolute", cfg.Upstream.BaseURL)
	}
	if allow == nil {
		return nil, errors.New("allow-list is required")
	}

	streamHeaders := make(http.Header, len(cfg.Relay.StreamHeaders))
	for k, v := range cfg.Relay.StreamHeaders {
		streamHeaders.Set(k, v)
	}

	marker := cfg.Relay.StreamMarker
	if marker == "" {
		marker = config.DefaultStreamMarker
	}

	return &RelayService{
		client:        c,
		allow:         allow,
		logger:        logger.With("component", "relay_service"),
		metrics:       m,
		baseURL:       u,
		streamMarker:  marker,
		streamHeaders: streamHeaders,
	}, nil
}

// NormalizeSubPath returns raw with a leading "/" and no dot segments.
// A trailing slash survives so the backend sees the path it was asked for.
func NormalizeSubPath(raw string) string {
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	cleaned := path.Clean(raw)
	if strings.HasSuffix(raw, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Allowed reports whether the normalized sub-path may be forwarded.
func (s *RelayService) Allowed(subPath string) bool {
	return s.allow.Allows(subPath)
}

// IsStream reports whether subPath names a log/event stream.
func (s *RelayService) IsStream(subPath string) bool {
	return strings.Contains(subPath, s.streamMarker)
}

// Target returns the backend URL for a sub-path and raw query string.
func (s *RelayService) Target(subPath, rawQuery string) *url.URL {
	u := *s.baseURL
	u.Path = strings.TrimRight(s.baseURL.Path, "/") + subPath
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	return &u
}

// Forward authorizes pr and sends it to the backend, returning the response
// with relay headers applied. The caller is responsible for closing the
// response body.
//
// A sub-path outside the allow-list yields a *ForbiddenError without any
// upstream traffic. Transport failures yield an *UpstreamError. Upstream
// 4xx/5xx statuses are not errors.
func (s *RelayService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	subPath := NormalizeSubPath(pr.Path)

	if !s.Allowed(subPath) {
		s.logger.Warn("forbidden path", "method", pr.Method, "path", subPath)
		if s.metrics != nil {
			s.metrics.ForbiddenTotal.Inc()
		}
		return nil, &ForbiddenError{Path: subPath}
	}

	target := s.Target(subPath, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header)

	var body io.Reader
	contentLength := int64(-1)
	if methodAllowsBody(pr.Method) && pr.Body != nil {
		body = pr.Body
		contentLength = pr.ContentLength
		if contentLength == 0 {
			body = http.NoBody
		}
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", subPath,
		"target", target.Redacted(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target.String(), header, body, contentLength)
	if err != nil {
		return nil, &UpstreamError{Path: subPath, Target: target.Redacted(), Err: err}
	}

	resp.Stream = s.IsStream(subPath)
	resp.Header = s.filterResponseHeaders(resp.Header, resp.Stream)
	return resp, nil
}

// methodAllowsBody reports whether a request body is forwarded for method.
func methodAllowsBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return false
	}
	return true
}

func (s *RelayService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range droppedRequestHeaders {
		dst.Del(key)
	}
	return dst
}

func (s *RelayService) filterResponseHeaders(src http.Header, stream bool) http.Header {
	dst := make(http.Header, len(src)+4)
	for key, vals := range src {
		if droppedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}

	dst.Set("Cache-Control", "no-store")

	if stream {
		dst.Set("Content-Type", "text/event-stream")
		dst.Set("Connection", "keep-alive")
		dst.Set("X-Accel-Buffering", "no")
		dst.Set("Cache-Control", "no-cache")
		for key, vals := range s.streamHeaders {
			dst[key] = vals
		}
	}
	return dst
}
