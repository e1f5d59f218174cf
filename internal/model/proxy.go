// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound call to be forwarded to the backend.
// Path is the sub-path below the mount prefix, always starting with "/".
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse is the backend response to be streamed back to the caller.
// Stream is set when the sub-path names a log/event stream.
type ProxyResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
	Stream     bool
}
