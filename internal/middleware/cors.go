package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	corsAllowMethods = "GET,POST,PUT,PATCH,DELETE,OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization"
	corsMaxAge       = "86400"
)

// SetCORSHeaders writes the relay's permissive cross-origin headers to h.
func SetCORSHeaders(h http.Header) {
	h.Set(echo.HeaderAccessControlAllowOrigin, "*")
	h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
	h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
}

// SetPreflightHeaders writes the CORS headers plus the preflight cache lifetime.
func SetPreflightHeaders(h http.Header) {
	SetCORSHeaders(h)
	h.Set(echo.HeaderAccessControlMaxAge, corsMaxAge)
}

// CORS returns an Echo middleware that puts the cross-origin headers on every
// response, whether or not the request carried an Origin header.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			SetCORSHeaders(c.Response().Header())
			return next(c)
		}
	}
}
