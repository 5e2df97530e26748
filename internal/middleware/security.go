package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware for the proxy's own endpoints.
// Proxied responses must not get these: they would change how destination
// pages render.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			// Admin state changes with every request.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
