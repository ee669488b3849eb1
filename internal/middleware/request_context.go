package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/chadiek/carechat/internal/observability"
)

// RequestContext copies the request id (set by echo's RequestID middleware)
// and the :id route parameter into the request context, so loggers built
// from it carry request_id and session_id.
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				ctx = observability.WithRequestID(ctx, id)
			}
			if sid := c.Param("id"); sid != "" {
				ctx = observability.WithSessionID(ctx, sid)
			}
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
