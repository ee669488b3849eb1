package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/observability"
)

type errorResponse struct {
	Error string `json:"error"`
}

// classify maps an error to a status and a message that is safe to show.
// Only validation messages are passed through verbatim.
func classify(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, domain.ErrStreamTimeout):
		return http.StatusGatewayTimeout, "agent did not respond in time"
	case errors.Is(err, domain.ErrUpstreamConnection):
		return http.StatusBadGateway, "upstream agent unavailable"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError, "conversation could not be saved, retry later"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := classify(err)
	log := observability.LoggerFromContext(c.Request().Context()).With(
		"method", c.Request().Method,
		"path", c.Path(),
		"status", status,
	)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	} else {
		log.Info("request rejected", "error", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorResponse{Error: msg})
}
