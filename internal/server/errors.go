package server

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
)

// errorEnvelope is the uniform wire shape for every error response.
type errorEnvelope struct {
	Error   errorBody `json:"error"`
	IsError bool      `json:"isError"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorHandler is the single place where error kinds become HTTP
// responses.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	kind := errkind.KindOf(err)
	status := errkind.HTTPStatus(kind)
	message := err.Error()

	var httpErr *echo.HTTPError
	var valErr validator.ValidationErrors
	switch {
	case errors.As(err, &valErr):
		kind = errkind.ValidationFailed
		status = http.StatusBadRequest
	case errors.As(err, &httpErr):
		// Router-level errors (unknown route, method) and middleware
		// rejections arrive as echo errors.
		status = httpErr.Code
		switch {
		case httpErr.Code == http.StatusNotFound:
			kind = errkind.NotFound
		case httpErr.Code == http.StatusUnauthorized:
			kind = errkind.Kind("unauthorized")
		case httpErr.Code == http.StatusServiceUnavailable:
			kind = errkind.Kind("unavailable")
		case httpErr.Code >= 400 && httpErr.Code < 500:
			kind = errkind.ValidationFailed
		default:
			kind = errkind.Internal
		}
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	if kind == errkind.QueueFull {
		c.Response().Header().Set("Retry-After", "1")
	}
	if kind == errkind.Internal {
		s.logger.Error("internal error", zap.Error(err),
			zap.String("uri", c.Request().RequestURI))
	}
	if s.health != nil {
		s.health.RecordError(string(kind))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorEnvelope{
		Error:   errorBody{Kind: string(kind), Message: message},
		IsError: true,
	})
}
