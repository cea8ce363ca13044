package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"custodychain/internal/adapters/exports"
	"custodychain/internal/core"
	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

type errorBody struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Method string `json:"method,omitempty"`
}

// partialBody always carries transitioned, even when empty.
type partialBody struct {
	Error        string   `json:"error"`
	Transitioned []string `json:"transitioned"`
	FailedPacket string   `json:"failed_packet"`
	Reason       string   `json:"reason"`
}

// statusFor maps a service error onto a status code and response body.
func statusFor(err error) (int, any) {
	var (
		partial   *core.PartialBulkFailure
		verr      *domain.ValidationError
		nf        domain.ErrNotFound
		rej       *ledger.RejectionError
		unav      *ledger.UnavailableError
		violation domain.RuleViolationError
		httpErr   *echo.HTTPError
	)
	switch {
	case errors.As(err, &partial):
		transitioned := partial.Transitioned
		if transitioned == nil {
			transitioned = []string{}
		}
		return http.StatusConflict, partialBody{
			Error:        partial.Error(),
			Transitioned: transitioned,
			FailedPacket: partial.FailedPacket,
			Reason:       partial.Reason,
		}
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Error: verr.Message, Field: verr.Field}
	case errors.As(err, &nf):
		return http.StatusNotFound, errorBody{Error: nf.Error()}
	case errors.As(err, &rej):
		return http.StatusUnprocessableEntity, errorBody{Error: rej.Reason, Method: rej.Method}
	case errors.As(err, &unav):
		return http.StatusServiceUnavailable, errorBody{Error: unav.Error(), Method: unav.Method}
	case errors.Is(err, exports.ErrQueueFull):
		return http.StatusServiceUnavailable, errorBody{Error: err.Error()}
	case errors.As(err, &violation):
		return http.StatusConflict, errorBody{Error: violation.Error()}
	case errors.As(err, &httpErr):
		msg, ok := httpErr.Message.(string)
		if !ok {
			msg = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, errorBody{Error: msg}
	default:
		return http.StatusInternalServerError, errorBody{Error: err.Error()}
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}
