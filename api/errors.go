package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"event-store/domain"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    domain.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func statusForCode(code domain.Code) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case domain.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) domain.Code {
	switch {
	case status == http.StatusNotFound, status == http.StatusMethodNotAllowed:
		return domain.CodeNotFound
	case status == http.StatusRequestEntityTooLarge:
		return domain.CodePayloadTooLarge
	case status == http.StatusTooManyRequests:
		return domain.CodeRateLimitExceeded
	case status == http.StatusConflict:
		return domain.CodeConflict
	case status == http.StatusServiceUnavailable:
		return domain.CodeServiceUnavailable
	case status >= 400 && status < 500:
		return domain.CodeValidation
	default:
		return domain.CodeInternal
	}
}

// toDomainError converts any handler error into a *domain.Error and the HTTP
// status it is sent with.
func toDomainError(err error) (*domain.Error, int) {
	var de *domain.Error
	if errors.As(err, &de) {
		return de, statusForCode(de.Code)
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return &domain.Error{Code: codeForStatus(he.Code), Message: msg, Cause: he.Internal}, he.Code
	}
	return domain.Internal(err, "internal error"), http.StatusInternalServerError
}

// writeError sends err in the error envelope. Internal causes are logged and
// never sent to the client.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	de, status := toDomainError(err)
	if status >= http.StatusInternalServerError && logger != nil {
		entry := logger.WithFields(log.Fields{
			"code":   de.Code,
			"path":   c.Path(),
			"method": c.Request().Method,
		})
		if de.Cause != nil {
			entry = entry.WithError(de.Cause)
		}
		if de.Code == domain.CodeInternal {
			entry.Error(de.Message)
		} else {
			entry.Warn(de.Message)
		}
	}
	if secs, ok := de.Details["retry_after_seconds"].(int); ok && secs > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}
	return c.JSON(status, errorResponse{Error: errorBody{Code: de.Code, Message: de.Message, Details: de.Details}})
}

// HTTPErrorHandler renders errors that escape handlers and middleware, echo's
// own 404/405 included, in the error envelope.
func HTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if werr := writeError(c, logger, err); werr != nil && logger != nil {
			logger.WithError(werr).Error("failed to write error response")
		}
	}
}
