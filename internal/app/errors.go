package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/feeding"
	"smartfeeder/feeder-server/internal/store"
)

var (
	errRateLimited        = errors.New("rate limit exceeded")
	errUnregisteredModule = errors.New("module is not registered")
)

// requestError rejects malformed input before it reaches the engine.
type requestError struct {
	code string
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{code: "invalid_request", msg: fmt.Sprintf(format, args...)}
}

// errorBody is the JSON shape of every failure, on HTTP and MQTT alike.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

// classify maps an error to an HTTP status and a stable machine code.
func classify(err error) (int, string) {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return http.StatusBadRequest, re.code
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errUnregisteredModule):
		return http.StatusForbidden, "unregistered_module"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	}

	code := feeding.Code(err)
	switch code {
	case "unknown_or_inactive_module", "not_found":
		return http.StatusNotFound, code
	case "already_completed":
		return http.StatusConflict, code
	case "module_mismatch":
		return http.StatusForbidden, code
	case "invalid_date", "invalid_time", "invalid_amount", "invalid_status":
		return http.StatusBadRequest, code
	case "store_unavailable":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// persistErr tags a failed direct store call as transient unless it is a known absence or conflict.
func persistErr(err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return fmt.Errorf("%w: %w", feeding.ErrStoreUnavailable, err)
}

func (a *App) describe(err error) (int, errorBody) {
	status, code := classify(err)
	body := errorBody{
		Error:     err.Error(),
		Code:      code,
		Retryable: feeding.Retryable(err) || errors.Is(err, errRateLimited),
	}

	switch {
	case status == http.StatusServiceUnavailable:
		body.Error = "storage temporarily unavailable"
	case status >= http.StatusInternalServerError:
		body.Error = "internal error"
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	return status, body
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		_ = c.JSON(he.Code, errorBody{Error: msg, Code: echoCode(he.Code)})
		return
	}

	status, body := a.describe(err)
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		c.Response().Header().Set("Retry-After", "1")
	}
	_ = c.JSON(status, body)
}

func echoCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	default:
		return "http_error"
	}
}
