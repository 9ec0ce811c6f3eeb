package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

// Error codes of the {"error":{"code","message"}} envelope.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeAlreadyActivated = "ALREADY_ACTIVATED"
	CodeActivationLimit  = "ACTIVATION_LIMIT"
	CodeNotActivated     = "NOT_ACTIVATED"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"

	// CodeInvariantViolation reports a committed deactivation whose
	// activation count had to be clamped. Only sent in strict mode.
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: errorDetail{Code: code, Message: message}})
}

// statusFor maps an engine error to an HTTP status and envelope code.
func statusFor(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, CodeUnavailable
	}
	switch entitlement.KindOf(err) {
	case entitlement.KindNotFound:
		return http.StatusNotFound, CodeNotFound
	case entitlement.KindInvalidLicense:
		return http.StatusForbidden, CodeForbidden
	case entitlement.KindAlreadyActivated:
		return http.StatusConflict, CodeAlreadyActivated
	case entitlement.KindCapExceeded:
		return http.StatusConflict, CodeActivationLimit
	case entitlement.KindNotActivated:
		return http.StatusConflict, CodeNotActivated
	case entitlement.KindInvalidArgument:
		return http.StatusBadRequest, CodeInvalidRequest
	case entitlement.KindTransient:
		return http.StatusServiceUnavailable, CodeUnavailable
	case entitlement.KindInvariantViolation:
		return http.StatusInternalServerError, CodeInvariantViolation
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeEngineError renders err without leaking store internals. Server-side
// failures are logged with the full error.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := entitlement.SafeMessage(err)
	if code == CodeUnavailable && entitlement.KindOf(err) != entitlement.KindTransient {
		message = "request timed out"
	}

	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Msg("request failed")
	} else {
		logger.Debug().Str("code", code).Str("reason", message).Msg("request rejected")
	}
	writeError(w, r, status, code, message)
}
