package cnwlicense

import (
	"errors"
	"fmt"
)

// Sentinel errors for server-side license failures.
var (
	ErrLicenseNotFound  = errors.New("license not found")
	ErrLicenseInactive  = errors.New("license is not active")
	ErrLicenseExpired   = errors.New("license expired")
	ErrActivationLimit  = errors.New("activation limit reached")
	ErrAlreadyActivated = errors.New("machine already activated")
	ErrNotActivated     = errors.New("machine is not activated")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnavailable      = errors.New("license server temporarily unavailable")

	// ErrInvariantViolation is returned by Deactivate when a strict server
	// released the machine but found its activation count already at zero.
	ErrInvariantViolation = errors.New("activation bookkeeping inconsistent")
)

// Sentinel errors for offline certificate verification.
var (
	ErrSignatureInvalid    = errors.New("signature verification failed")
	ErrPublicKeyInvalid    = errors.New("invalid public key")
	ErrCertificateInvalid  = errors.New("invalid certificate format")
	ErrFingerprintMismatch = errors.New("certificate issued for another machine")
	ErrNoCachedCertificate = errors.New("no cached certificate")
)

// ServerError represents an error response from the CNW License Server.
// The server returns errors in the format: {"error": {"code": "...", "message": "..."}}.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: [%s] %s", e.StatusCode, e.Code, e.Message)
}

// mapServerError converts a ServerError to a well-known sentinel error if possible.
// The returned error matches the sentinel with errors.Is and exposes the
// ServerError through errors.As.
func mapServerError(se *ServerError) error {
	var sentinel error
	switch se.Code {
	case "NOT_FOUND":
		sentinel = ErrLicenseNotFound
	case "FORBIDDEN":
		if se.Message == "license expired" {
			sentinel = ErrLicenseExpired
		} else {
			sentinel = ErrLicenseInactive
		}
	case "ACTIVATION_LIMIT":
		sentinel = ErrActivationLimit
	case "ALREADY_ACTIVATED":
		sentinel = ErrAlreadyActivated
	case "NOT_ACTIVATED":
		sentinel = ErrNotActivated
	case "INVALID_REQUEST":
		sentinel = ErrInvalidRequest
	case "UNAVAILABLE":
		sentinel = ErrUnavailable
	case "INVARIANT_VIOLATION":
		sentinel = ErrInvariantViolation
	default:
		return se
	}
	return &mappedError{sentinel: sentinel, server: se}
}

// mappedError wraps a sentinel error with the original ServerError details.
type mappedError struct {
	sentinel error
	server   *ServerError
}

func (e *mappedError) Error() string {
	return e.sentinel.Error()
}

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) As(target any) bool {
	if t, ok := target.(**ServerError); ok {
		*t = e.server
		return true
	}
	return false
}

func (e *mappedError) Unwrap() error {
	return e.sentinel
}
