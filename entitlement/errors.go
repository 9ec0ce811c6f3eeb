package entitlement

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnitIssued is returned by Create when a license with the same
	// OrderUnit already exists.
	ErrUnitIssued = errors.New("order unit already issued")
	// ErrConflict marks a transient failure (lost CAS race, serialization
	// failure, deadlock). The engine retries it.
	ErrConflict = errors.New("concurrent update conflict")
)

// ErrUnknownKeyFormat is returned for a key format the generator does not know.
var ErrUnknownKeyFormat = errors.New("unknown key format")

// Kind classifies engine failures for the API layer.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidLicense
	KindAlreadyActivated
	KindCapExceeded
	KindNotActivated
	KindInvariantViolation
	KindInvalidArgument
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidLicense:
		return "invalid_license"
	case KindAlreadyActivated:
		return "already_activated"
	case KindCapExceeded:
		return "cap_exceeded"
	case KindNotActivated:
		return "not_activated"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Engine errors. Match them with errors.Is; the concrete *Error carries the
// message that is safe to show to clients.
var (
	ErrLicenseNotFound    = &Error{Kind: KindNotFound, Message: "license not found"}
	ErrInvalidLicense     = &Error{Kind: KindInvalidLicense, Message: "license is not valid"}
	ErrAlreadyActivated   = &Error{Kind: KindAlreadyActivated, Message: "machine already activated"}
	ErrCapExceeded        = &Error{Kind: KindCapExceeded, Message: "activation limit reached"}
	ErrNotActivated       = &Error{Kind: KindNotActivated, Message: "machine is not activated"}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation, Message: "activation bookkeeping inconsistent"}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrTransient          = &Error{Kind: KindTransient, Message: "temporarily unavailable, retry"}
)

// Error is a typed engine failure. Message never contains store internals;
// the underlying cause, if any, is reachable through Unwrap.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Is matches any *Error of the same Kind, so a detailed error still matches
// its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

// newError builds an *Error of the sentinel's kind with a custom message.
func newError(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError attaches cause to a copy of sentinel.
func wrapError(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, cause: cause}
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// SafeMessage returns the client-safe message for err. Untyped errors get a
// generic message.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
