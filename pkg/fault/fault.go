// Package fault defines the error taxonomy shared by every component of the
// gateway: typed error kinds, severities, recovery categories, and the
// client-facing error codes surfaced over the wire.
//
// Every fallible operation in the gateway returns a *fault.Error (possibly
// wrapping a lower-level cause). Components never invent ad-hoc error
// strings for control flow; they classify.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a fault by its origin.
type Kind string

const (
	KindConnection      Kind = "connection"
	KindTimeout         Kind = "timeout"
	KindProtocol        Kind = "protocol"
	KindDevice          Kind = "device"
	KindDeviceNotFound  Kind = "device-not-found"
	KindDeviceBusy      Kind = "device-busy"
	KindCommand         Kind = "command"
	KindInvalidCommand  Kind = "invalid-command"
	KindInvalidResponse Kind = "invalid-response"
	KindResource        Kind = "resource"
	KindConfiguration   Kind = "configuration"
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindAuthorization   Kind = "authorization"
	KindRateLimit       Kind = "rate-limit"
	KindSecurity        Kind = "security"
	KindUnknown         Kind = "unknown"
)

// Severity orders faults by operational impact.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category determines how recovery treats a fault.
type Category string

const (
	// CategoryTransient faults are expected to succeed on retry.
	CategoryTransient Category = "transient"
	// CategoryPersistent faults will not succeed on retry but do not
	// require operator intervention.
	CategoryPersistent Category = "persistent"
	// CategoryFatal faults skip recovery entirely and disable the
	// affected resource until manual re-enable.
	CategoryFatal Category = "fatal"
)

// Code is the client-facing error code carried in error replies.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeAuth               Code = "AUTH_ERROR"
	CodeAuthz              Code = "AUTHZ_ERROR"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeDeviceNotFound     Code = "DEVICE_NOT_FOUND"
	CodeDeviceDisconnected Code = "DEVICE_DISCONNECTED"
	CodeDeviceBusy         Code = "DEVICE_BUSY"
	CodeCommandFailed      Code = "COMMAND_FAILED"
	CodeProtocol           Code = "PROTOCOL_ERROR"
	CodeTimeout            Code = "TIMEOUT"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeSecurity           Code = "SECURITY_VIOLATION"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is the typed fault carried through the gateway.
//
// Details is optional structured context safe to surface to clients;
// it must never contain server-internal paths or stack traces.
type Error struct {
	Kind     Kind
	Severity Severity
	Category Category
	Message  string
	Details  map[string]any
	When     time.Time
	code     Code
	cause    error
}

// New creates a fault with the default severity and category for its kind.
func New(kind Kind, message string) *Error {
	sev, cat := defaults(kind)
	return &Error{
		Kind:     kind,
		Severity: sev,
		Category: cat,
		Message:  message,
		When:     time.Now(),
	}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a fault wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// defaults maps each kind to its default severity and recovery category.
func defaults(kind Kind) (Severity, Category) {
	switch kind {
	case KindConnection, KindTimeout, KindDeviceBusy, KindRateLimit:
		return SeverityWarning, CategoryTransient
	case KindDevice, KindCommand, KindInvalidResponse, KindResource:
		return SeverityError, CategoryTransient
	case KindProtocol, KindInvalidCommand, KindValidation, KindAuthorization:
		return SeverityError, CategoryPersistent
	case KindDeviceNotFound:
		return SeverityWarning, CategoryPersistent
	case KindAuth, KindSecurity:
		return SeverityError, CategoryFatal
	case KindConfiguration:
		return SeverityCritical, CategoryFatal
	default:
		return SeverityError, CategoryPersistent
	}
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithCategory overrides the default recovery category.
func (e *Error) WithCategory(c Category) *Error {
	e.Category = c
	return e
}

// WithCode pins the client code, overriding the one derived from Kind.
func (e *Error) WithCode(c Code) *Error {
	e.code = c
	return e
}

// WithDetail attaches one structured detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, enabling errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches faults by kind, so that errors.Is(err, fault.New(kind, ""))
// style sentinels work across wrapping.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind
}

// ClientCode maps the fault to the code string surfaced to clients.
// An explicit WithCode override wins over the kind mapping.
func (e *Error) ClientCode() Code {
	if e.code != "" {
		return e.code
	}
	switch e.Kind {
	case KindValidation, KindInvalidCommand:
		return CodeValidation
	case KindAuth:
		return CodeAuth
	case KindAuthorization:
		return CodeAuthz
	case KindRateLimit:
		return CodeRateLimitExceeded
	case KindDeviceNotFound:
		return CodeDeviceNotFound
	case KindDeviceBusy:
		return CodeDeviceBusy
	case KindConnection:
		return CodeDeviceDisconnected
	case KindCommand, KindDevice:
		return CodeCommandFailed
	case KindProtocol, KindInvalidResponse:
		return CodeProtocol
	case KindTimeout:
		return CodeTimeout
	case KindSecurity:
		return CodeSecurity
	default:
		return CodeInternal
	}
}

// KindOf extracts the fault kind from an arbitrary error.
// Returns KindUnknown for non-fault errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CategoryOf extracts the recovery category from an arbitrary error.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryPersistent
}

// IsTerminal reports whether the fault should terminate a client session.
// Per the gateway contract only auth, protocol-violation, and fatal faults
// end a session.
func IsTerminal(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == KindAuth || fe.Kind == KindProtocol || fe.Category == CategoryFatal
}
