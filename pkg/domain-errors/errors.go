// Package domainerrors carries the error taxonomy shared by services and transports.
//
// Services return *Error values tagged with a Code. Transports translate codes to
// status codes without inspecting messages. Infrastructure layers return
// sentinel errors (see pkg/platform/sentinel) that services wrap with a code.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure for callers. Codes are stable strings so they can be
// surfaced in API responses.
type Code string

const (
	// CodeValidation marks malformed or missing caller input. No side effect was performed.
	CodeValidation Code = "validation_error"
	// CodeBadRequest marks an undecodable request envelope.
	CodeBadRequest Code = "bad_request"
	// CodeStorage marks a content store that was unreachable or returned malformed data.
	CodeStorage Code = "storage_error"
	// CodeSettlement marks a rejected chain write, failed signature recovery or relay check.
	CodeSettlement Code = "settlement_error"
	// CodeMissingConsent marks the absence of an active consent record.
	CodeMissingConsent Code = "missing_consent"
	// CodeConflict marks a duplicate active consent or another uniqueness violation.
	CodeConflict Code = "conflict"
	// CodeNotFound marks an absent credential, profile or claim.
	CodeNotFound Code = "not_found"
	// CodeErased marks an operation against a tombstoned subject.
	CodeErased Code = "subject_erased"
	// CodeForbidden marks a request that was understood but refused.
	CodeForbidden Code = "forbidden"
	// CodeUnauthorized marks a missing or invalid caller identity.
	CodeUnauthorized Code = "unauthorized"
	// CodeTimeout marks an operation aborted by its deadline.
	CodeTimeout Code = "timeout"
	// CodeInvariantViolation marks state that should be impossible.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeInternal marks everything else.
	CodeInternal Code = "internal_error"
)

// Error is a code-tagged error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and caller-visible message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with a code and message, keeping err reachable through errors.Is/As.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether the outermost domain error in err's chain has the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Is is an alias for HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the code of the outermost domain error, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Message returns the caller-visible message of the outermost domain error.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// ToHTTPStatus maps a code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeMissingConsent:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeErased:
		return http.StatusGone
	case CodeStorage, CodeSettlement:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsConsentError reports whether err belongs to the consent family.
func IsConsentError(err error) bool {
	code := CodeOf(err)
	return code == CodeMissingConsent || code == CodeConflict
}
