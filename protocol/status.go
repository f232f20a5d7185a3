package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// StatusCode classifies a response at the transport level. Connection-class
// codes mark an endpoint unhealthy on the client side; database-level errors
// never do.
type StatusCode string

const (
	StatusOK                StatusCode = "OK"
	StatusNotFound          StatusCode = "NOT_FOUND"
	StatusInvalidState      StatusCode = "INVALID_STATE"
	StatusResourceExhausted StatusCode = "RESOURCE_EXHAUSTED"
	StatusBackendError      StatusCode = "BACKEND_ERROR"
	StatusTimeout           StatusCode = "DEADLINE_EXCEEDED"
	StatusCancelled         StatusCode = "CANCELLED"
	StatusUnavailable       StatusCode = "UNAVAILABLE"
	StatusUnsupported       StatusCode = "UNSUPPORTED"
	StatusUnknown           StatusCode = "UNKNOWN"
)

// connectionKeywords tag an UNKNOWN status as connection-class when the error
// text clearly points at the transport rather than the database.
var connectionKeywords = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"channel/connection is not open",
	"eof",
}

// IsConnectionClass reports whether a status (with its message, for UNKNOWN)
// indicates a transport failure that should flip endpoint health.
func IsConnectionClass(code StatusCode, message string) bool {
	switch code {
	case StatusUnavailable, StatusTimeout, StatusCancelled:
		return true
	case StatusUnknown:
		lower := strings.ToLower(message)
		for _, kw := range connectionKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// SQLError is the wire form of a backend SQL failure. SQLState and
// VendorCode are preserved verbatim from the driver.
type SQLError struct {
	Status     StatusCode `json:"status,omitempty"`
	SQLState   string     `json:"sqlState,omitempty"`
	VendorCode int        `json:"vendorCode,omitempty"`
	Message    string     `json:"message"`
}

func (e *SQLError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s (SQLState %s, code %d)", e.Message, e.SQLState, e.VendorCode)
	}
	return e.Message
}

// Sentinel errors for the non-backend failure kinds. Handlers wrap these with
// detail; the RPC surface maps them back to status codes with StatusOf.
var (
	ErrSessionClosed     = errors.New("session is closed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnsupported       = errors.New("unsupported operation")
	ErrUnavailable       = errors.New("endpoint unavailable")
)

// StatusOf maps an error to its wire status code.
func StatusOf(err error) StatusCode {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrSessionClosed):
		return StatusInvalidState
	case errors.Is(err, ErrResourceExhausted):
		return StatusResourceExhausted
	case errors.Is(err, ErrUnsupported):
		return StatusUnsupported
	case errors.Is(err, ErrUnavailable):
		return StatusUnavailable
	case errors.Is(err, errDeadline):
		return StatusTimeout
	}
	var sqlErr *SQLError
	if errors.As(err, &sqlErr) {
		if sqlErr.Status != "" {
			return sqlErr.Status
		}
		return StatusBackendError
	}
	return StatusUnknown
}

var errDeadline = errors.New("deadline exceeded")

// DeadlineError returns the sentinel used for deadline expiry so callers can
// wrap it with context.
func DeadlineError() error { return errDeadline }

// ToResponse converts an error to a terminal Response envelope.
func ToResponse(err error) *Response {
	if err == nil {
		return &Response{Status: StatusOK, Last: true}
	}
	status := StatusOf(err)
	var sqlErr *SQLError
	if !errors.As(err, &sqlErr) {
		sqlErr = &SQLError{Status: status, Message: err.Error()}
	}
	return &Response{Status: status, Error: sqlErr, Last: true}
}
