package palai

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrEmptyContent    = errors.New("message content is empty")
	ErrNoChange        = errors.New("content is unchanged")
	ErrArchived        = errors.New("conversation is archived")
	ErrSendInFlight    = errors.New("a message is already being sent")
	ErrNotGroup        = errors.New("only group conversations can be renamed")
	ErrEmptyName       = errors.New("conversation name is empty")
	ErrDeleteDeclined  = errors.New("delete was not confirmed")
	ErrMessageNotFound = errors.New("message not found")
	ErrUnauthenticated = errors.New("not authenticated")
	ErrNonJSON         = errors.New("server returned non-JSON response. Please check API server configuration")
	// ErrUnrecognized is returned when a 2xx body matches none of the
	// accepted success shapes.
	ErrUnrecognized = errors.New("unrecognized response")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int                 `json:"-"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// FieldErrors flattens validation errors into one line per message, sorted by field.
func (e *APIError) FieldErrors() []string {
	fields := make([]string, 0, len(e.Errors))
	for f := range e.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var out []string
	for _, f := range fields {
		out = append(out, e.Errors[f]...)
	}
	return out
}

// Flatten joins field errors with newlines, or returns Message when there are none.
func (e *APIError) Flatten() string {
	if msgs := e.FieldErrors(); len(msgs) > 0 {
		return strings.Join(msgs, "\n")
	}
	return e.Message
}

// FailedError is a 2xx response carrying success=false.
type FailedError struct {
	Op      string
	Message string
}

func (e *FailedError) Error() string {
	if e.Message == "" {
		return e.Op + " failed"
	}
	return e.Op + " failed: " + e.Message
}

// TransportError wraps a failure that produced no HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsValidation reports whether err is a 422 with field errors.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity
}

// IsTransient reports whether err happened before any response arrived.
func IsTransient(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}
