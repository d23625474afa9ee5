// Package failure classifies errors raised while talking to the billing source,
// the CRM, and the ledger store.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind is the error category a call site uses to pick release, mark-error, or abort.
type Kind string

const (
	KindTransport  Kind = "transport"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindStore      Kind = "store"
	KindInvariant  Kind = "invariant"
)

var (
	ErrTransport  = errors.New("transport")
	ErrValidation = errors.New("validation")
	ErrNotFound   = errors.New("not_found")
	ErrConflict   = errors.New("conflict")
	ErrStore      = errors.New("store")
	ErrInvariant  = errors.New("invariant")
)

// Error is a classified failure for one operation.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed (%s, status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels and falls through to the wrapped error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrStore:
		return e.Kind == KindStore
	case ErrInvariant:
		return e.Kind == KindInvariant
	}
	return false
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(message)}
}

// Wrap classifies err under kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus maps an HTTP response status to a kind:
// 5xx, 429 and 408 are transport, 404 not_found, 409 conflict, other 4xx validation.
func FromStatus(op string, status int, body string) *Error {
	kind := KindValidation
	switch {
	case status >= http.StatusInternalServerError,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		kind = KindTransport
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	}
	if body == "" {
		body = http.StatusText(status)
	}
	return &Error{Kind: kind, Op: op, StatusCode: status, Err: errors.New(body)}
}

// KindOf returns the kind of the first classified error in the chain.
// Context cancellation counts as transport; anything unclassified is an invariant failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransport
	}
	return KindInvariant
}

// IsRetryable reports whether the same call may succeed when repeated.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransport
}

// Truncate cuts message to at most limit bytes without splitting a rune, so
// provider bodies stay valid UTF-8 when stored.
func Truncate(message string, limit int) string {
	message = strings.ToValidUTF8(message, "")
	if limit <= 0 {
		return ""
	}
	if len(message) <= limit {
		return message
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// StatusCodeOf returns the HTTP status recorded on a classified error, or 0.
func StatusCodeOf(err error) int {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.StatusCode
	}
	return 0
}
