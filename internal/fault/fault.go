// Package fault defines the error taxonomy shared by every agentline component.
//
// Every error that crosses a component boundary is an [*Error] carrying a
// stable [Kind] tag plus, where one exists, the upstream provider's HTTP status
// and response body. Callers branch on the kind ([KindOf], [Is], [Retryable])
// to tell "fix your config" from "retry later" from "this session is dead".
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the stable, machine-readable error category.
type Kind string

const (
	// KindValidation marks malformed caller input. Never retried.
	KindValidation Kind = "validation"

	// KindConfiguration marks missing or invalid operator configuration such as
	// an absent signing secret. Never retried.
	KindConfiguration Kind = "configuration"

	// KindAuthentication marks rejected credentials or webhook signatures.
	KindAuthentication Kind = "authentication"

	// KindRetryable marks transient provider failures: timeouts, 5xx responses
	// and explicit rate limiting.
	KindRetryable Kind = "retryable_provider"

	// KindProvider marks terminal provider failures that are not
	// authentication problems (malformed request, 404, quota exhausted).
	KindProvider Kind = "provider"

	// KindInvalidState marks an operation the session's current state forbids.
	KindInvalidState Kind = "invalid_state"

	// KindReconciliation marks a failed remote cleanup during stop. It is
	// logged, never returned to callers as a failure.
	KindReconciliation Kind = "reconciliation"

	// KindNotFound marks an unknown session.
	KindNotFound Kind = "not_found"
)

// Error is the concrete error type used across agentline.
type Error struct {
	// Kind is the stable category tag.
	Kind Kind

	// Op names the operation that failed (e.g. "lifecycle.start_agent").
	Op string

	// Message is a human-readable description. May be empty when Err says it all.
	Message string

	// Status is the upstream HTTP status code, or 0 when not applicable.
	Status int

	// Body is the upstream response body, truncated to [maxBody] bytes.
	Body string

	// Err is the wrapped cause. May be nil.
	Err error
}

// maxBody bounds the upstream body kept on an Error.
const maxBody = 4096

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns an [*Error] of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an [*Error] of the given kind wrapping err. Wrap(nil) is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// Configuration is shorthand for New(KindConfiguration, ...).
func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, format, args...)
}

// InvalidState is shorthand for New(KindInvalidState, ...).
func InvalidState(op, format string, args ...any) *Error {
	return New(KindInvalidState, op, format, args...)
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

// Authentication wraps err as an authentication failure.
func Authentication(op string, err error) error {
	return &Error{Kind: KindAuthentication, Op: op, Err: err}
}

// FromStatus classifies an upstream HTTP response. 429 and 5xx are
// retryable, 401 and 403 are authentication failures, every other non-2xx
// status is a terminal provider error. FromStatus returns nil for 2xx.
func FromStatus(op string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	e := &Error{Op: op, Status: status, Body: body, Message: http.StatusText(status)}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		e.Kind = KindRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthentication
	default:
		e.Kind = KindProvider
	}
	return e
}

// Classify converts a raw transport error into an [*Error]. Errors that
// already carry a kind are returned unchanged, as is context cancellation.
// Deadline overruns and network timeouts become [KindRetryable]; anything
// else becomes [KindProvider].
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindRetryable, Op: op, Message: "timeout", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &Error{Kind: KindRetryable, Op: op, Message: "timeout", Err: err}
		}
		return &Error{Kind: KindRetryable, Op: op, Message: "network", Err: err}
	}
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

// KindOf returns the kind of the first [*Error] in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err may be retried.
func Retryable(err error) bool {
	return Is(err, KindRetryable)
}

// Upstream returns the upstream status and body carried by err, if any.
func Upstream(err error) (status int, body string) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status, fe.Body
	}
	return 0, ""
}

// HTTPStatus maps err to the response code the request layer should use.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindRetryable:
		if status, _ := Upstream(err); status == http.StatusTooManyRequests {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	case KindProvider:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
