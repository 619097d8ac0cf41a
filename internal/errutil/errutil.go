// Package errutil provides the classified error taxonomy shared by the
// download pipeline. Errors crossing the fulfillment client boundary are
// classified once, close to where they occur, and the retry policy keys
// off the resulting kind rather than inspecting raw errors downstream.
package errutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the failure category of a classified error.
type Kind string

const (
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindParse      Kind = "parse"
	KindStorage    Kind = "storage"
	KindNotFound   Kind = "not_found"
	KindUnknown    Kind = "unknown"
)

// Retryable reports whether failures of this kind are worth retrying.
// NotFound means the content does not exist on the other side; retrying
// cannot change that.
func (k Kind) Retryable() bool {
	return k != KindNotFound
}

// ParseKind converts a stored or wire kind string back to a Kind.
// Unrecognized values map to KindUnknown.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindConnection, KindTimeout, KindParse, KindStorage, KindNotFound, KindUnknown:
		return Kind(s)
	default:
		return KindUnknown
	}
}

// ClassifiedError is an error tagged with a Kind. It wraps the underlying
// cause when one exists.
type ClassifiedError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

// Kind returns the failure category.
func (e *ClassifiedError) Kind() Kind { return e.kind }

// New creates a classified error without an underlying cause.
func New(kind Kind, msg string) error {
	return &ClassifiedError{kind: kind, msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &ClassifiedError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, msg string, cause error) error {
	return &ClassifiedError{kind: kind, msg: msg, cause: cause}
}

// KindOf extracts the Kind from err, classifying common transport and
// decoding failures when err was never explicitly classified. A nil
// error has no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	var se *json.SyntaxError
	var ute *json.UnmarshalTypeError
	if errors.As(err, &se) || errors.As(err, &ute) {
		return KindParse
	}
	return KindUnknown
}

// ClassifyHTTP maps a non-2xx HTTP status from the fulfillment service
// to a failure kind.
func ClassifyHTTP(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindConnection
	default:
		return KindUnknown
	}
}
