package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// CallKind classifies an external-call failure at the call site, so retry
// and fallback decisions never depend on error message text.
type CallKind string

const (
	CallKindTimeout   CallKind = "timeout"
	CallKindAborted   CallKind = "aborted"
	CallKindTransport CallKind = "transport"
	CallKindRejected  CallKind = "rejected"
)

// CallError wraps an external-call failure with its classification.
type CallError struct {
	Kind CallKind
	Err  error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func NewTimeoutError(err error) error   { return &CallError{Kind: CallKindTimeout, Err: err} }
func NewAbortedError(err error) error   { return &CallError{Kind: CallKindAborted, Err: err} }
func NewTransportError(err error) error { return &CallError{Kind: CallKindTransport, Err: err} }
func NewRejectedError(err error) error  { return &CallError{Kind: CallKindRejected, Err: err} }

// ErrorKind extracts the classification of err, defaulting to transport for
// unclassified failures so callers treat unknowns as retryable.
func ErrorKind(err error) CallKind {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CallKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CallKindAborted
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CallKindTimeout
		}
		return CallKindTransport
	}
	return CallKindTransport
}

// IsTransient reports whether err is worth retrying: timeouts and transport
// failures are, explicit rejections and caller aborts are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch ErrorKind(err) {
	case CallKindTimeout, CallKindTransport:
		return true
	default:
		return false
	}
}
