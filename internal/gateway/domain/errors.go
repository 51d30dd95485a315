package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrTransient        = errors.New("gateway_transient")
	ErrRejected         = errors.New("gateway_rejected")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_gateway_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrCheckoutNotFound = errors.New("checkout_not_found")
)

// Error describes a failed gateway call. Kind is ErrTransient or ErrRejected.
type Error struct {
	Op         string
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Transient(op string, statusCode int, err error) error {
	return &Error{Op: op, Kind: ErrTransient, StatusCode: statusCode, Err: err}
}

func Rejected(op string, statusCode int, message string) error {
	return &Error{Op: op, Kind: ErrRejected, StatusCode: statusCode, Message: message}
}

// IsTransient reports whether a call may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ClassifyHTTPStatus maps an HTTP response code onto the error taxonomy.
func ClassifyHTTPStatus(op string, statusCode int, message string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 408 || statusCode == 425 || statusCode == 429 || statusCode >= 500:
		return Transient(op, statusCode, errors.New(message))
	default:
		return Rejected(op, statusCode, message)
	}
}
