// Package delivery defines the email-delivery capability consumed by the
// engine and the error classification delivery backends must honor.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Result reports a successful hand-off to the transport.
type Result struct {
	ID string `json:"id"`
}

// Delivery accepts a rendered message for a recipient. Implementations wrap
// the actual transport (SMTP relay, sending API) owned by the surrounding
// application.
type Delivery interface {
	Send(ctx context.Context, recipient, subject, body string) (*Result, error)
}

// Error is a classified delivery failure. Transient errors (timeouts, rate
// limits) are retried with backoff; permanent ones (rejected address) fail
// the execution immediately.
type Error struct {
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}

	return fmt.Sprintf("%s delivery error: %v", kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError wraps a failure expected to succeed on retry.
func NewTransientError(err error) *Error {
	return &Error{Err: err}
}

// NewPermanentError wraps a failure that can never succeed on retry.
func NewPermanentError(err error) *Error {
	return &Error{Permanent: true, Err: err}
}

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var deliveryErr *Error
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Permanent
	}

	return false
}
