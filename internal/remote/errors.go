package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind classifies remote failures so callers never sniff error text.
type Kind string

const (
	// KindConnectivity covers offline devices, transport faults, timeouts and transient server unavailability.
	KindConnectivity Kind = "connectivity"
	// KindSchema covers a missing column or table on the remote side.
	KindSchema Kind = "schema"
	// KindConstraint covers a missing or misconfigured identity constraint for upsert-by-key.
	KindConstraint Kind = "constraint"
	// KindAuth covers invalid or expired sessions.
	KindAuth Kind = "auth"
	// KindUnclassified covers everything else.
	KindUnclassified Kind = "unclassified"
)

// Error is a classified remote failure.
type Error struct {
	Kind    Kind
	Op      string
	Element string
	Err     error
}

func (e *Error) Error() string {
	message := fmt.Sprintf("remote %s: %s", e.Op, e.Kind)
	if e.Element != "" {
		message = fmt.Sprintf("%s (%s)", message, e.Element)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// SchemaError builds a schema fault naming the missing element.
func SchemaError(op, element string, err error) *Error {
	return &Error{Kind: KindSchema, Op: op, Element: element, Err: err}
}

// KindOf returns the classification of err. Unclassified errors that look
// like transport faults (net.Error, refused connections, deadline expiry) are
// reported as connectivity faults.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	if isTransportFault(err) {
		return KindConnectivity
	}
	return KindUnclassified
}

// IsConnectivity reports whether err is a connectivity fault.
func IsConnectivity(err error) bool {
	return KindOf(err) == KindConnectivity
}

// Classify wraps err with the kind derived from KindOf unless it is already classified.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

func isTransportFault(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
