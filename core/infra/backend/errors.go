// Package backend defines the error classes shared by the artifact and event
// store adapters.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrNotFound reports a missing artifact, event or bucket.
	ErrNotFound = errors.New("not found")
	// ErrForbidden reports that the backend rejected our credentials.
	ErrForbidden = errors.New("forbidden")
	// ErrUnsupported is returned by adapters that cannot perform an optional
	// operation such as presigning.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// UnavailableError marks a backend as unreachable or overloaded. Callers must
// not treat it as a miss.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("backend unavailable (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Unavailable wraps err as an UnavailableError for op.
func Unavailable(op string, err error) error {
	if err == nil {
		err = errors.New("backend unavailable")
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable reports whether err means the backend could not be reached in
// time. Explicitly wrapped errors, context deadlines and transport failures
// all count.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsNotFound reports whether err is a miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
