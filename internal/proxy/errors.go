package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrCapacityExceeded is reported when a connection is shed because the
	// session limit has been reached.
	ErrCapacityExceeded = errors.New("session limit reached")

	// ErrShutdownTimeout is returned by Shutdown when sessions were still
	// active at the deadline and had to be force-closed.
	ErrShutdownTimeout = errors.New("shutdown deadline exceeded")

	// ErrForceClosed is the terminal error of a session closed by shutdown
	// escalation.
	ErrForceClosed = errors.New("session force-closed by shutdown")

	// ErrIdleTimeout ends a relay in which no byte moved in either direction
	// for the idle timeout. It is not a failure.
	ErrIdleTimeout = errors.New("relay idle timeout")

	// ErrServerClosed is returned by Start after Shutdown.
	ErrServerClosed = errors.New("server closed")

	// Resolution failure reasons.
	ErrNameResolution    = errors.New("name resolution failed")
	ErrPolicyDenied      = errors.New("destination denied by policy")
	ErrResolveTimeout    = errors.New("resolve timeout")
	ErrUnreachable       = errors.New("destination unavailable")
	ErrProtocolViolation = errors.New("protocol violation")
)

// BindError reports that a listener could not be bound. It is the only error
// that stops the process.
type BindError struct {
	Network string
	Addr    string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s %s: %v", e.Network, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ResolutionError is the terminal error of a session whose destination could
// not be determined. Reason is one of the resolution sentinels above.
type ResolutionError struct {
	Reason error
	Err    error
}

// NewResolutionError wraps err with reason. A nil err yields an error that
// carries only the reason.
func NewResolutionError(reason, err error) *ResolutionError {
	return &ResolutionError{Reason: reason, Err: err}
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve: %v", e.Reason)
	}
	return fmt.Sprintf("resolve: %v: %v", e.Reason, e.Err)
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// ConnectError is the terminal error of a session whose outbound connection
// could not be established.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RelayIOError ends the relaying state of a session after a read or write
// failure in one direction.
type RelayIOError struct {
	Dir Direction
	Err error
}

func (e *RelayIOError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Dir, e.Err)
}

func (e *RelayIOError) Unwrap() error { return e.Err }

// asResolutionError classifies a resolver error. Errors that already carry a
// reason are kept as is.
func asResolutionError(err error) error {
	var re *ResolutionError
	if errors.As(err, &re) {
		return err
	}
	if isTimeout(err) {
		return NewResolutionError(ErrResolveTimeout, err)
	}
	if errors.Is(err, ErrPolicyDenied) || errors.Is(err, ErrNameResolution) || errors.Is(err, ErrProtocolViolation) {
		return err
	}
	return NewResolutionError(ErrUnreachable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Reason returns a short label for err suitable for logs and metric labels.
func Reason(err error) string {
	var (
		re *RelayIOError
		ce *ConnectError
		be *BindError
	)
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, ErrForceClosed):
		return "force_closed"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrNameResolution):
		return "name_resolution"
	case errors.Is(err, ErrResolveTimeout):
		return "resolve_timeout"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.As(err, &ce):
		return "connect"
	case errors.As(err, &re):
		return "relay_io"
	case errors.As(err, &be):
		return "bind"
	default:
		return "other"
	}
}

// HandshakeError classifies a failed protocol handshake: timeouts become
// ErrResolveTimeout, anything else ErrProtocolViolation.
func HandshakeError(err error) error {
	if isTimeout(err) {
		return NewResolutionError(ErrResolveTimeout, err)
	}
	return NewResolutionError(ErrProtocolViolation, err)
}
