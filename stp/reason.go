package stp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Reason is the status code a peer attaches to a Close frame.
type Reason uint32

const (
	LoggedOut           Reason = 401
	Forbidden           Reason = 403
	ConnectionLost      Reason = 408
	TimedOut            Reason = 408
	MultideviceMismatch Reason = 411
	ConnectionClosed    Reason = 428
	ConnectionReplaced  Reason = 440
	BadSession          Reason = 500
	UnavailableService  Reason = 503
	RestartRequired     Reason = 515
)

func (r Reason) String() string {
	switch r {
	case LoggedOut:
		return "logged out"
	case Forbidden:
		return "forbidden"
	case ConnectionLost:
		return "connection lost"
	case MultideviceMismatch:
		return "multidevice mismatch"
	case ConnectionClosed:
		return "connection closed"
	case ConnectionReplaced:
		return "connection replaced"
	case BadSession:
		return "bad session"
	case UnavailableService:
		return "unavailable service"
	case RestartRequired:
		return "restart required"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// CloseError is returned by Receive when the peer closed the transport with a
// Close frame.
type CloseError struct {
	Reason  Reason
	Message string
}

func (e *CloseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stp: closed by peer: %s (%d)", e.Reason, uint32(e.Reason))
	}
	return fmt.Sprintf(
		"stp: closed by peer: %s (%d): %s", e.Reason, uint32(e.Reason), e.Message,
	)
}

// ReasonOf maps an error from a transport to the disconnect reason it
// represents.
func ReasonOf(err error) Reason {
	if err == nil {
		return ConnectionClosed
	}
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Reason
	}
	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return ConnectionLost
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, ErrAlreadyClosed):
		return ConnectionClosed
	case errors.Is(err, syscall.ECONNREFUSED):
		return UnavailableService
	default:
		return BadSession
	}
}
