package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrWouldBlock is returned by non-blocking transports when the operation
	// cannot make progress until the next readiness notification.
	ErrWouldBlock = errors.New("operation would block")
	// ErrLineTooLong is returned when a line exceeds the configured maximum.
	ErrLineTooLong = errors.New("line exceeds maximum length")
	// ErrQuit marks a connection closed because the peer sent the quit token.
	ErrQuit = errors.New("client sent quit token")
	// ErrIdle marks a connection closed by the idle sweep.
	ErrIdle = errors.New("connection idle timeout")
	// ErrShutdown marks connections closed because the reactor stopped.
	ErrShutdown = errors.New("reactor shutting down")
	// ErrTooManyConnections is returned when an accept would exceed MaxConnections.
	ErrTooManyConnections = errors.New("connection limit reached")
	// ErrDuplicateID is returned when a connection id is already registered.
	ErrDuplicateID = errors.New("connection id already registered")
	// ErrUnsupportedPlatform is returned by Listen where no readiness mechanism is available.
	ErrUnsupportedPlatform = errors.New("reactor requires linux epoll")
)

// isExpectedCloseError checks if an error is an ordinary way for a peer
// connection to end.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, ErrQuit) || errors.Is(err, ErrShutdown) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}

// closeReason renders the reason a connection ended for logs and events.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, io.EOF):
		return "peer closed"
	case errors.Is(err, ErrQuit):
		return "quit"
	default:
		return err.Error()
	}
}
