package server

import (
	"net"
	"time"
)

// Transport is a non-blocking byte stream owned by one Connection.
//
// Read returns n > 0 bytes, io.EOF once the peer has closed, ErrWouldBlock
// when nothing is available, or another error on fault. Write may accept
// fewer bytes than offered; it returns ErrWouldBlock when it accepts none.
type Transport interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Listener is a non-blocking listening socket. Accept returns ErrWouldBlock
// when no connection is pending.
type Listener interface {
	Fd() int
	Accept() (Transport, string, error)
	Addr() net.Addr
	Close() error
}

// Interest is the set of readiness conditions registered for a descriptor.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (i Interest) String() string {
	switch i {
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	case InterestRead | InterestWrite:
		return "read|write"
	default:
		return "none"
	}
}

// Readiness is one descriptor reported ready by a Poller. Token is the value
// supplied at registration. Hangups and socket errors are reported as
// Readable so the next read surfaces them.
type Readiness struct {
	Token    uint64
	Readable bool
	Writable bool
}

// Poller is the single readiness-notification mechanism the reactor blocks on.
type Poller interface {
	Add(fd int, token uint64, interest Interest) error
	Modify(fd int, token uint64, interest Interest) error
	Remove(fd int) error
	// Wait blocks for at most timeout and fills ready with the descriptors
	// that are ready now, returning how many entries were written.
	Wait(ready []Readiness, timeout time.Duration) (int, error)
	Close() error
}
