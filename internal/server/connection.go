package server

import (
	"errors"
	"strconv"
	"time"
)

// ConnID identifies a connection for its whole lifetime. IDs come from a
// monotonic counter and are never reused by the same reactor.
type ConnID uint64

func (id ConnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// State is the lifecycle state of a Connection.
type State uint8

const (
	StateAccepted State = iota
	StateReading
	StateWriting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the per-client state owned by the reactor goroutine.
type Connection struct {
	id        ConnID
	remote    string
	transport Transport
	state     State

	// readBuf holds received bytes that do not yet form a complete line.
	readBuf []byte
	// writeQueue holds outbound frames in FIFO order. The head may be a
	// partially written remainder.
	writeQueue [][]byte
	queued     int

	reason   error
	lastRead time.Time
}

func newConnection(id ConnID, t Transport, remote string, now time.Time) *Connection {
	return &Connection{
		id:        id,
		remote:    remote,
		transport: t,
		state:     StateAccepted,
		lastRead:  now,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() ConnID { return c.id }

// Remote returns the peer address as reported at accept time.
func (c *Connection) Remote() string { return c.remote }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state }

// Pending returns the number of queued outbound bytes not yet written.
func (c *Connection) Pending() int { return c.queued }

// Reason returns why the connection closed, or nil while it is open.
func (c *Connection) Reason() error { return c.reason }

func (c *Connection) closing() bool {
	return c.state >= StateClosing
}

// readAvailable performs one non-blocking read and returns the complete
// lines it produced. Trailing partial bytes stay buffered.
func (c *Connection) readAvailable(scratch []byte, f *Framer, now time.Time) ([]string, error) {
	n, err := c.transport.Read(scratch)
	if n > 0 {
		c.lastRead = now
		c.readBuf = append(c.readBuf, scratch[:n]...)
		lines, rest, ferr := f.Split(c.readBuf)
		c.readBuf = rest
		if ferr != nil {
			return lines, ferr
		}
		return lines, nil
	}
	return nil, err
}

// enqueue appends frame to the write queue and reports whether the queue was
// empty beforehand, meaning write interest must be armed.
func (c *Connection) enqueue(frame []byte) bool {
	wasEmpty := len(c.writeQueue) == 0
	c.writeQueue = append(c.writeQueue, frame)
	c.queued += len(frame)
	c.state = StateWriting
	return wasEmpty
}

// flush writes queued frames until the transport stops accepting bytes.
// drained reports whether the queue is now empty.
func (c *Connection) flush() (drained bool, err error) {
	for len(c.writeQueue) > 0 {
		head := c.writeQueue[0]
		n, werr := c.transport.Write(head)
		if n < 0 {
			n = 0
		}
		c.queued -= n
		if n < len(head) {
			c.writeQueue[0] = head[n:]
			if werr == nil || errors.Is(werr, ErrWouldBlock) {
				return false, nil
			}
			return false, werr
		}
		c.writeQueue[0] = nil
		c.writeQueue = c.writeQueue[1:]
		if werr != nil && !errors.Is(werr, ErrWouldBlock) {
			return false, werr
		}
	}
	c.writeQueue = nil
	c.queued = 0
	if c.state == StateWriting {
		c.state = StateReading
	}
	return true, nil
}

// abandon drops all buffered input and queued output.
func (c *Connection) abandon() {
	c.readBuf = nil
	c.writeQueue = nil
	c.queued = 0
}
