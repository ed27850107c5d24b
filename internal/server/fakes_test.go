package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/config"
	"github.com/Tyrowin/linechat/internal/events"
)

// fakeTransport is a scripted non-blocking transport. Each Read returns the
// next inbox chunk; Write accepts at most writeLimit bytes per call.
type fakeTransport struct {
	fd         int
	inbox      [][]byte
	eof        bool
	readErr    error
	out        bytes.Buffer
	writeLimit int
	blocked    bool
	writeErr   error
	writes     int
	closed     bool
}

func (t *fakeTransport) Fd() int { return t.fd }

func (t *fakeTransport) Read(p []byte) (int, error) {
	if t.closed {
		return 0, net.ErrClosed
	}
	if len(t.inbox) > 0 {
		n := copy(p, t.inbox[0])
		if n < len(t.inbox[0]) {
			t.inbox[0] = t.inbox[0][n:]
		} else {
			t.inbox = t.inbox[1:]
		}
		return n, nil
	}
	if t.readErr != nil {
		return 0, t.readErr
	}
	if t.eof {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	t.writes++
	if t.closed {
		return 0, net.ErrClosed
	}
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	if t.blocked {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if t.writeLimit > 0 && n > t.writeLimit {
		n = t.writeLimit
	}
	t.out.Write(p[:n])
	return n, nil
}

func (t *fakeTransport) Close() error {
	if t.closed {
		return net.ErrClosed
	}
	t.closed = true
	return nil
}

type fakeListener struct {
	pending   []*fakeTransport
	acceptErr error
	closed    bool
}

func (l *fakeListener) Fd() int { return 3 }

func (l *fakeListener) Accept() (Transport, string, error) {
	if l.acceptErr != nil {
		err := l.acceptErr
		l.acceptErr = nil
		return nil, "", err
	}
	if len(l.pending) == 0 {
		return nil, "", ErrWouldBlock
	}
	t := l.pending[0]
	l.pending = l.pending[1:]
	return t, fmt.Sprintf("127.0.0.1:%d", 40000+t.fd), nil
}

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8090}
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

type fakePoller struct {
	interests map[int]Interest
	tokens    map[int]uint64
	removed   []int
	modifyErr error
	waits     [][]Readiness
	waitErr   error
	closed    bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		interests: make(map[int]Interest),
		tokens:    make(map[int]uint64),
	}
}

func (p *fakePoller) Add(fd int, token uint64, interest Interest) error {
	if _, exists := p.interests[fd]; exists {
		return errors.New("fd already registered")
	}
	p.interests[fd] = interest
	p.tokens[fd] = token
	return nil
}

func (p *fakePoller) Modify(fd int, token uint64, interest Interest) error {
	if p.modifyErr != nil {
		return p.modifyErr
	}
	if _, exists := p.interests[fd]; !exists {
		return errors.New("fd not registered")
	}
	p.interests[fd] = interest
	p.tokens[fd] = token
	return nil
}

func (p *fakePoller) Remove(fd int) error {
	if _, exists := p.interests[fd]; !exists {
		return errors.New("fd not registered")
	}
	delete(p.interests, fd)
	delete(p.tokens, fd)
	p.removed = append(p.removed, fd)
	return nil
}

func (p *fakePoller) Wait(ready []Readiness, _ time.Duration) (int, error) {
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	if len(p.waits) == 0 {
		return 0, nil
	}
	n := copy(ready, p.waits[0])
	p.waits = p.waits[1:]
	return n, nil
}

func (p *fakePoller) Close() error {
	p.closed = true
	return nil
}

// harness drives a Reactor turn by turn against fakes.
type harness struct {
	r        *Reactor
	poller   *fakePoller
	listener *fakeListener
	events   []events.Event
	clock    time.Time
	nextFD   int
}

func newHarness(t *testing.T, mutate ...func(*config.ServerConfig)) *harness {
	t.Helper()

	cfg := config.NewConfig().Server
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		poller:   newFakePoller(),
		listener: &fakeListener{},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		nextFD:   10,
	}
	r, err := New(cfg, h.listener, h.poller,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(events.ObserverFunc(func(ev events.Event) { h.events = append(h.events, ev) })),
	)
	require.NoError(t, err)
	r.now = func() time.Time { return h.clock }
	h.r = r
	return h
}

// connect accepts one fake client through a listener readiness turn.
func (h *harness) connect(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()

	ft := &fakeTransport{fd: h.nextFD}
	h.nextFD++
	h.listener.pending = append(h.listener.pending, ft)

	before := h.r.registry.Len()
	h.r.turn([]Readiness{{Token: listenerToken, Readable: true}})
	require.Equal(t, before+1, h.r.registry.Len(), "connection was not registered")

	conns := h.r.registry.Snapshot()
	return conns[len(conns)-1], ft
}

// send delivers data to c and runs one read turn for it.
func (h *harness) send(c *Connection, ft *fakeTransport, data string) {
	ft.inbox = append(ft.inbox, []byte(data))
	h.r.turn([]Readiness{{Token: uint64(c.id), Readable: true}})
}

// flush runs one write turn for every connection with write interest.
func (h *harness) flush() {
	var ready []Readiness
	for fd, in := range h.poller.interests {
		if in&InterestWrite != 0 {
			ready = append(ready, Readiness{Token: h.poller.tokens[fd], Writable: true})
		}
	}
	h.r.turn(ready)
}

func (h *harness) eventsOf(kind events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
