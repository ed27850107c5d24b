package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/linechat/internal/config"
	"github.com/Tyrowin/linechat/internal/events"
)

const (
	maxReadyPerTurn = 128
	idleSweepPeriod = time.Second
)

// EventKind tags the variants of Event.
type EventKind uint8

const (
	eventUnknown EventKind = iota
	EventAccept
	EventReadable
	EventWritable
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventReadable:
		return "readable"
	case EventWritable:
		return "writable"
	default:
		return "unknown"
	}
}

// Event is one dispatchable unit of a turn. Conn is nil for EventAccept.
type Event struct {
	Kind EventKind
	Conn *Connection
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithObserver sets the lifecycle event observer.
func WithObserver(o events.Observer) Option {
	return func(r *Reactor) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the logger used by the reactor.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.logger = l
		}
	}
}

// Reactor is the single-goroutine event loop. All of its state except the
// active counter is touched only by the goroutine running Run.
type Reactor struct {
	cfg         config.ServerConfig
	listener    Listener
	poller      Poller
	acceptor    *Acceptor
	registry    *Registry
	framer      *Framer
	broadcaster *Broadcaster
	observer    events.Observer
	logger      *slog.Logger
	now         func() time.Time

	ready     []Readiness
	events    []Event
	closing   []*Connection
	scratch   []byte
	lastSweep time.Time

	active atomic.Int64
}

// New builds a reactor over an already listening socket and poller and
// registers the listener for accept readiness.
func New(cfg config.ServerConfig, listener Listener, poller Poller, opts ...Option) (*Reactor, error) {
	cfg = config.Sanitize(config.Config{Server: cfg}).Server

	r := &Reactor{
		cfg:      cfg,
		listener: listener,
		poller:   poller,
		registry: NewRegistry(),
		framer:   NewFramer(cfg.MaxLineLength),
		observer: events.Discard,
		logger:   slog.Default(),
		now:      time.Now,
		ready:    make([]Readiness, maxReadyPerTurn),
		scratch:  make([]byte, cfg.ReadChunkSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.broadcaster = newBroadcaster(r.registry, r)
	r.acceptor = &Acceptor{
		listener: listener,
		poller:   poller,
		registry: r.registry,
		observer: r.observer,
		logger:   r.logger,
		maxConns: cfg.MaxConnections,
		now:      func() time.Time { return r.now() },
	}

	if err := poller.Add(listener.Fd(), listenerToken, InterestRead); err != nil {
		return nil, fmt.Errorf("register listener: %w", err)
	}
	return r, nil
}

// Addr returns the address the reactor listens on.
func (r *Reactor) Addr() net.Addr { return r.listener.Addr() }

// Active returns the number of registered connections as of the last
// completed turn. It is safe to call from any goroutine.
func (r *Reactor) Active() int { return int(r.active.Load()) }

// Run waits for readiness and dispatches events until ctx is cancelled or
// the poller fails. On return every connection, the listener, and the poller
// are closed.
func (r *Reactor) Run(ctx context.Context) error {
	defer r.shutdown()

	r.logger.Info("reactor listening", "addr", r.listener.Addr().String())
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.poller.Wait(r.ready, r.cfg.PollInterval)
		if err != nil {
			return fmt.Errorf("reactor: wait for readiness: %w", err)
		}
		r.turn(r.ready[:n])
	}
}

// turn dispatches one wait's worth of readiness. Connections that fail
// during the turn are closed and unregistered before it returns.
func (r *Reactor) turn(ready []Readiness) {
	now := r.now()
	for _, ev := range r.snapshot(ready) {
		r.dispatch(ev, now)
	}
	r.sweepIdle(now)
	r.reap()
	clear(r.events)
	r.events = r.events[:0]
	r.active.Store(int64(r.registry.Len()))
}

// snapshot converts readiness into the turn's event list before any handler
// runs, so handlers cannot disturb the set being dispatched.
func (r *Reactor) snapshot(ready []Readiness) []Event {
	r.events = r.events[:0]
	for _, rd := range ready {
		if rd.Token == listenerToken {
			if rd.Readable {
				r.events = append(r.events, Event{Kind: EventAccept})
			}
			continue
		}
		c, ok := r.registry.Get(ConnID(rd.Token))
		if !ok {
			continue
		}
		if rd.Readable {
			r.events = append(r.events, Event{Kind: EventReadable, Conn: c})
		}
		if rd.Writable {
			r.events = append(r.events, Event{Kind: EventWritable, Conn: c})
		}
	}
	return r.events
}

func (r *Reactor) dispatch(ev Event, now time.Time) {
	switch ev.Kind {
	case EventAccept:
		_, _ = r.acceptor.OnAcceptReady()
	case EventReadable:
		if !ev.Conn.closing() {
			r.onReadable(ev.Conn, now)
		}
	case EventWritable:
		if !ev.Conn.closing() {
			r.onWritable(ev.Conn)
		}
	default:
		r.logger.Warn("unknown reactor event", "kind", ev.Kind)
	}
}

func (r *Reactor) onReadable(c *Connection, now time.Time) {
	lines, err := c.readAvailable(r.scratch, r.framer, now)
	for _, line := range lines {
		if line == r.cfg.QuitToken {
			r.closeConn(c, ErrQuit)
			return
		}
		r.observer.Observe(events.Event{
			Kind:   events.KindMessage,
			ConnID: uint64(c.id),
			Text:   line,
			Time:   now,
		})
		r.broadcaster.Broadcast(c.id, line)
	}
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		r.closeConn(c, err)
	}
}

func (r *Reactor) onWritable(c *Connection) {
	drained, err := c.flush()
	if err != nil {
		r.closeConn(c, fmt.Errorf("write: %w", err))
		return
	}
	if !drained {
		return
	}
	if err := r.poller.Modify(c.transport.Fd(), uint64(c.id), InterestRead); err != nil {
		r.closeConn(c, fmt.Errorf("disarm write interest: %w", err))
	}
}

// watchWrites arms write readiness for a connection with queued output.
func (r *Reactor) watchWrites(c *Connection) error {
	return r.poller.Modify(c.transport.Fd(), uint64(c.id), InterestRead|InterestWrite)
}

// closeConn moves c to CLOSING and abandons its buffers. The socket is
// closed and the registry entry removed by reap at the end of the same turn.
func (r *Reactor) closeConn(c *Connection, reason error) {
	if c.closing() {
		return
	}
	c.state = StateClosing
	c.reason = reason
	c.abandon()
	r.closing = append(r.closing, c)
}

func (r *Reactor) reap() {
	for _, c := range r.closing {
		fd := c.transport.Fd()
		if err := r.poller.Remove(fd); err != nil {
			r.logger.Debug("remove interest failed", "conn", c.id, "err", err)
		}
		if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
			r.logger.Warn("close connection failed", "conn", c.id, "err", err)
		}
		r.registry.Remove(c.id)
		c.state = StateClosed

		if isExpectedCloseError(c.reason) {
			r.logger.Debug("connection closed", "conn", c.id, "remote", c.remote, "reason", closeReason(c.reason))
		} else {
			r.logger.Warn("connection failed", "conn", c.id, "remote", c.remote, "err", c.reason)
		}
		r.observer.Observe(events.Event{
			Kind:   events.KindDisconnected,
			ConnID: uint64(c.id),
			Remote: c.remote,
			Reason: closeReason(c.reason),
			Time:   r.now(),
		})
	}
	clear(r.closing)
	r.closing = r.closing[:0]
}

func (r *Reactor) sweepIdle(now time.Time) {
	if r.cfg.IdleTimeout <= 0 || now.Sub(r.lastSweep) < idleSweepPeriod {
		return
	}
	r.lastSweep = now
	r.registry.Each(func(c *Connection) bool {
		if !c.closing() && now.Sub(c.lastRead) > r.cfg.IdleTimeout {
			r.closeConn(c, ErrIdle)
		}
		return true
	})
}

func (r *Reactor) shutdown() {
	r.registry.Each(func(c *Connection) bool {
		r.closeConn(c, ErrShutdown)
		return true
	})
	r.reap()
	r.active.Store(0)

	if err := r.poller.Remove(r.listener.Fd()); err != nil {
		r.logger.Debug("remove listener interest failed", "err", err)
	}
	if err := r.listener.Close(); err != nil {
		r.logger.Warn("close listener failed", "err", err)
	}
	if err := r.poller.Close(); err != nil {
		r.logger.Warn("close poller failed", "err", err)
	}
	r.logger.Info("reactor stopped")
}
