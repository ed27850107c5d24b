package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/linechat/internal/events"
)

// listenerToken is the poller token of the listening socket. Connection ids
// start at 1 so they never collide with it.
const listenerToken uint64 = 0

// Acceptor owns the listening socket and turns accept-ready notifications
// into registered connections.
type Acceptor struct {
	listener Listener
	poller   Poller
	registry *Registry
	observer events.Observer
	logger   *slog.Logger
	maxConns int
	nextID   ConnID
	now      func() time.Time
}

// OnAcceptReady accepts at most one pending connection. It returns nil, nil
// when nothing was pending. Accept failures are logged and returned; they
// never stop the reactor.
func (a *Acceptor) OnAcceptReady() (*Connection, error) {
	t, remote, err := a.listener.Accept()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil, nil
		}
		a.logger.Warn("accept failed", "err", err)
		return nil, err
	}
	return a.admit(t, remote)
}

// admit registers an accepted transport for read readiness and adds it to
// the registry.
func (a *Acceptor) admit(t Transport, remote string) (*Connection, error) {
	if a.maxConns > 0 && a.registry.Len() >= a.maxConns {
		if err := t.Close(); err != nil {
			a.logger.Debug("close rejected connection", "remote", remote, "err", err)
		}
		a.logger.Warn("rejecting connection", "remote", remote, "limit", a.maxConns)
		return nil, ErrTooManyConnections
	}

	a.nextID++
	c := newConnection(a.nextID, t, remote, a.now())

	if err := a.poller.Add(t.Fd(), uint64(c.id), InterestRead); err != nil {
		_ = t.Close()
		a.logger.Warn("register connection failed", "conn", c.id, "remote", remote, "err", err)
		return nil, fmt.Errorf("register conn %d: %w", c.id, err)
	}
	if err := a.registry.Add(c); err != nil {
		_ = a.poller.Remove(t.Fd())
		_ = t.Close()
		return nil, fmt.Errorf("add conn %d: %w", c.id, err)
	}
	c.state = StateReading

	a.observer.Observe(events.Event{
		Kind:   events.KindConnected,
		ConnID: uint64(c.id),
		Remote: remote,
		Time:   a.now(),
	})
	return c, nil
}
