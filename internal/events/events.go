// Package events defines the connection lifecycle events the reactor emits
// and the observers that consume them.
package events

import (
	"log/slog"
	"time"
)

// Kind identifies a lifecycle event.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnected
	KindMessage
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindMessage:
		return "message"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle notification. Text is set for message events,
// Reason for disconnects.
type Event struct {
	Kind   Kind      `json:"-"`
	ConnID uint64    `json:"conn"`
	Remote string    `json:"remote,omitempty"`
	Text   string    `json:"text,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

// Observer receives lifecycle events. Observe is called from the reactor
// thread and must not block.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})

type multi []Observer

func (m multi) Observe(ev Event) {
	for _, o := range m {
		o.Observe(ev)
	}
}

// Multi fans every event out to each non-nil observer in order.
func Multi(observers ...Observer) Observer {
	out := make(multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// LogObserver writes lifecycle events to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an observer logging to logger, or to slog.Default
// when logger is nil.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Observe(ev Event) {
	switch ev.Kind {
	case KindConnected:
		o.logger.Info("client connected", "conn", ev.ConnID, "remote", ev.Remote)
	case KindMessage:
		o.logger.Debug("client message", "conn", ev.ConnID, "text", ev.Text)
	case KindDisconnected:
		o.logger.Info("client disconnected", "conn", ev.ConnID, "remote", ev.Remote, "reason", ev.Reason)
	default:
		o.logger.Warn("unknown lifecycle event", "kind", ev.Kind, "conn", ev.ConnID)
	}
}
