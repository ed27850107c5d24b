package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/config"
	"github.com/Tyrowin/linechat/internal/events"
)

func TestNewRegistersListener(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, InterestRead, h.poller.interests[h.listener.Fd()])
	assert.Equal(t, listenerToken, h.poller.tokens[h.listener.Fd()])
}

func TestAcceptRegistersConnection(t *testing.T) {
	h := newHarness(t)

	c, ft := h.connect(t)

	assert.Equal(t, ConnID(1), c.ID())
	assert.Equal(t, StateReading, c.State())
	assert.Equal(t, InterestRead, h.poller.interests[ft.fd])
	assert.Equal(t, 1, h.r.Active())

	connected := h.eventsOf(events.KindConnected)
	require.Len(t, connected, 1)
	assert.EqualValues(t, 1, connected[0].ConnID)
	assert.Equal(t, "127.0.0.1:40010", connected[0].Remote)
}

func TestAcceptIDsAreMonotonic(t *testing.T) {
	h := newHarness(t)

	a, _ := h.connect(t)
	b, fb := h.connect(t)
	fb.eof = true
	h.r.turn([]Readiness{{Token: uint64(b.ID()), Readable: true}})
	c, _ := h.connect(t)

	assert.Equal(t, ConnID(1), a.ID())
	assert.Equal(t, ConnID(2), b.ID())
	assert.Equal(t, ConnID(3), c.ID())
}

func TestAcceptOnePerReadyEvent(t *testing.T) {
	h := newHarness(t)
	h.listener.pending = []*fakeTransport{{fd: 50}, {fd: 51}}

	h.r.turn([]Readiness{{Token: listenerToken, Readable: true}})
	assert.Equal(t, 1, h.r.registry.Len())

	h.r.turn([]Readiness{{Token: listenerToken, Readable: true}})
	assert.Equal(t, 2, h.r.registry.Len())
}

func TestAcceptFailureKeepsReactorRunning(t *testing.T) {
	h := newHarness(t)
	h.listener.acceptErr = errors.New("accept4: too many open files")

	h.r.turn([]Readiness{{Token: listenerToken, Readable: true}})
	assert.Zero(t, h.r.registry.Len())

	h.connect(t)
	assert.Equal(t, 1, h.r.registry.Len())
}

func TestAcceptRespectsMaxConnections(t *testing.T) {
	h := newHarness(t, func(cfg *config.ServerConfig) { cfg.MaxConnections = 1 })
	h.connect(t)

	rejected := &fakeTransport{fd: 99}
	h.listener.pending = append(h.listener.pending, rejected)
	h.r.turn([]Readiness{{Token: listenerToken, Readable: true}})

	assert.Equal(t, 1, h.r.registry.Len())
	assert.True(t, rejected.closed)
	assert.NotContains(t, h.poller.interests, 99)
}

func TestBroadcastExcludesSender(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	b, fb := h.connect(t)
	c, fc := h.connect(t)

	h.send(a, fa, "m\n")

	assert.Zero(t, a.Pending())
	assert.Equal(t, StateWriting, b.State())
	assert.Equal(t, StateWriting, c.State())
	assert.Equal(t, InterestRead|InterestWrite, h.poller.interests[fb.fd])
	assert.Equal(t, InterestRead|InterestWrite, h.poller.interests[fc.fd])
	assert.Equal(t, InterestRead, h.poller.interests[fa.fd])

	h.flush()

	assert.Equal(t, "1: m\n", fb.out.String())
	assert.Equal(t, "1: m\n", fc.out.String())
	assert.Empty(t, fa.out.String())
	assert.Equal(t, StateReading, b.State())
	assert.Equal(t, InterestRead, h.poller.interests[fb.fd])
}

func TestPartialFrameReassembly(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, "hel")
	assert.Zero(t, h.r.registry.conns[2].Pending(), "partial line must not be broadcast")

	h.send(a, fa, "lo\n")
	h.flush()

	assert.Equal(t, "1: hello\n", fb.out.String())
	messages := h.eventsOf(events.KindMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)
}

func TestMultipleLinesInOneReadKeepOrder(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, "one\ntwo\nthr")
	h.send(a, fa, "ee\n")
	h.flush()

	assert.Equal(t, "1: one\n1: two\n1: three\n", fb.out.String())
}

func TestReadDrainsOnlyOneChunkPerEvent(t *testing.T) {
	h := newHarness(t, func(cfg *config.ServerConfig) { cfg.ReadChunkSize = 4 })
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, "abcdef\n")
	h.flush()
	assert.Empty(t, fb.out.String(), "only four bytes should have been read")

	h.r.turn([]Readiness{{Token: uint64(a.ID()), Readable: true}})
	h.flush()
	assert.Equal(t, "1: abcdef\n", fb.out.String())
}

func TestQuitContainment(t *testing.T) {
	h := newHarness(t)
	_, fa := h.connect(t)
	b, fb := h.connect(t)
	c, fc := h.connect(t)

	h.send(b, fb, "quit\n")
	h.flush()

	assert.True(t, fb.closed)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Reason(), ErrQuit)
	assert.Equal(t, 2, h.r.registry.Len())
	assert.Contains(t, h.poller.removed, fb.fd)
	assert.Empty(t, fa.out.String())
	assert.Empty(t, fc.out.String())
	assert.Zero(t, c.Pending())

	disconnected := h.eventsOf(events.KindDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, "quit", disconnected[0].Reason)
	assert.Empty(t, h.eventsOf(events.KindMessage))
}

func TestQuitDropsLinesAfterToken(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, "x\nquit\ny\n")
	h.flush()

	assert.Equal(t, "1: x\n", fb.out.String())
	assert.True(t, fa.closed)
}

func TestQuitTokenToleratesCRLF(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, "hi\r\n")
	h.flush()
	assert.Equal(t, "1: hi\n", fb.out.String())

	h.send(a, fa, "quit\r\n")
	assert.True(t, fa.closed)
}

func TestConfiguredQuitToken(t *testing.T) {
	h := newHarness(t, func(cfg *config.ServerConfig) { cfg.QuitToken = "/exit" })
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, "quit\n")
	h.flush()
	assert.Equal(t, "1: quit\n", fb.out.String())
	assert.False(t, fa.closed)

	h.send(a, fa, "/exit\n")
	assert.True(t, fa.closed)
}

func TestDisconnectCleanup(t *testing.T) {
	tests := []struct {
		name   string
		fail   func(ft *fakeTransport)
		reason string
	}{
		{
			name:   "peer closed",
			fail:   func(ft *fakeTransport) { ft.eof = true },
			reason: "peer closed",
		},
		{
			name:   "read error",
			fail:   func(ft *fakeTransport) { ft.readErr = errors.New("read: connection reset by peer") },
			reason: "read: connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a, fa := h.connect(t)
			_, fb := h.connect(t)
			c, fc := h.connect(t)

			tt.fail(fc)
			h.r.turn([]Readiness{{Token: uint64(c.ID()), Readable: true}})

			assert.Equal(t, 2, h.r.registry.Len())
			assert.Equal(t, 2, h.r.Active())
			_, stillRegistered := h.r.registry.Get(c.ID())
			assert.False(t, stillRegistered)
			assert.True(t, fc.closed)

			h.send(a, fa, "after\n")
			h.flush()

			assert.Equal(t, "1: after\n", fb.out.String())
			assert.Zero(t, fc.writes)

			disconnected := h.eventsOf(events.KindDisconnected)
			require.Len(t, disconnected, 1)
			assert.Equal(t, tt.reason, disconnected[0].Reason)
		})
	}
}

func TestPartialLineDiscardedOnClose(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	fa.inbox = [][]byte{[]byte("unterminated")}
	fa.eof = true
	h.r.turn([]Readiness{{Token: uint64(a.ID()), Readable: true}})
	h.r.turn([]Readiness{{Token: uint64(a.ID()), Readable: true}})
	h.flush()

	assert.True(t, fa.closed)
	assert.Empty(t, fb.out.String())
}

func TestBackpressureIndependence(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	b, slow := h.connect(t)
	_, fast := h.connect(t)
	slow.writeLimit = 3

	h.send(a, fa, "one\n")
	h.send(a, fa, "two\n")
	h.flush()

	assert.Equal(t, "1: one\n1: two\n", fast.out.String(), "fast peer must not wait for the slow one")
	assert.Equal(t, "1: ", slow.out.String())
	assert.Equal(t, InterestRead|InterestWrite, h.poller.interests[slow.fd])
	assert.Equal(t, InterestRead, h.poller.interests[fast.fd])

	h.send(a, fa, "three\n")
	for i := 0; i < 20 && b.Pending() > 0; i++ {
		h.flush()
	}

	assert.Equal(t, "1: one\n1: two\n1: three\n", slow.out.String())
	assert.Equal(t, "1: one\n1: two\n1: three\n", fast.out.String())
	assert.Equal(t, StateReading, b.State())
	assert.Equal(t, InterestRead, h.poller.interests[slow.fd])
}

func TestBlockedPeerKeepsQueue(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	b, fb := h.connect(t)
	fb.blocked = true

	h.send(a, fa, "held\n")
	h.flush()
	h.flush()

	assert.Equal(t, len("1: held\n"), b.Pending())
	assert.Equal(t, StateWriting, b.State())

	fb.blocked = false
	h.flush()
	assert.Equal(t, "1: held\n", fb.out.String())
	assert.Zero(t, b.Pending())
}

func TestWriteFailureClosesOnlyThatPeer(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	b, fb := h.connect(t)
	_, fc := h.connect(t)
	fb.writeErr = errors.New("write: broken pipe")

	h.send(a, fa, "hello\n")
	h.flush()

	assert.True(t, fb.closed)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "1: hello\n", fc.out.String())
	assert.Equal(t, 2, h.r.registry.Len())
}

func TestArmFailureClosesRecipient(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	_, fb := h.connect(t)
	h.poller.modifyErr = errors.New("epoll modify: bad file descriptor")

	h.send(a, fa, "x\n")

	assert.True(t, fb.closed)
	assert.False(t, fa.closed)
	assert.Equal(t, 1, h.r.registry.Len())
}

func TestStaleEventsAreNotDispatched(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	b, fb := h.connect(t)

	h.send(b, fb, "queued for a\n")
	require.Positive(t, a.Pending())

	fa.eof = true
	h.r.turn([]Readiness{{Token: uint64(a.ID()), Readable: true, Writable: true}})

	assert.True(t, fa.closed)
	assert.Zero(t, fa.writes, "writable event after close must be skipped")

	h.r.turn([]Readiness{{Token: uint64(a.ID()), Readable: true, Writable: true}})
	assert.Len(t, h.eventsOf(events.KindDisconnected), 1)
}

func TestCloseDuringBroadcastSkipsRecipient(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	b, fb := h.connect(t)
	_, fc := h.connect(t)

	fb.eof = true
	fa.inbox = append(fa.inbox, []byte("late\n"))
	h.r.turn([]Readiness{
		{Token: uint64(b.ID()), Readable: true},
		{Token: uint64(a.ID()), Readable: true},
	})
	h.flush()

	assert.Zero(t, fb.writes)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "1: late\n", fc.out.String())
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	h := newHarness(t)
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, "a\xffb\n")
	h.flush()

	assert.Equal(t, "1: a�b\n", fb.out.String())
	assert.False(t, fa.closed)
}

func TestLineTooLongClosesConnection(t *testing.T) {
	h := newHarness(t, func(cfg *config.ServerConfig) { cfg.MaxLineLength = 8 })
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.send(a, fa, strings.Repeat("x", 20))

	assert.True(t, fa.closed)
	assert.ErrorIs(t, a.Reason(), ErrLineTooLong)
	assert.False(t, fb.closed)
}

func TestIdleSweep(t *testing.T) {
	h := newHarness(t, func(cfg *config.ServerConfig) { cfg.IdleTimeout = 10 * time.Second })
	a, fa := h.connect(t)
	_, fb := h.connect(t)

	h.clock = h.clock.Add(6 * time.Second)
	h.send(a, fa, "still here\n")

	h.clock = h.clock.Add(6 * time.Second)
	h.r.turn(nil)

	assert.False(t, fa.closed)
	assert.True(t, fb.closed)

	disconnected := h.eventsOf(events.KindDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, ErrIdle.Error(), disconnected[0].Reason)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	_, fa := h.connect(t)
	_, fb := h.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.r.Run(ctx))

	assert.True(t, fa.closed)
	assert.True(t, fb.closed)
	assert.True(t, h.listener.closed)
	assert.True(t, h.poller.closed)
	assert.Zero(t, h.r.registry.Len())
	assert.Zero(t, h.r.Active())
}

func TestRunDispatchesWaitedEvents(t *testing.T) {
	h := newHarness(t)
	h.listener.pending = []*fakeTransport{{fd: 20}, {fd: 21}}
	h.poller.waits = [][]Readiness{
		{{Token: listenerToken, Readable: true}},
		{{Token: listenerToken, Readable: true}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	observed := 0
	h.r.observer = events.ObserverFunc(func(ev events.Event) {
		if ev.Kind == events.KindConnected {
			observed++
			if observed == 2 {
				cancel()
			}
		}
	})
	h.r.acceptor.observer = h.r.observer

	require.NoError(t, h.r.Run(ctx))
	assert.Equal(t, 2, observed)
}

func TestRunReturnsPollerFailure(t *testing.T) {
	h := newHarness(t)
	h.poller.waitErr = errors.New("epoll_wait: bad file descriptor")

	err := h.r.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait for readiness")
	assert.True(t, h.poller.closed)
}

func TestSnapshotSkipsUnknownTokens(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	evs := h.r.snapshot([]Readiness{
		{Token: 42, Readable: true},
		{Token: 1, Readable: true, Writable: true},
		{Token: listenerToken, Readable: true},
	})

	require.Len(t, evs, 3)
	assert.Equal(t, EventReadable, evs[0].Kind)
	assert.Equal(t, EventWritable, evs[1].Kind)
	assert.Equal(t, EventAccept, evs[2].Kind)
	assert.Nil(t, evs[2].Conn)
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t)
	c1, f1 := h.connect(t)
	c2, f2 := h.connect(t)
	_, f3 := h.connect(t)

	h.send(c1, f1, "hi\n")
	h.flush()
	assert.Equal(t, "1: hi\n", f2.out.String())
	assert.Equal(t, "1: hi\n", f3.out.String())

	h.send(c2, f2, "quit\n")
	h.flush()
	assert.True(t, f2.closed)
	assert.NotContains(t, f1.out.String(), "2: quit")
	assert.NotContains(t, f3.out.String(), "2: quit")

	h.send(c1, f1, "bye\n")
	h.flush()
	assert.Equal(t, "1: hi\n1: bye\n", f3.out.String())
	assert.Equal(t, "1: hi\n", f2.out.String())
	assert.Empty(t, f1.out.String())
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "closed"},
		{io.EOF, "peer closed"},
		{ErrQuit, "quit"},
		{ErrIdle, ErrIdle.Error()},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closeReason(tt.err))
	}
}
