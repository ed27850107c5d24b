package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/linechat/internal/client"
	"github.com/Tyrowin/linechat/internal/config"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// session bridges one WebSocket peer onto one reactor connection.
type session struct {
	id     string
	addr   string
	conn   *websocket.Conn
	chat   *client.Client
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
}

func newSession(conn *websocket.Conn, addr string, cfg config.GatewayConfig, logger *slog.Logger) *session {
	id := uuid.NewString()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &session{
		id:             id,
		addr:           addr,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
		logger:         logger.With("session", id, "remote", addr),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// dial opens the session's reactor connection. Frames from the reactor are
// queued for the write pump.
func (s *session) dial(ctx context.Context, chatAddr string) error {
	chat, err := client.Dial(ctx, chatAddr,
		client.WithOnMessage(s.deliver),
		client.WithLogger(s.logger),
	)
	if err != nil {
		return err
	}
	s.chat = chat
	return nil
}

// deliver queues a reactor frame for the peer. A peer that cannot keep up
// with its buffer is disconnected.
func (s *session) deliver(line string) {
	select {
	case s.send <- []byte(line):
	case <-s.done:
	default:
		s.logger.Warn("websocket send buffer full, closing session")
		s.close()
	}
}

// close ends the session once. The write pump sends the close frame and
// releases the socket.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		if s.chat != nil {
			if err := s.chat.Close(); err != nil && !isExpectedCloseError(err) {
				s.logger.Warn("error closing chat connection", "err", err)
			}
		}
	})
}

func (s *session) chatPump() {
	defer s.close()

	if err := s.chat.Run(context.Background()); err != nil {
		s.logger.Warn("chat connection failed", "err", err)
	}
}

func (s *session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("error setting initial read deadline", "err", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.logger.Warn("error setting read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// handleReadError logs the end of the read loop at a level matching the
// cause.
func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("message exceeded maximum size", "limit", s.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Info("websocket client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Debug("websocket connection closed", "err", err)
	default:
		s.logger.Warn("websocket read error", "err", err)
	}
}

func (s *session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		s.logger.Warn("rate limit exceeded; discarding message",
			"burst", s.rateLimit.Burst, "interval", s.rateLimit.RefillInterval)
		return false
	}
	return true
}

// forward sends each non-empty line of a WebSocket message to the reactor.
// It returns false once the chat connection is gone.
func (s *session) forward(message []byte) bool {
	for _, line := range strings.Split(string(message), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if err := s.chat.Send(line); err != nil {
			if !errors.Is(err, client.ErrClosed) {
				s.logger.Warn("error forwarding message", "err", err)
			}
			return false
		}
	}
	return true
}

func (s *session) readPump() {
	defer s.close()

	s.setupReadConnection()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if !s.checkRateLimit() {
			continue
		}
		if !s.forward(message) {
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing websocket", "err", err)
		}
	}()

	for {
		select {
		case message := <-s.send:
			if !s.writeText(message) {
				s.close()
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				s.close()
				return
			}
		case <-s.done:
			s.drain()
			s.writeClose()
			return
		}
	}
}

// drain flushes frames that were queued before the session closed.
func (s *session) drain() {
	for {
		select {
		case message := <-s.send:
			if !s.writeText(message) {
				return
			}
		default:
			return
		}
	}
}

func (s *session) writeText(message []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Warn("error setting write deadline", "err", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("error writing message", "err", err)
		}
		return false
	}
	return true
}

func (s *session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Warn("error setting write deadline for ping", "err", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.logger.Warn("error writing ping message", "err", err)
		return false
	}
	return true
}

func (s *session) writeClose() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error writing close message", "err", err)
	}
}

// isExpectedCloseError checks if an error is an ordinary way for a socket to
// end.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
