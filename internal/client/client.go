// Package client implements a line-protocol client for the linechat reactor.
// It is used by the terminal client and by the WebSocket gateway, which
// bridges each browser session onto one reactor connection.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// ErrClosed is returned by Send after the client was closed or quit.
var ErrClosed = errors.New("client closed")

const defaultQuitToken = "quit"

// maxLine bounds a single received frame.
const maxLine = 1 << 20

// Option configures a Client.
type Option func(*Client)

// WithOnMessage sets the callback invoked for each received frame, without
// its trailing newline. It runs on the goroutine calling Run.
func WithOnMessage(fn func(line string)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// WithQuitToken overrides the token that ends the session.
func WithQuitToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.quitToken = token
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is one connection to the chat server. Send may be called from any
// goroutine; Run must be called at most once.
type Client struct {
	conn      net.Conn
	quitToken string
	onMessage func(string)
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to the chat server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// New wraps an established connection.
func New(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:      conn,
		quitToken: defaultQuitToken,
		onMessage: func(string) {},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send writes text as one line. Trailing line terminators are stripped and
// empty text is ignored. Sending the quit token closes the client afterwards.
func (c *Client) Send(text string) error {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(c.conn, text+"\n"); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if text == c.quitToken {
		c.closeLocked()
	}
	return nil
}

// Run reads frames until the server closes the connection, the client is
// closed, or ctx is cancelled. A connection ended by Close or by sending the
// quit token returns nil.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		c.onMessage(strings.ToValidUTF8(line, "�"))
	}

	err := scanner.Err()
	if err == nil || c.isClosed() || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("receive: %w", err)
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug("chat connection closed", "remote", c.conn.RemoteAddr().String())
	return c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
