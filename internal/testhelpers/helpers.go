// Package testhelpers provides common utilities and helper functions for testing linechat.
//
// It starts real reactors on loopback, dials line-oriented TCP clients
// against them, and wraps the HTTP and WebSocket plumbing the gateway tests
// share.
package testhelpers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/config"
	"github.com/Tyrowin/linechat/internal/server"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 2 * time.Second

// TestOrigin is the Origin header the WebSocket helpers send.
const TestOrigin = "http://localhost:8080"

// StartReactor listens on an ephemeral loopback port and runs a reactor in
// the background until the test ends. The test is skipped where the reactor
// is unsupported.
func StartReactor(t *testing.T, mutate ...func(*config.ServerConfig)) *server.Reactor {
	t.Helper()

	cfg := config.NewConfig().Server
	cfg.Addr = "127.0.0.1:0"
	cfg.PollInterval = 20 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r, err := server.Listen(cfg, server.WithLogger(logger))
	if errors.Is(err, server.ErrUnsupportedPlatform) {
		t.Skip("reactor is not supported on this platform")
	}
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("reactor stopped with error: %v", err)
			}
		case <-time.After(DefaultTimeout):
			t.Error("reactor did not stop")
		}
	})
	return r
}

// WaitForActive polls until the reactor reports want live connections.
func WaitForActive(t *testing.T, r *server.Reactor, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Active() == want },
		DefaultTimeout, 5*time.Millisecond, "expected %d active connections", want)
}

// LineConn is a blocking test client for the line protocol.
type LineConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// DialLine connects to addr and closes the connection when the test ends.
func DialLine(t *testing.T, addr string) *LineConn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &LineConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// SendLine writes text followed by a newline.
func (c *LineConn) SendLine(text string) {
	c.t.Helper()
	c.SendRaw(text + "\n")
}

// SendRaw writes data as is, without framing.
func (c *LineConn) SendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)))
	_, err := io.WriteString(c.conn, data)
	require.NoError(c.t, err)
}

// ReadLine returns the next line without its newline.
func (c *LineConn) ReadLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ExpectLine fails the test unless the next line equals want.
func (c *LineConn) ExpectLine(want string) {
	c.t.Helper()
	got, err := c.ReadLine(DefaultTimeout)
	require.NoError(c.t, err, "waiting for %q", want)
	require.Equal(c.t, want, got)
}

// ExpectSilence fails the test if anything arrives within d.
func (c *LineConn) ExpectSilence(d time.Duration) {
	c.t.Helper()
	got, err := c.ReadLine(d)
	if err == nil {
		c.t.Fatalf("expected no data, got %q", got)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection.
func (c *LineConn) ExpectClosed() {
	c.t.Helper()
	_, err := c.ReadLine(DefaultTimeout)
	require.Error(c.t, err)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.t.Fatal("connection was not closed by the server")
	}
}

// Close closes the underlying connection.
func (c *LineConn) Close() error {
	return c.conn.Close()
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "failed to create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "failed to make request")
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header. The response is
// returned so callers can inspect rejected handshakes.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ReceiveText reads one text message with a deadline.
func ReceiveText(conn *websocket.Conn, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	return string(data), err
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		_ = conn.Close()
		return err
	}
	return conn.Close()
}
