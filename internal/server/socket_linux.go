//go:build linux

package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Tyrowin/linechat/internal/config"
)

// Listen opens a non-blocking TCP listener on cfg.Addr, creates an epoll
// poller, and returns a reactor ready to Run.
func Listen(cfg config.ServerConfig, opts ...Option) (*Reactor, error) {
	cfg = config.Sanitize(config.Config{Server: cfg}).Server

	ln, err := listenTCP(cfg.Addr)
	if err != nil {
		return nil, err
	}
	poller, err := newEpollPoller()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	r, err := New(cfg, ln, poller, opts...)
	if err != nil {
		_ = poller.Close()
		_ = ln.Close()
		return nil, err
	}
	return r, nil
}

type tcpListener struct {
	fd   int
	addr *net.TCPAddr
}

func listenTCP(addr string) (*tcpListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	family, sa := toSockaddr(tcpAddr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return &tcpListener{fd: fd, addr: fromSockaddr(bound)}, nil
}

func (l *tcpListener) Fd() int        { return l.fd }
func (l *tcpListener) Addr() net.Addr { return l.addr }
func (l *tcpListener) Close() error   { return unix.Close(l.fd) }

// Accept takes one pending connection off the backlog.
func (l *tcpListener) Accept() (Transport, string, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return nil, "", ErrWouldBlock
		default:
			return nil, "", fmt.Errorf("accept4: %w", err)
		}
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	remote := ""
	if sa != nil {
		remote = fromSockaddr(sa).String()
	}
	return &fdTransport{fd: nfd}, remote, nil
}

// fdTransport performs raw non-blocking reads and writes on a socket.
type fdTransport struct {
	fd int
}

func (t *fdTransport) Fd() int { return t.fd }

func (t *fdTransport) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("read: %w", err)
		}
	}
}

// Write sends with MSG_NOSIGNAL so a vanished peer yields EPIPE instead of
// a signal.
func (t *fdTransport) Write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(t.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, fmt.Errorf("write: %w", err)
		}
	}
}

func (t *fdTransport) Close() error {
	return unix.Close(t.fd)
}

func toSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}
