//go:build linux

package server

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll instance. Tokens are stored across
// the Fd and Pad fields of the event data.
type epollPoller struct {
	fd     int
	events []unix.EpollEvent
}

func newEpollPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{fd: fd}, nil
}

func epollMask(interest Interest) uint32 {
	var mask uint32
	if interest&InterestRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&InterestWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) ctl(op, fd int, token uint64, interest Interest) error {
	ev := unix.EpollEvent{Events: epollMask(interest)}
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
	return unix.EpollCtl(p.fd, op, fd, &ev)
}

func (p *epollPoller) Add(fd int, token uint64, interest Interest) error {
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, token, interest); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, token uint64, interest Interest) error {
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, token, interest); err != nil {
		return fmt.Errorf("epoll modify fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll remove fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wait(ready []Readiness, timeout time.Duration) (int, error) {
	if len(ready) == 0 {
		return 0, nil
	}
	if len(p.events) < len(ready) {
		p.events = make([]unix.EpollEvent, len(ready))
	}

	n, err := unix.EpollWait(p.fd, p.events[:len(ready)], int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		ready[i] = Readiness{
			Token:    uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
		}
	}
	return n, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
