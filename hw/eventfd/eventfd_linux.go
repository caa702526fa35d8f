package eventfd

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking interrupt line. The DMA side kicks it, the poll
// loop waits for it through an [Epoll].
type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Kick raises the line. Kicks coalesce until the counter is drained.
func (e *EventFD) Kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated, the line is already raised.
		return nil
	}
	return err
}

// Drain lowers the line and returns how many kicks were pending.
func (e *EventFD) Drain() (uint64, error) {
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(e.buf[:]), nil
}

// Wait blocks up to timeout for the line to be raised and drains it, a
// negative timeout waits forever. It reports whether the line was raised.
func (e *EventFD) Wait(timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		kicks, err := e.Drain()
		if err != nil {
			return false, err
		}
		if kicks > 0 || ms >= 0 {
			return kicks > 0, nil
		}
	}
}

func (e *EventFD) Close() error {
	if e.fd > 0 {
		err := unix.Close(e.fd)
		e.fd = -1
		return err
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

// Epoll waits on a set of interrupt lines.
type Epoll struct {
	fd     int
	buf    [8]byte
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 16),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits up to timeout for any line to be raised, a negative timeout
// waits forever. Raised lines are drained before returning their count.
func (ep *Epoll) Block(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(ep.fd, ep.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return -1, err
	}
	for i := 0; i < n; i++ {
		// Losing a read here only means a spurious wake on the next call.
		_, _ = unix.Read(int(ep.events[i].Fd), ep.buf[:])
	}
	return n, nil
}

func (ep *Epoll) Close() error {
	if ep.fd > 0 {
		err := unix.Close(ep.fd)
		ep.fd = -1
		return err
	}
	return nil
}
