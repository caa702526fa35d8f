//go:build !linux

package eventfd

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("eventfd is only supported on linux")

type EventFD struct{}

func New() (*EventFD, error) { return nil, errUnsupported }
func (e *EventFD) Kick() error { return errUnsupported }
func (e *EventFD) Drain() (uint64, error) { return 0, errUnsupported }
func (e *EventFD) Wait(time.Duration) (bool, error) { return false, errUnsupported }
func (e *EventFD) Close() error { return nil }
func (e *EventFD) FD() int { return -1 }

type Epoll struct{}

func NewEpoll() (*Epoll, error) { return nil, errUnsupported }
func (ep *Epoll) AddEvent(int) error { return errUnsupported }
func (ep *Epoll) Block(time.Duration) (int, error) { return -1, errUnsupported }
func (ep *Epoll) Close() error { return nil }
