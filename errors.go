package pktdma

import "errors"

var (
	// ErrParameter is returned for invalid arguments or configuration.
	ErrParameter = errors.New("invalid parameter")
	// ErrMemory is returned when buffers or ring memory can not be allocated.
	ErrMemory = errors.New("out of memory")
	// ErrBusy is returned when a resource is temporarily held by someone else.
	ErrBusy = errors.New("resource busy")
	// ErrUnavailable is returned for unknown, released or suspended queues.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrTimeout is returned when a bounded wait expired.
	ErrTimeout = errors.New("timed out")
	// ErrResource is returned when a transmit ring has no free descriptor.
	ErrResource = errors.New("no free descriptors")
)
