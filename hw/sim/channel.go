// Package sim is a software DMA engine. It walks descriptor rings the way the
// hardware does, which makes the ring engines testable and lets the CLI run
// loopback traffic without an adapter.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw/eventfd"
)

// Direction of a channel.
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// Frame is a packet on the simulated wire.
type Frame struct {
	Data     []byte
	Errors   descriptor.Errors
	Attrs    descriptor.Attrs
	Priority bool
}

// maxWalk bounds a single Step so a corrupted ring can not spin forever.
const maxWalk = 1 << 16

// Channel is one simulated DMA channel. It implements hw.Channel and
// hw.Interrupter.
type Channel struct {
	mu      sync.Mutex
	id      int
	dir     Direction
	codec   descriptor.Codec
	base    uint64
	pos     uint64
	halt    uint64
	running bool

	intr atomic.Bool
	irq  *eventfd.EventFD

	// ingress holds frames waiting for a receive descriptor.
	ingress *queue.Queue
	egress  func(Frame)

	processed atomic.Uint64
	l         *logrus.Entry
}

func newChannel(l logrus.FieldLogger, id int, dir Direction, codec descriptor.Codec) *Channel {
	c := &Channel{
		id:      id,
		dir:     dir,
		codec:   codec,
		ingress: queue.New(),
		l:       l.WithField("channel", id).WithField("dir", dir.String()),
	}

	irq, err := eventfd.New()
	if err != nil {
		c.l.WithError(err).Debug("Interrupt line unavailable, channel will only be polled")
	} else {
		c.irq = irq
	}
	return c
}

func (c *Channel) ID() int { return c.id }

func (c *Channel) Direction() Direction { return c.dir }

func (c *Channel) Setup(base uint64) error {
	if base == 0 {
		return fmt.Errorf("channel %d: ring base is nil", c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("channel %d: setup while running", c.id)
	}
	c.base = base
	c.pos = base
	return nil
}

func (c *Channel) Start(halt uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == 0 {
		return fmt.Errorf("channel %d: start before setup", c.id)
	}
	c.halt = halt
	c.running = true
	return nil
}

func (c *Channel) Stop() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

func (c *Channel) Goto(halt uint64) {
	c.mu.Lock()
	c.halt = halt
	c.mu.Unlock()
}

func (c *Channel) IntrQuery() bool { return c.intr.Load() }

func (c *Channel) IntrClear() { c.intr.Store(false) }

func (c *Channel) Check() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// InterruptFD returns the eventfd kicked on every interrupt, or -1.
func (c *Channel) InterruptFD() int {
	if c.irq == nil {
		return -1
	}
	return c.irq.FD()
}

// Inject queues a frame for reception.
func (c *Channel) Inject(f Frame) {
	c.mu.Lock()
	c.ingress.Add(f)
	c.mu.Unlock()
}

// Pending returns the number of injected frames not yet received.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ingress.Length()
}

// OnEgress sets the sink for transmitted frames.
func (c *Channel) OnEgress(fn func(Frame)) {
	c.mu.Lock()
	c.egress = fn
	c.mu.Unlock()
}

// Processed returns the number of descriptors completed so far.
func (c *Channel) Processed() uint64 { return c.processed.Load() }

// Position returns the address of the next descriptor the channel looks at.
func (c *Channel) Position() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// HaltAddr returns the address the channel stops in front of.
func (c *Channel) HaltAddr() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt
}

// Step processes up to max descriptors, all available ones if max <= 0, and
// returns how many were completed.
func (c *Channel) Step(max int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Frame
	n, raise := 0, false
	for walk := 0; walk < maxWalk && c.running && c.pos != c.halt; walk++ {
		if max > 0 && n >= max {
			break
		}

		d := descAt(c.pos)
		ctl := c.codec.Control(d)
		if ctl.Flags&descriptor.FlagReload != 0 {
			c.pos = c.codec.Address(d)
			continue
		}

		addr := c.codec.Address(d)
		if addr == 0 {
			// Empty descriptor, the hardware stalls until software fills it.
			break
		}

		if c.dir == Rx {
			if c.ingress.Length() == 0 {
				break
			}
			f := c.ingress.Remove().(Frame)
			errs, length := f.Errors, len(f.Data)
			if length > ctl.Length {
				length = ctl.Length
				errs |= descriptor.ErrorTruncated
			}
			copy(bytesAt(addr, length), f.Data)
			c.codec.Complete(d, length, errs, f.Attrs|descriptor.AttrStart|descriptor.AttrEnd)
		} else {
			attrs := descriptor.AttrStart | descriptor.AttrEnd
			if ctl.Flags&descriptor.FlagPurge != 0 {
				attrs |= descriptor.AttrPurged
			} else if c.egress != nil {
				data := make([]byte, ctl.Length)
				copy(data, bytesAt(addr, ctl.Length))
				out = append(out, Frame{Data: data, Priority: ctl.Flags&descriptor.FlagPriority != 0})
			}
			c.codec.Complete(d, ctl.Length, 0, attrs)
		}

		n++
		c.processed.Add(1)
		raise = raise || ctl.Flags&descriptor.FlagInterrupt != 0
		c.pos += descriptor.Size

		if ctl.Flags&descriptor.FlagChain == 0 {
			// End of chain, software has to restart the channel.
			c.running = false
			raise = true
		}
	}

	egress := c.egress
	if raise {
		c.raise()
	}
	if egress != nil && len(out) > 0 {
		// Deliver without holding the lock, the sink may be another channel.
		c.mu.Unlock()
		for _, f := range out {
			egress(f)
		}
		c.mu.Lock()
	}
	return n
}

func (c *Channel) raise() {
	c.intr.Store(true)
	if c.irq != nil {
		if err := c.irq.Kick(); err != nil {
			c.l.WithError(err).Warn("Failed to kick interrupt line")
		}
	}
}

func (c *Channel) close() error {
	if c.irq != nil {
		return c.irq.Close()
	}
	return nil
}

// Descriptors and buffers live in memory mapped outside the Go heap, so
// converting their bus addresses back to pointers is safe.
// See https://github.com/golang/go/issues/58625
//
//goland:noinspection GoVetUnsafePointer
func descAt(addr uint64) *descriptor.Descriptor {
	return (*descriptor.Descriptor)(unsafe.Pointer(uintptr(addr)))
}

//goland:noinspection GoVetUnsafePointer
func bytesAt(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}
