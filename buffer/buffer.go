// Package buffer provides the packet buffers handed to DMA rings.
//
// The ring engines never allocate memory themselves. They ask a [Manager] for
// an opaque [Handle], program its DMA address into a descriptor and hand the
// handle back once the hardware is done with it.
package buffer

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/slackhq/pktdma/descriptor"
)

var (
	// ErrExhausted is returned when no buffer is left to allocate.
	ErrExhausted = errors.New("buffer pool exhausted")
	// ErrInvalidHandle is returned for a handle that is not currently
	// allocated.
	ErrInvalidHandle = errors.New("invalid buffer handle")
	// ErrMalformed is returned when a packet can not be built from a buffer.
	ErrMalformed = errors.New("malformed packet")
)

// Handle identifies one buffer owned by a [Manager].
type Handle uint32

// NoHandle marks an empty slot.
const NoHandle Handle = 0

// Payload is a frame queued for transmission.
type Payload struct {
	Data []byte
	// Priority requests priority framing on the wire.
	Priority bool
	// Purge asks the hardware to consume the descriptor without sending.
	Purge bool
}

// Manager is the buffer capability the ring engines call into. Queue ids are
// passed through so implementations can keep per-queue accounting.
type Manager interface {
	// Alloc returns a fresh buffer for the queue.
	Alloc(queue int) (Handle, error)
	// Free returns a buffer to the manager.
	Free(queue int, h Handle)
	// DMAAddress is the address programmed into a descriptor for h.
	DMAAddress(h Handle) uint64
	// Available reports whether h is a live buffer that can be handed to
	// hardware again.
	Available(h Handle) bool
	// Bytes returns the full backing memory of h.
	Bytes(h Handle) []byte
	// Size is the capacity of every buffer in bytes.
	Size() int

	// BuildIncoming wraps a completed receive buffer as a [Packet]. The
	// packet owns h from then on.
	BuildIncoming(queue int, h Handle, length int) (*Packet, error)
	// BuildOutgoing copies p into a new buffer and returns it along with the
	// number of bytes to transmit.
	BuildOutgoing(queue int, p Payload) (Handle, int, error)
}

// Packet is a received frame. Data aliases DMA memory and stays valid until
// [Packet.Release] is called.
type Packet struct {
	Data   []byte
	Queue  int
	Errors descriptor.Errors
	Attrs  descriptor.Attrs

	handle  Handle
	release func(Handle)
}

// Handle returns the buffer backing the packet.
func (p *Packet) Handle() Handle { return p.handle }

// Release returns the backing buffer. It is safe to call more than once.
func (p *Packet) Release() {
	if p.release != nil && p.handle != NoHandle {
		p.release(p.handle)
	}
	p.handle = NoHandle
	p.Data = nil
}

// Decode parses Data as an ethernet frame. The returned packet aliases Data
// and must not outlive [Packet.Release].
func (p *Packet) Decode() gopacket.Packet {
	return gopacket.NewPacket(p.Data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
}
