// Package ring allocates DMA descriptor rings and keeps their indices.
//
// A ring of size N holds N+1 descriptors in one anonymous memory mapping. The
// extra descriptor at index N is the reload slot which points the hardware
// back at slot 0. Software tracks three indices into the N real slots: Curr
// (the next slot to complete), Halt (where hardware stops) and Dirt (the next
// transmit slot to reclaim). One slot is always held back so that Curr == Halt
// is never ambiguous.
package ring

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
)

// ErrSizeInvalid is returned when a ring size is invalid.
var ErrSizeInvalid = errors.New("ring size is invalid")

// MaxSize is the largest number of real slots a ring can have.
const MaxSize = 4096

// CheckSize checks if the given value would be a valid ring size and returns
// an [ErrSizeInvalid], if not.
func CheckSize(n int) error {
	// At least one slot must be usable after the held back one.
	if n < 2 {
		return fmt.Errorf("%w: %d is too small", ErrSizeInvalid, n)
	}
	if n > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum ring size %d", ErrSizeInvalid, n, MaxSize)
	}
	return nil
}

// Kind tells real slots apart from the reload slot.
type Kind uint8

const (
	KindNormal Kind = iota
	KindReload
)

// State holds the ring state bits.
type State uint32

const (
	// StateActive is set while the channel runs.
	StateActive State = 1 << iota
	// StateBusy is set while a poll cycle owns the ring.
	StateBusy
	// StateBatchRefill marks deferred receive refill.
	StateBatchRefill
	// StateFlowControl marks a paused producer. Transmit rings set it when
	// they run out of descriptors, receive rings while suspended, where it
	// freezes the hardware halt.
	StateFlowControl
	// StateSuspended freezes the hardware halt of a transmit ring.
	StateSuspended
)

func (s State) String() string {
	if s == 0 {
		return "idle"
	}
	names := []string{"active", "busy", "batch", "flowctl", "suspended"}
	out := ""
	for i, n := range names {
		if s&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	return out
}

// Slot is the software side of a descriptor.
type Slot struct {
	Handle buffer.Handle
	// Virtual marks a transmit slot carrying a descriptor relayed from a
	// virtual ring. VIndex is the index in that ring.
	Virtual bool
	VIndex  uint32
}

// Ring is a descriptor ring together with its slot array. It is not safe for
// concurrent use, the owning queue serializes access.
type Ring struct {
	Curr  int
	Halt  int
	Dirt  int
	State State
	Slots []Slot

	n     int
	mem   []byte
	descs []descriptor.Descriptor
}

// Allocate maps a ring of n slots plus the reload slot. All descriptors start
// zeroed.
func Allocate(n int) (*Ring, error) {
	if err := CheckSize(n); err != nil {
		return nil, err
	}

	// Descriptors live outside the Go heap so their addresses stay stable
	// while hardware walks them.
	mem, err := unix.Mmap(-1, 0, (n+1)*descriptor.Size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate ring memory: %w", err)
	}

	return &Ring{
		Slots: make([]Slot, n),
		n:     n,
		mem:   mem,
		descs: unsafe.Slice((*descriptor.Descriptor)(unsafe.Pointer(&mem[0])), n+1),
	}, nil
}

// Size returns the number of real slots.
func (r *Ring) Size() int { return r.n }

// Desc returns descriptor i, the reload slot included.
func (r *Ring) Desc(i int) *descriptor.Descriptor { return &r.descs[i] }

// Reload returns the reload descriptor.
func (r *Ring) Reload() *descriptor.Descriptor { return &r.descs[r.n] }

func (r *Ring) Kind(i int) Kind {
	if i == r.n {
		return KindReload
	}
	return KindNormal
}

// Base is the bus address of descriptor 0.
func (r *Ring) Base() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.descs[0])))
}

// Addr is the bus address of descriptor i.
func (r *Ring) Addr(i int) uint64 {
	return r.Base() + uint64(i)*descriptor.Size
}

// Index maps a descriptor bus address back to its index.
func (r *Ring) Index(addr uint64) (int, bool) {
	base := r.Base()
	if addr < base || (addr-base)%descriptor.Size != 0 {
		return 0, false
	}
	i := int((addr - base) / descriptor.Size)
	if i > r.n {
		return 0, false
	}
	return i, true
}

// Next returns the real slot after i, wrapping at the reload slot.
func (r *Ring) Next(i int) int {
	i++
	if i >= r.n {
		return 0
	}
	return i
}

// Unused returns the number of slots between this and other that software
// may still fill, one slot held back.
func (r *Ring) Unused(this, other int) int {
	return (r.n + other - this - 1) % r.n
}

// Has reports whether all bits in s are set.
func (r *Ring) Has(s State) bool { return r.State&s == s }

// Reset zeroes all descriptors, slots and indices.
func (r *Ring) Reset() {
	clear(r.descs)
	clear(r.Slots)
	r.Curr, r.Halt, r.Dirt = 0, 0, 0
	r.State = 0
}

// Release unmaps the ring memory. The ring must not be used afterwards.
func (r *Ring) Release() error {
	if r.mem == nil {
		return nil
	}
	r.descs = nil
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("unmap ring memory: %w", err)
	}
	r.mem = nil
	return nil
}
