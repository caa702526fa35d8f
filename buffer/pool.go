package buffer

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pool is a [Manager] backed by one anonymous memory mapping cut into
// fixed-size buffers. The mapping is not managed by Go, so buffer addresses
// stay stable while hardware holds them.
type Pool struct {
	mu    sync.Mutex
	mem   []byte
	size  int
	count int
	free  []Handle
	live  []bool
}

// NewPool maps count buffers of size bytes each.
func NewPool(count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid pool geometry %d x %d", count, size)
	}

	mem, err := unix.Mmap(-1, 0, count*size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer memory: %w", err)
	}

	p := &Pool{
		mem:   mem,
		size:  size,
		count: count,
		free:  make([]Handle, 0, count),
		live:  make([]bool, count),
	}
	// Hand out low handles first.
	for i := count; i > 0; i-- {
		p.free = append(p.free, Handle(i))
	}
	return p, nil
}

func (p *Pool) Alloc(queue int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return NoHandle, fmt.Errorf("queue %d: %w", queue, ErrExhausted)
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.live[h-1] = true
	return h, nil
}

func (p *Pool) Free(_ int, h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.validLocked(h) {
		return
	}
	p.live[h-1] = false
	p.free = append(p.free, h)
}

func (p *Pool) Available(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validLocked(h)
}

func (p *Pool) validLocked(h Handle) bool {
	return h != NoHandle && int(h) <= p.count && p.live[h-1]
}

func (p *Pool) DMAAddress(h Handle) uint64 {
	if h == NoHandle || int(h) > p.count {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&p.mem[(int(h)-1)*p.size])))
}

// Handle maps a DMA address back to the buffer that contains it.
func (p *Pool) Handle(addr uint64) (Handle, bool) {
	base := uint64(uintptr(unsafe.Pointer(&p.mem[0])))
	if addr < base || addr >= base+uint64(len(p.mem)) {
		return NoHandle, false
	}
	return Handle((addr-base)/uint64(p.size) + 1), true
}

func (p *Pool) Bytes(h Handle) []byte {
	if h == NoHandle || int(h) > p.count {
		return nil
	}
	off := (int(h) - 1) * p.size
	return p.mem[off : off+p.size : off+p.size]
}

func (p *Pool) Size() int { return p.size }

// InUse returns the number of allocated buffers.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count - len(p.free)
}

func (p *Pool) BuildIncoming(queue int, h Handle, length int) (*Packet, error) {
	if !p.Available(h) {
		return nil, fmt.Errorf("queue %d handle %d: %w", queue, h, ErrInvalidHandle)
	}
	if length <= 0 || length > p.size {
		return nil, fmt.Errorf("queue %d: %w: length %d outside (0, %d]", queue, ErrMalformed, length, p.size)
	}

	return &Packet{
		Data:    p.Bytes(h)[:length],
		Queue:   queue,
		handle:  h,
		release: func(h Handle) { p.Free(queue, h) },
	}, nil
}

func (p *Pool) BuildOutgoing(queue int, pl Payload) (Handle, int, error) {
	if len(pl.Data) == 0 || len(pl.Data) > p.size {
		return NoHandle, 0, fmt.Errorf("queue %d: %w: payload of %d bytes does not fit %d", queue, ErrMalformed, len(pl.Data), p.size)
	}

	h, err := p.Alloc(queue)
	if err != nil {
		return NoHandle, 0, err
	}
	n := copy(p.Bytes(h), pl.Data)
	return h, n, nil
}

// Close unmaps the pool memory. Buffers must no longer be used.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil
	}
	if err := unix.Munmap(p.mem); err != nil {
		return fmt.Errorf("unmap buffer memory: %w", err)
	}
	p.mem = nil
	p.free = nil
	return nil
}
