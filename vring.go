package pktdma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw/eventfd"
	"github.com/slackhq/pktdma/ring"
)

// Slot states of a virtual ring.
const (
	vslotFree uint32 = iota
	// vslotReady holds a completion for the partner on receive rings and an
	// offered frame on transmit rings.
	vslotReady
	// vslotInflight is posted on the real transmit ring.
	vslotInflight
	// vslotComplete was sent and waits for the partner to reclaim it.
	vslotComplete
)

// VirtualRing is a shadow ring shared with an isolated partner. It mirrors
// one real queue: receive completions are copied in for the partner to drain,
// transmit descriptors offered by the partner are relayed to the real ring.
//
// The producer and consumer indices run freely and are only ever published
// with atomic stores. Every slot carries its own state so a slot is never
// reused before the other side released it.
type VirtualRing struct {
	id    QueueID
	codec descriptor.Codec
	ring  *ring.Ring
	pool  *buffer.Pool
	size  uint32

	state []atomicbitops.Uint32
	prod  atomicbitops.Uint32
	cons  atomicbitops.Uint32
	// reclaim is the next transmit slot the partner takes back.
	reclaim atomicbitops.Uint32
	// idle is set by the partner when it found no work.
	idle atomicbitops.Uint32
	wake *eventfd.EventFD

	l *logrus.Entry
}

// NewVirtualRing allocates a virtual ring of size slots with one partner
// buffer of bufSize bytes per slot.
func NewVirtualRing(l *logrus.Logger, id QueueID, codec descriptor.Codec, size, bufSize int) (*VirtualRing, error) {
	r, err := ring.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("%w: virtual ring %s: %w", ErrParameter, id, err)
	}
	pool, err := buffer.NewPool(size, bufSize)
	if err != nil {
		_ = r.Release()
		return nil, fmt.Errorf("%w: virtual ring %s buffers: %w", ErrMemory, id, err)
	}
	wake, err := eventfd.New()
	if err != nil {
		_ = r.Release()
		_ = pool.Close()
		return nil, fmt.Errorf("virtual ring %s wake line: %w", id, err)
	}

	v := &VirtualRing{
		id:    id,
		codec: codec,
		ring:  r,
		pool:  pool,
		size:  uint32(size),
		state: make([]atomicbitops.Uint32, size),
		wake:  wake,
		l:     l.WithField("vring", id.String()),
	}
	for i := range r.Slots {
		h, err := pool.Alloc(id.Channel)
		if err != nil {
			_ = v.Close()
			return nil, fmt.Errorf("%w: virtual ring %s: %w", ErrMemory, id, err)
		}
		r.Slots[i].Handle = h
	}
	codec.ConfigureReload(r.Reload(), r.Base())
	return v, nil
}

func (v *VirtualRing) ID() QueueID { return v.id }

// Size returns the number of slots.
func (v *VirtualRing) Size() int { return int(v.size) }

// Indices returns the producer and consumer index.
func (v *VirtualRing) Indices() (prod, cons uint32) {
	return v.prod.Load(), v.cons.Load()
}

// WakeFD is the eventfd the partner is notified on.
func (v *VirtualRing) WakeFD() int { return v.wake.FD() }

// Wait blocks the partner until it is notified.
func (v *VirtualRing) Wait() error {
	_, err := v.wake.Wait(-1)
	return err
}

func (v *VirtualRing) notify() {
	if err := v.wake.Kick(); err != nil {
		v.l.WithError(err).Warn("Failed to wake virtual ring partner")
	}
}

func (v *VirtualRing) slot(i uint32) (uint32, *descriptor.Descriptor, buffer.Handle) {
	j := i % v.size
	return j, v.ring.Desc(int(j)), v.ring.Slots[j].Handle
}

// relay copies a receive completion into the next virtual slot.
func (v *VirtualRing) relay(data []byte, st descriptor.Status) error {
	j, d, h := v.slot(v.prod.Load())
	if v.state[j].Load() != vslotFree {
		// The partner is behind, make sure it is running.
		v.notify()
		return fmt.Errorf("%w: virtual slot %d of %s not drained", ErrBusy, j, v.id)
	}
	if len(data) > v.pool.Size() {
		return fmt.Errorf("%w: %d bytes exceed virtual buffer size %d", ErrParameter, len(data), v.pool.Size())
	}

	n := copy(v.pool.Bytes(h), data)
	v.codec.Configure(d, v.pool.DMAAddress(h), v.pool.Size(), 0)
	v.codec.Complete(d, n, st.Errors, st.Attrs)
	v.state[j].Store(vslotReady)
	v.prod.Add(1)

	if v.idle.Load() == 1 {
		v.idle.Store(0)
		v.notify()
	}
	return nil
}

// Drain is the partner side of a receive ring. It passes every pending
// completion to fn and releases the slot afterwards. data is only valid
// during the call.
func (v *VirtualRing) Drain(fn func(data []byte, st descriptor.Status)) int {
	n := 0
	for {
		cons := v.cons.Load()
		if cons == v.prod.Load() {
			break
		}
		j, d, h := v.slot(cons)
		if v.state[j].Load() != vslotReady {
			break
		}
		st := v.codec.DecodeStatus(d)
		fn(v.pool.Bytes(h)[:st.Length], st)
		v.codec.Clear(d)
		v.state[j].Store(vslotFree)
		v.cons.Store(cons + 1)
		n++
	}
	if n == 0 {
		v.idle.Store(1)
	}
	return n
}

// Offer is the partner side of a transmit ring. It copies data into the next
// free virtual slot for the bridge to fetch.
func (v *VirtualRing) Offer(data []byte, flags descriptor.Flags) error {
	prod := v.prod.Load()
	j, d, h := v.slot(prod)
	if v.state[j].Load() != vslotFree {
		return fmt.Errorf("%w: virtual slot %d of %s not reclaimed", ErrBusy, j, v.id)
	}
	if len(data) == 0 || len(data) > v.pool.Size() {
		return fmt.Errorf("%w: payload of %d bytes does not fit %d", ErrParameter, len(data), v.pool.Size())
	}

	n := copy(v.pool.Bytes(h), data)
	v.codec.Configure(d, v.pool.DMAAddress(h), n, flags&(descriptor.FlagPriority|descriptor.FlagPurge))
	v.state[j].Store(vslotReady)
	v.prod.Store(prod + 1)
	return nil
}

// Reclaim is the partner side of transmit completion. It passes the status
// of every sent slot, in order, to fn and frees the slot for the next Offer.
func (v *VirtualRing) Reclaim(fn func(st descriptor.Status)) int {
	n := 0
	for {
		next := v.reclaim.Load()
		j, d, _ := v.slot(next)
		if v.state[j].Load() != vslotComplete {
			break
		}
		if fn != nil {
			fn(v.codec.DecodeStatus(d))
		}
		v.codec.Clear(d)
		v.state[j].Store(vslotFree)
		v.reclaim.Store(next + 1)
		n++
	}
	return n
}

// fetch moves offered descriptors onto the real transmit ring q. It fails
// with ErrBusy while a transmitter owns q, the offered slots stay ready.
func (v *VirtualRing) fetch(q *TxQueue) (int, error) {
	if v.cons.Load() == v.prod.Load() {
		return 0, nil
	}
	if !q.sem.TryAcquire(1) {
		return 0, fmt.Errorf("%w: transmit in progress on %s", ErrBusy, q.ID())
	}
	defer q.sem.Release(1)

	n := 0
	for {
		cons := v.cons.Load()
		if cons == v.prod.Load() {
			return n, nil
		}
		j, d, _ := v.slot(cons)
		if v.state[j].Load() != vslotReady {
			return n, nil
		}

		ctl := v.codec.Control(d)
		err := q.postVirtual(j, v.codec.Address(d), ctl.Length, ctl.Flags&(descriptor.FlagPriority|descriptor.FlagPurge))
		if errors.Is(err, ErrResource) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		v.state[j].Store(vslotInflight)
		v.cons.Store(cons + 1)
		n++
	}
}

// complete hands the status of a sent slot back to the partner.
func (v *VirtualRing) complete(vidx uint32, st descriptor.Status) {
	j, d, _ := v.slot(vidx)
	if v.state[j].Load() != vslotInflight {
		v.l.WithField("slot", j).Warn("Completion for a virtual slot that is not in flight")
		return
	}
	v.codec.Complete(d, st.Length, st.Errors, st.Attrs)
	v.state[j].Store(vslotComplete)
	v.notify()
}

func (v *VirtualRing) Close() error {
	var errs []error
	if err := v.wake.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wake line: %w", err))
	}
	if err := v.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.ring.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Bridge connects real rings to their virtual counterparts.
type Bridge struct {
	mu    sync.RWMutex
	rings map[QueueID]*VirtualRing
	l     *logrus.Logger
}

func NewBridge(l *logrus.Logger) *Bridge {
	return &Bridge{rings: map[QueueID]*VirtualRing{}, l: l}
}

// Attach links v to the real queue with the same id.
func (b *Bridge) Attach(v *VirtualRing) {
	b.mu.Lock()
	b.rings[v.id] = v
	b.mu.Unlock()
}

// Detach unlinks and returns the virtual ring of a queue.
func (b *Bridge) Detach(id QueueID) *VirtualRing {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.rings[id]
	delete(b.rings, id)
	return v
}

// Ring returns the virtual ring linked to a queue, or nil.
func (b *Bridge) Ring(id QueueID) *VirtualRing {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rings[id]
}

// RxRelay copies the completed receive slot of q into its virtual ring. It
// fails with ErrBusy when the partner did not drain the target slot yet and
// leaves that slot untouched.
func (b *Bridge) RxRelay(q *RxQueue, slot int) error {
	v := b.Ring(q.ID())
	if v == nil {
		return fmt.Errorf("%w: no virtual ring for %s", ErrUnavailable, q.ID())
	}

	d := q.ring.Desc(slot)
	st := q.codec.DecodeStatus(d)
	if !st.Done {
		return fmt.Errorf("%w: rx slot %d is not complete", ErrParameter, slot)
	}
	data := q.bufs.Bytes(q.ring.Slots[slot].Handle)
	if st.Length > len(data) {
		return fmt.Errorf("%w: rx slot %d length %d exceeds buffer", ErrParameter, slot, st.Length)
	}
	return v.relay(data[:st.Length], st)
}

// TxFetch claims descriptors offered by the partner and posts them on q. It
// returns how many were posted and stops early when q is full. It fails with
// ErrBusy when a Transmit on q is in progress.
func (b *Bridge) TxFetch(q *TxQueue) (int, error) {
	v := b.Ring(q.ID())
	if v == nil {
		return 0, nil
	}
	return v.fetch(q)
}

// TxComplete relays the completion of a posted virtual descriptor.
func (b *Bridge) TxComplete(id QueueID, vidx uint32, st descriptor.Status) {
	v := b.Ring(id)
	if v == nil {
		b.l.WithField("queue", id.String()).Warn("Transmit completion for a detached virtual ring")
		return
	}
	v.complete(vidx, st)
}

// Close closes every attached virtual ring.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for id, v := range b.rings {
		if err := v.Close(); err != nil {
			errs = append(errs, fmt.Errorf("virtual ring %s: %w", id, err))
		}
		delete(b.rings, id)
	}
	return errors.Join(errs...)
}
