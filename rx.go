package pktdma

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw"
	"github.com/slackhq/pktdma/ring"
)

// allocAttempts is how often a receive slot is replenished before the queue
// falls back to batch refill.
const allocAttempts = 2

// RxQueue drains completed receive descriptors and hands fresh buffers back
// to the hardware.
type RxQueue struct {
	queue
	handler RxHandler

	// degraded is set while batch refill was entered because of allocation
	// failures rather than configuration.
	degraded bool
}

func newRxQueue(cfg QueueConfig, opts *engineOptions, ch hw.Channel, r *ring.Ring) *RxQueue {
	return &RxQueue{
		queue:   newQueue(cfg, opts, ch, r),
		handler: opts.handler,
	}
}

// Init fills every slot with a buffer and starts the channel.
func (q *RxQueue) Init() error {
	q.poll.Lock()
	defer q.poll.Unlock()

	r := q.ring
	n := r.Size()
	handles := make([]buffer.Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := q.bufs.Alloc(q.cfg.ID.Channel)
		if err != nil {
			for _, h := range handles {
				q.bufs.Free(q.cfg.ID.Channel, h)
			}
			q.stats.nomem.Inc(1)
			return fmt.Errorf("%w: rx slot %d of %d: %w", ErrMemory, i, n, err)
		}
		handles = append(handles, h)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	r.Reset()
	for i, h := range handles {
		r.Slots[i].Handle = h
		q.codec.SetRemain(r.Desc(i), remainHint(i, n))
		q.configure(i, h)
	}
	q.codec.ConfigureReload(r.Reload(), r.Base())

	r.Curr = 0
	r.Halt = n - 1
	q.degraded = false
	q.threshold = q.cfg.FreeThreshold
	if q.cfg.Batch {
		r.State |= ring.StateBatchRefill
	}

	if err := q.ch.Setup(r.Base()); err != nil {
		return fmt.Errorf("%w: setup channel: %w", ErrUnavailable, err)
	}
	if err := q.ch.Start(r.Addr(r.Halt)); err != nil {
		return fmt.Errorf("%w: start channel: %w", ErrUnavailable, err)
	}
	r.State |= ring.StateActive

	q.l.WithFields(logrus.Fields{"descriptors": n, "batch": q.cfg.Batch}).Debug("Receive ring initialized")
	return nil
}

func (q *RxQueue) configure(i int, h buffer.Handle) {
	q.codec.Configure(q.ring.Desc(i), q.bufs.DMAAddress(h), q.bufs.Size(), q.slotFlags(i))
}

// Clean processes up to budget completed descriptors and returns how many it
// processed. A return value equal to budget means more work may be pending.
// It fails with ErrBusy when the virtual ring could not take a packet, the
// slot is retried on the next call.
func (q *RxQueue) Clean(budget int) (int, error) {
	if budget <= 0 {
		return 0, nil
	}

	q.poll.Lock()
	defer q.poll.Unlock()

	if !q.active() {
		return 0, fmt.Errorf("%w: %s is not active", ErrUnavailable, q.cfg.ID)
	}
	defer q.own()()

	r := q.ring
	id := q.cfg.ID
	processed := 0
	busy := false
	for processed < budget {
		q.mu.Lock()
		i := r.Curr
		d := r.Desc(i)
		if !q.codec.Done(d) {
			q.checkStalled()
			q.mu.Unlock()
			break
		}
		batch := r.Has(ring.StateBatchRefill)
		if !batch {
			// Pin the hardware behind the slot before touching its buffer.
			if !r.Has(ring.StateFlowControl) {
				q.ch.Goto(r.Addr(i))
			}
			r.Halt = i
		}
		h := r.Slots[i].Handle
		q.mu.Unlock()

		st := q.codec.DecodeStatus(d)
		pkt, err := q.bufs.BuildIncoming(id.Channel, h, st.Length)
		if err != nil {
			q.stats.busy.Inc(1)
			return processed, fmt.Errorf("%w: rx slot %d: %w", ErrBusy, i, err)
		}
		pkt.Errors = st.Errors
		pkt.Attrs = st.Attrs

		recycle, stop := q.deliver(i, pkt, st)
		if stop {
			busy = true
			break
		}

		q.replenish(i, h, recycle)
		processed++
	}

	q.mu.Lock()
	refill := q.ring.Has(ring.StateBatchRefill) && r.Unused(r.Halt, r.Curr) > q.threshold
	q.mu.Unlock()
	var err error
	if busy {
		err = fmt.Errorf("%w: virtual ring of %s is full", ErrBusy, id)
	}
	if refill && q.refill() == 0 {
		// Nothing could be filled, come back soon.
		return budget, err
	}
	return processed, err
}

// deliver hands pkt to the handler or the virtual ring. recycle is set when
// the slot keeps its buffer, stop when the slot has to be retried later.
func (q *RxQueue) deliver(i int, pkt *buffer.Packet, st descriptor.Status) (recycle, stop bool) {
	id := q.cfg.ID
	if st.Errors != 0 {
		q.stats.errors.Inc(1)
		q.stats.drops.Inc(1)
		return true, false
	}

	err := q.handler.Receive(id, pkt)
	if err == nil {
		q.stats.packets.Inc(1)
		q.stats.bytes.Inc(int64(st.Length))
		return false, false
	}

	if st.Attrs&descriptor.AttrVirtual != 0 && q.opts.bridge != nil {
		err = q.opts.bridge.RxRelay(q, i)
		switch {
		case err == nil:
			q.stats.packets.Inc(1)
			q.stats.bytes.Inc(int64(st.Length))
			// The payload was copied, the buffer is abandoned and replaced.
			pkt.Release()
			return false, false
		case errors.Is(err, ErrBusy):
			q.stats.busy.Inc(1)
			return true, true
		}
	}

	if q.l.Logger.IsLevelEnabled(logrus.DebugLevel) {
		q.l.WithError(err).WithField("slot", i).Debug("Dropped received packet")
	}
	q.stats.drops.Inc(1)
	return true, false
}

// replenish puts a buffer back into slot i and advances Curr. h is the
// buffer the slot held, it is kept when recycle is set.
func (q *RxQueue) replenish(i int, h buffer.Handle, recycle bool) {
	r := q.ring

	q.mu.Lock()
	batch := r.Has(ring.StateBatchRefill)
	q.mu.Unlock()

	next := buffer.NoHandle
	switch {
	case recycle:
		next = h
	case !batch:
		var err error
		for attempt := 0; attempt < allocAttempts; attempt++ {
			if next, err = q.bufs.Alloc(q.cfg.ID.Channel); err == nil {
				break
			}
		}
		if err != nil {
			q.stats.nomem.Inc(1)
			q.l.WithError(err).Warn("Receive buffer allocation failed, falling back to batch refill")
			q.mu.Lock()
			r.State |= ring.StateBatchRefill
			q.degraded = true
			q.threshold = 1
			q.mu.Unlock()
			batch = true
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	r.Slots[i].Handle = next
	if batch {
		// Refill programs the slot later, a kept buffer is reused then.
		q.codec.Clear(r.Desc(i))
	} else {
		q.configure(i, next)
	}

	r.Curr = r.Next(i)
	if q.opts.chainMode && r.Curr == 0 && !r.Has(ring.StateFlowControl) {
		q.chainRestart(r.Halt)
	}
}

// checkStalled counts a channel that stopped while the ring still has
// posted descriptors. mu must be held.
func (q *RxQueue) checkStalled() {
	r := q.ring
	if r.Curr == r.Halt || r.Has(ring.StateFlowControl) || q.ch.Check() {
		return
	}
	q.stats.anomalies.Inc(1)
	q.l.WithFields(logrus.Fields{"curr": r.Curr, "halt": r.Halt}).Debug("Receive channel halted with posted descriptors")
}

// Refill programs empty slots from Halt forward and returns how many slots
// were filled.
func (q *RxQueue) Refill() int {
	q.poll.Lock()
	defer q.poll.Unlock()
	return q.refill()
}

func (q *RxQueue) refill() int {
	r := q.ring

	q.mu.Lock()
	unused := r.Unused(r.Halt, r.Curr)
	q.mu.Unlock()

	filled := 0
	// The slot at Halt is held back from the hardware but may have been
	// emptied when batch refill started.
	ok := q.fill(r.Halt, &filled)
	for ; ok && unused > 0; unused-- {
		i := r.Next(r.Halt)
		if ok = q.fill(i, &filled); ok {
			q.mu.Lock()
			r.Halt = i
			q.mu.Unlock()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !r.Has(ring.StateFlowControl) {
		q.ch.Goto(r.Addr(r.Halt))
	}
	if ok && q.degraded {
		q.degraded = false
		q.threshold = q.cfg.FreeThreshold
		if !q.cfg.Batch {
			r.State &^= ring.StateBatchRefill
		}
		q.l.Info("Receive ring fully refilled, leaving batch refill")
	}
	return filled
}

// fill programs slot i if it is empty. It reuses the buffer the slot still
// holds when the buffer manager reports it available.
func (q *RxQueue) fill(i int, filled *int) bool {
	r := q.ring
	q.mu.Lock()
	programmed := q.codec.Address(r.Desc(i)) != 0
	h := r.Slots[i].Handle
	q.mu.Unlock()
	if programmed {
		return true
	}

	if h == buffer.NoHandle || !q.bufs.Available(h) {
		var err error
		if h, err = q.bufs.Alloc(q.cfg.ID.Channel); err != nil {
			q.stats.nomem.Inc(1)
			q.l.WithError(err).WithField("slot", i).Warn("Batch refill stopped, no receive buffer")
			return false
		}
	}

	q.mu.Lock()
	r.Slots[i].Handle = h
	q.configure(i, h)
	q.mu.Unlock()
	*filled++
	return true
}

// Suspend freezes the hardware halt where it is. Completed descriptors
// keep draining through Clean, but no slot is handed back to the hardware
// until Resume. In chain mode the channel is stopped. Suspending a suspended
// queue does nothing.
func (q *RxQueue) Suspend() error {
	q.poll.Lock()
	defer q.poll.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.ring
	if !r.Has(ring.StateActive) || r.Has(ring.StateFlowControl) {
		return nil
	}
	r.State |= ring.StateFlowControl
	q.l.WithFields(logrus.Fields{"curr": r.Curr, "halt": r.Halt}).Debug("Receive ring suspended")
	if !q.opts.chainMode {
		return nil
	}
	if err := q.ch.Stop(); err != nil {
		return fmt.Errorf("%w: stop channel: %w", ErrUnavailable, err)
	}
	return nil
}

// Resume moves the hardware halt behind the last filled slot again.
// Resuming a queue that is not suspended does nothing.
func (q *RxQueue) Resume() error {
	q.poll.Lock()
	defer q.poll.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.ring
	if !r.Has(ring.StateActive) || !r.Has(ring.StateFlowControl) {
		return nil
	}
	r.State &^= ring.StateFlowControl

	// Never let the hardware past a slot that is not programmed.
	for r.Halt != r.Curr && q.codec.Address(r.Desc(r.Halt)) == 0 {
		r.Halt = (r.Halt + r.Size() - 1) % r.Size()
	}

	if q.opts.chainMode {
		q.restartChannel(r.Addr(q.firstPending(r.Curr, r.Halt)), r.Halt)
	} else {
		q.ch.Goto(r.Addr(r.Halt))
	}
	return nil
}

// Suspended reports whether the hardware halt is frozen.
func (q *RxQueue) Suspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Has(ring.StateFlowControl)
}

// Release stops the channel and frees every buffer still held by the ring.
func (q *RxQueue) Release() {
	q.poll.Lock()
	defer q.poll.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ring.State &^= ring.StateActive
	if err := q.ch.Stop(); err != nil {
		q.l.WithError(err).Warn("Failed to stop receive channel")
	}
	for i := range q.ring.Slots {
		if h := q.ring.Slots[i].Handle; h != buffer.NoHandle && q.bufs.Available(h) {
			q.bufs.Free(q.cfg.ID.Channel, h)
		}
	}
	q.ring.Reset()
}

// Unused returns the number of slots software may still fill.
func (q *RxQueue) Unused() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Unused(q.ring.Halt, q.ring.Curr)
}
