package pktdma

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw"
	"github.com/slackhq/pktdma/ring"
)

// TxQueue posts outgoing buffers and reclaims them once the hardware sent
// them.
type TxQueue struct {
	queue
	flow FlowControl

	// sem serializes transmit attempts.
	sem *semaphore.Weighted
	// wake is closed and replaced whenever transmitters waiting for
	// descriptors should look again. Guarded by mu.
	wake chan struct{}
}

func newTxQueue(cfg QueueConfig, opts *engineOptions, ch hw.Channel, r *ring.Ring) *TxQueue {
	return &TxQueue{
		queue: newQueue(cfg, opts, ch, r),
		flow:  opts.flow,
		sem:   semaphore.NewWeighted(1),
		wake:  make(chan struct{}),
	}
}

// Init starts the channel on an empty ring.
func (q *TxQueue) Init() error {
	q.poll.Lock()
	defer q.poll.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.ring
	r.Reset()
	n := r.Size()
	for i := 0; i < n; i++ {
		q.codec.SetRemain(r.Desc(i), remainHint(i, n))
		q.codec.SetChain(r.Desc(i), q.slotFlags(i)&descriptor.FlagChain != 0)
	}
	q.codec.ConfigureReload(r.Reload(), r.Base())
	q.threshold = q.cfg.FreeThreshold
	q.restartPending = false

	if err := q.ch.Setup(r.Base()); err != nil {
		return fmt.Errorf("%w: setup channel: %w", ErrUnavailable, err)
	}
	if err := q.ch.Start(r.Addr(r.Curr)); err != nil {
		return fmt.Errorf("%w: start channel: %w", ErrUnavailable, err)
	}
	r.State |= ring.StateActive

	q.l.WithField("descriptors", n).Debug("Transmit ring initialized")
	return nil
}

// Transmit posts p on the ring. When the ring is full it fails with
// ErrResource in interrupt mode, in polling mode it reclaims what it can and
// waits up to the configured resource wait before failing with ErrTimeout.
func (q *TxQueue) Transmit(ctx context.Context, p buffer.Payload) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	defer q.sem.Release(1)

	if err := q.reserve(ctx); err != nil {
		return err
	}

	h, n, err := q.bufs.BuildOutgoing(q.cfg.ID.Channel, p)
	if err != nil {
		if errors.Is(err, buffer.ErrExhausted) {
			q.stats.nomem.Inc(1)
			return fmt.Errorf("%w: %w", ErrMemory, err)
		}
		q.stats.errors.Inc(1)
		return fmt.Errorf("%w: %w", ErrParameter, err)
	}

	flags := descriptor.Flags(0)
	if p.Priority {
		flags |= descriptor.FlagPriority
	}
	if p.Purge {
		flags |= descriptor.FlagPurge
	}

	q.mu.Lock()
	r := q.ring
	if !r.Has(ring.StateActive) {
		q.mu.Unlock()
		q.bufs.Free(q.cfg.ID.Channel, h)
		return fmt.Errorf("%w: %s is not active", ErrUnavailable, q.cfg.ID)
	}
	if r.Unused(r.Curr, r.Dirt) <= 0 {
		// Only a poster that bypassed sem can take the reserved slot.
		q.mu.Unlock()
		q.bufs.Free(q.cfg.ID.Channel, h)
		q.stats.busy.Inc(1)
		return fmt.Errorf("%w: %s lost its reserved descriptor", ErrResource, q.cfg.ID)
	}
	unused := q.post(q.bufs.DMAAddress(h), n, flags, ring.Slot{Handle: h})
	threshold := q.threshold
	q.mu.Unlock()

	q.stats.packets.Inc(1)
	q.stats.bytes.Inc(int64(n))

	if q.opts.polling && unused <= threshold {
		q.Clean(q.ring.Size())
	}
	return nil
}

// reserve returns once a descriptor is free.
func (q *TxQueue) reserve(ctx context.Context) error {
	var deadline <-chan time.Time
	for {
		q.mu.Lock()
		r := q.ring
		if !r.Has(ring.StateActive) {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s is not active", ErrUnavailable, q.cfg.ID)
		}
		if r.Unused(r.Curr, r.Dirt) > 0 {
			q.mu.Unlock()
			return nil
		}

		pause := !r.Has(ring.StateFlowControl)
		if pause {
			q.l.WithFields(q.logFields()).Debug("Transmit ring exhausted, pausing producer")
		}
		r.State |= ring.StateFlowControl
		wake := q.wake
		q.mu.Unlock()

		if pause {
			q.flow.PauseProducer(q.cfg.ID)
		}
		q.stats.busy.Inc(1)

		if !q.opts.polling {
			return fmt.Errorf("%w: %s", ErrResource, q.cfg.ID)
		}
		if q.Clean(q.ring.Size()) > 0 {
			continue
		}

		if deadline == nil {
			t := time.NewTimer(q.opts.resourceWait)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-wake:
		case <-deadline:
			return fmt.Errorf("%w: no descriptor freed on %s within %s", ErrTimeout, q.cfg.ID, q.opts.resourceWait)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}

// post programs the slot at Curr and moves the hardware halt past it unless
// the ring is suspended. mu must be held and a slot must be free. It returns
// the unused count.
func (q *TxQueue) post(addr uint64, length int, flags descriptor.Flags, slot ring.Slot) int {
	r := q.ring
	i := r.Curr
	q.codec.Configure(r.Desc(i), addr, length, flags|q.slotFlags(i))
	r.Slots[i] = slot

	r.Curr = r.Next(i)
	r.Halt = r.Curr
	if r.Has(ring.StateSuspended) {
		return r.Unused(r.Curr, r.Dirt)
	}
	if q.opts.chainMode && r.Curr == 0 {
		q.chainRestart(r.Curr)
	}
	q.ch.Goto(r.Addr(r.Curr))
	return r.Unused(r.Curr, r.Dirt)
}

type txDone struct {
	slot   ring.Slot
	status descriptor.Status
}

// Clean reclaims up to budget sent descriptors and returns how many it
// reclaimed.
func (q *TxQueue) Clean(budget int) int {
	if budget <= 0 {
		return 0
	}

	q.poll.Lock()
	defer q.poll.Unlock()
	defer q.own()()

	done := make([]txDone, 0, min(budget, q.ring.Size()))
	r := q.ring

	q.mu.Lock()
	for len(done) < budget && r.Dirt != r.Curr {
		i := r.Dirt
		d := r.Desc(i)
		if q.codec.Address(d) == 0 || !q.codec.Done(d) {
			break
		}
		done = append(done, txDone{slot: r.Slots[i], status: q.codec.DecodeStatus(d)})
		q.codec.Clear(d)
		r.Slots[i] = ring.Slot{}

		r.Dirt = r.Next(i)
		if q.opts.chainMode && r.Dirt == 0 && q.restartPending && !r.Has(ring.StateSuspended) && !q.ch.Check() {
			q.restartChannel(r.Base(), r.Curr)
		}
	}

	resume := false
	if r.Has(ring.StateFlowControl) && r.Unused(r.Curr, r.Dirt) >= q.threshold && r.Unused(r.Curr, r.Dirt) > 0 {
		r.State &^= ring.StateFlowControl
		resume = true
	}
	if len(done) > 0 || resume {
		close(q.wake)
		q.wake = make(chan struct{})
	}
	q.mu.Unlock()

	for _, c := range done {
		if c.status.Attrs&descriptor.AttrPurged != 0 {
			q.stats.drops.Inc(1)
		}
		if c.status.Errors != 0 {
			q.stats.errors.Inc(1)
		}
		if c.slot.Virtual {
			if q.opts.bridge != nil {
				q.opts.bridge.TxComplete(q.cfg.ID, c.slot.VIndex, c.status)
			}
			continue
		}
		q.bufs.Free(q.cfg.ID.Channel, c.slot.Handle)
	}

	if resume {
		q.l.Debug("Transmit ring drained below free threshold, resuming producer")
		q.flow.ResumeProducer(q.cfg.ID)
	}
	return len(done)
}

// postVirtual programs a descriptor relayed from a virtual ring. The buffer
// stays owned by the partner. sem must be held so a concurrent Transmit can
// not lose the descriptor it reserved.
func (q *TxQueue) postVirtual(vidx uint32, addr uint64, length int, flags descriptor.Flags) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.ring
	if !r.Has(ring.StateActive) {
		return fmt.Errorf("%w: %s is not active", ErrUnavailable, q.cfg.ID)
	}
	if r.Unused(r.Curr, r.Dirt) <= 0 {
		return fmt.Errorf("%w: %s", ErrResource, q.cfg.ID)
	}
	q.post(addr, length, flags, ring.Slot{Virtual: true, VIndex: vidx})
	return nil
}

// Suspend freezes the hardware halt. Transmit keeps posting, but nothing
// posted is handed to the hardware until Resume. In chain mode the channel
// is stopped. Suspending a suspended queue does nothing.
func (q *TxQueue) Suspend() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.ring
	if !r.Has(ring.StateActive) || r.Has(ring.StateSuspended) {
		return nil
	}
	r.State |= ring.StateSuspended
	q.l.WithFields(q.logFields()).Debug("Transmit ring suspended")
	if !q.opts.chainMode {
		return nil
	}
	if err := q.ch.Stop(); err != nil {
		return fmt.Errorf("%w: stop channel: %w", ErrUnavailable, err)
	}
	return nil
}

// Resume hands everything posted while suspended to the hardware. Resuming
// a queue that is not suspended does nothing.
func (q *TxQueue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.ring
	if !r.Has(ring.StateActive) || !r.Has(ring.StateSuspended) {
		return nil
	}
	r.State &^= ring.StateSuspended
	if q.opts.chainMode {
		from := q.firstPending(r.Dirt, r.Curr)
		q.restartChannel(r.Addr(from), r.Curr)
		// The chain ends at the last slot, the head is restarted once the
		// tail is reclaimed.
		q.restartPending = from > r.Curr
	} else {
		q.ch.Goto(r.Addr(r.Curr))
	}
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

// Suspended reports whether the hardware halt is frozen.
func (q *TxQueue) Suspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Has(ring.StateSuspended)
}

// Wakeup wakes blocked transmitters and kicks the hardware halt again.
func (q *TxQueue) Wakeup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := q.ring
	if r.Has(ring.StateActive) && !r.Has(ring.StateSuspended) {
		if q.restartPending && !q.ch.Check() {
			q.restartChannel(r.Base(), r.Curr)
		}
		q.ch.Goto(r.Addr(r.Curr))
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

// Release stops the channel and frees every buffer still on the ring.
// Relayed descriptors are completed back to their virtual ring as purged.
func (q *TxQueue) Release() {
	q.poll.Lock()
	defer q.poll.Unlock()
	q.mu.Lock()
	q.ring.State &^= ring.StateActive
	if err := q.ch.Stop(); err != nil {
		q.l.WithError(err).Warn("Failed to stop transmit channel")
	}
	slots := append([]ring.Slot(nil), q.ring.Slots...)
	q.ring.Reset()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	for _, s := range slots {
		switch {
		case s.Virtual && q.opts.bridge != nil:
			q.opts.bridge.TxComplete(q.cfg.ID, s.VIndex, descriptor.Status{Done: true, Attrs: descriptor.AttrPurged})
		case s.Handle != buffer.NoHandle:
			q.bufs.Free(q.cfg.ID.Channel, s.Handle)
		}
	}
}

// Unused returns the number of descriptors a transmitter may still post.
func (q *TxQueue) Unused() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Unused(q.ring.Curr, q.ring.Dirt)
}

// FlowControlled reports whether the producer is paused.
func (q *TxQueue) FlowControlled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Has(ring.StateFlowControl)
}

// logFields must be called with mu held.
func (q *TxQueue) logFields() logrus.Fields {
	r := q.ring
	return logrus.Fields{"curr": r.Curr, "dirt": r.Dirt, "state": r.State.String()}
}
