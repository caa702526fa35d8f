package pktdma

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw"
	"github.com/slackhq/pktdma/ring"
)

// Direction of a queue.
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	switch d {
	case Rx:
		return "rx"
	case Tx:
		return "tx"
	}
	return "unknown"
}

// QueueID addresses one queue of one device.
type QueueID struct {
	Device  int
	Dir     Direction
	Channel int
}

func (id QueueID) String() string {
	return fmt.Sprintf("%d/%s/%d", id.Device, id.Dir, id.Channel)
}

// QueueConfig describes a queue at setup time.
type QueueConfig struct {
	ID    QueueID
	Group int
	// Descriptors is the ring size N. N-1 descriptors can be in flight.
	Descriptors int
	// FreeThreshold is the number of unused slots that triggers a batch
	// refill on receive rings and resumes a paused producer on transmit rings.
	FreeThreshold int
	// Batch starts a receive ring in batch-refill mode.
	Batch bool
}

func (c QueueConfig) validate() error {
	if err := ring.CheckSize(c.Descriptors); err != nil {
		return fmt.Errorf("%w: queue %s: %w", ErrParameter, c.ID, err)
	}
	if c.FreeThreshold < 0 || c.FreeThreshold >= c.Descriptors {
		return fmt.Errorf("%w: queue %s: free threshold %d outside [0, %d)", ErrParameter, c.ID, c.FreeThreshold, c.Descriptors)
	}
	if c.ID.Channel < 0 || c.ID.Device < 0 {
		return fmt.Errorf("%w: queue %s: negative id", ErrParameter, c.ID)
	}
	return nil
}

// RxHandler consumes received packets. Returning an error leaves the buffer
// with the ring, the handler must not keep the packet in that case.
type RxHandler interface {
	Receive(q QueueID, p *buffer.Packet) error
}

// RxHandlerFunc adapts a function to [RxHandler].
type RxHandlerFunc func(q QueueID, p *buffer.Packet) error

func (f RxHandlerFunc) Receive(q QueueID, p *buffer.Packet) error { return f(q, p) }

// FlowControl is told when a transmit ring runs out of descriptors and when
// it has room again.
type FlowControl interface {
	PauseProducer(q QueueID)
	ResumeProducer(q QueueID)
}

type noFlowControl struct{}

func (noFlowControl) PauseProducer(QueueID)  {}
func (noFlowControl) ResumeProducer(QueueID) {}

type queueStats struct {
	packets   metrics.Counter
	bytes     metrics.Counter
	drops     metrics.Counter
	errors    metrics.Counter
	nomem     metrics.Counter
	busy      metrics.Counter
	anomalies metrics.Counter
	restores  metrics.Counter
}

func newQueueStats(r metrics.Registry, id QueueID) queueStats {
	prefix := fmt.Sprintf("pktdma.%d.%s.%d.", id.Device, id.Dir, id.Channel)
	return queueStats{
		packets:   metrics.GetOrRegisterCounter(prefix+"packets", r),
		bytes:     metrics.GetOrRegisterCounter(prefix+"bytes", r),
		drops:     metrics.GetOrRegisterCounter(prefix+"drops", r),
		errors:    metrics.GetOrRegisterCounter(prefix+"errors", r),
		nomem:     metrics.GetOrRegisterCounter(prefix+"nomem", r),
		busy:      metrics.GetOrRegisterCounter(prefix+"busy", r),
		anomalies: metrics.GetOrRegisterCounter(prefix+"anomalies", r),
		restores:  metrics.GetOrRegisterCounter(prefix+"restores", r),
	}
}

// queue is the part shared by receive and transmit rings.
type queue struct {
	cfg   QueueConfig
	opts  *engineOptions
	codec descriptor.Codec
	bufs  buffer.Manager
	ch    hw.Channel
	ring  *ring.Ring

	// poll serializes the ring engine operations of the queue. mu guards the
	// ring indices and channel register writes and is never held across
	// buffer allocation or packet delivery.
	poll sync.Mutex
	mu   sync.Mutex

	threshold      int
	restartPending bool

	stats queueStats
	l     *logrus.Entry
}

func newQueue(cfg QueueConfig, opts *engineOptions, ch hw.Channel, r *ring.Ring) queue {
	return queue{
		cfg:       cfg,
		opts:      opts,
		codec:     opts.codec,
		bufs:      opts.bufs,
		ch:        ch,
		ring:      r,
		threshold: cfg.FreeThreshold,
		stats:     newQueueStats(opts.metrics, cfg.ID),
		l:         opts.l.WithField("queue", cfg.ID.String()),
	}
}

func (q *queue) ID() QueueID { return q.cfg.ID }

// Ring exposes the ring for inspection. Callers must not modify it.
func (q *queue) Ring() *ring.Ring { return q.ring }

// SetFreeThreshold changes the free threshold at runtime.
func (q *queue) SetFreeThreshold(n int) error {
	if n < 0 || n >= q.ring.Size() {
		return fmt.Errorf("%w: free threshold %d outside [0, %d)", ErrParameter, n, q.ring.Size())
	}
	q.mu.Lock()
	q.threshold = n
	q.mu.Unlock()
	return nil
}

func (q *queue) FreeThreshold() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.threshold
}

// slotFlags returns the control flags for real slot i. In chain mode the
// last slot ends the chain so the channel stops before the reload slot.
func (q *queue) slotFlags(i int) descriptor.Flags {
	var f descriptor.Flags
	if !q.opts.chainMode || i != q.ring.Size()-1 {
		f |= descriptor.FlagChain
	}
	if !q.opts.polling {
		f |= descriptor.FlagInterrupt
	}
	return f
}

// remainHint is the number of descriptors the hardware may prefetch after
// slot i without crossing the reload slot.
func remainHint(i, n int) int {
	return min(descriptor.MaxRemain, n-1-i)
}

// chainRestart restarts a channel that ended its chain, or marks the restart
// pending if the channel still works on the tail of the ring. mu must be held.
func (q *queue) chainRestart(halt int) {
	if q.ch.Check() {
		q.restartPending = true
		return
	}
	q.restartChannel(q.ring.Base(), halt)
}

// restartChannel runs the stop, setup, start sequence. mu must be held.
func (q *queue) restartChannel(start uint64, halt int) {
	q.restartPending = false
	if err := q.ch.Stop(); err != nil {
		q.l.WithError(err).Warn("Failed to stop channel for restart")
	}
	if err := q.ch.Setup(start); err != nil {
		q.l.WithError(err).Error("Failed to set up channel for restart")
		return
	}
	if err := q.ch.Start(q.ring.Addr(halt)); err != nil {
		q.l.WithError(err).Error("Failed to start channel")
		return
	}
}

// firstPending returns the first slot from `from` towards `to` the hardware
// has not completed yet. Restarting a chain there never replays a completed
// descriptor. mu must be held.
func (q *queue) firstPending(from, to int) int {
	i := from
	for i != to && q.codec.Done(q.ring.Desc(i)) {
		i = q.ring.Next(i)
	}
	return i
}

// ackInterrupt clears a raised interrupt and reports whether there was one.
func (q *queue) ackInterrupt() bool {
	if !q.ch.IntrQuery() {
		return false
	}
	q.ch.IntrClear()
	return true
}

// own marks the ring as owned by a poll cycle until the returned function
// runs.
func (q *queue) own() func() {
	q.mu.Lock()
	q.ring.State |= ring.StateBusy
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		q.ring.State &^= ring.StateBusy
		q.mu.Unlock()
	}
}

func (q *queue) active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Has(ring.StateActive)
}
