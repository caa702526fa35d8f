package pktdma

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/hw"
)

// MaxGroupQueues is the number of queues a group can hold, one pending bit
// each.
const MaxGroupQueues = 64

// GroupState is the dispatch state of a [QueueGroup].
type GroupState uint32

const (
	// GroupIdle has no known work.
	GroupIdle GroupState = iota
	// GroupPending saw an interrupt and waits to be polled.
	GroupPending
	// GroupPolling is being polled.
	GroupPolling
	// GroupBusy exhausted its budget on the last poll and needs another one.
	GroupBusy
)

func (s GroupState) String() string {
	switch s {
	case GroupIdle:
		return "idle"
	case GroupPending:
		return "pending"
	case GroupPolling:
		return "polling"
	case GroupBusy:
		return "busy"
	}
	return "unknown"
}

// QueueGroup bundles receive and transmit queues that share one poll budget.
// Bits of the pending bitmap index receive queues first, then transmit
// queues, in the order they were added.
type QueueGroup struct {
	id     int
	device int
	bridge *Bridge

	// poll serializes Poll calls.
	poll sync.Mutex

	mu      sync.Mutex
	rx      []*RxQueue
	tx      []*TxQueue
	pending uint64
	state   GroupState
	kicked  bool

	anomalies metrics.Counter
	l         *logrus.Entry
}

func newQueueGroup(opts *engineOptions, device, id int) *QueueGroup {
	return &QueueGroup{
		id:        id,
		device:    device,
		bridge:    opts.bridge,
		anomalies: metrics.GetOrRegisterCounter(fmt.Sprintf("pktdma.%d.group.%d.anomalies", device, id), opts.metrics),
		l:         opts.l.WithFields(logrus.Fields{"device": device, "group": id}),
	}
}

func (g *QueueGroup) ID() int { return g.id }

func (g *QueueGroup) Device() int { return g.device }

func (g *QueueGroup) addRx(q *RxQueue) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.rx)+len(g.tx) >= MaxGroupQueues {
		return fmt.Errorf("%w: group %d is full", ErrParameter, g.id)
	}
	g.rx = append(g.rx, q)
	// Transmit bits shift by one, start over with a clean bitmap.
	g.pending = 0
	return nil
}

func (g *QueueGroup) addTx(q *TxQueue) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.rx)+len(g.tx) >= MaxGroupQueues {
		return fmt.Errorf("%w: group %d is full", ErrParameter, g.id)
	}
	g.tx = append(g.tx, q)
	return nil
}

func (g *QueueGroup) remove(id QueueID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, q := range g.rx {
		if q.ID() == id {
			g.rx = append(g.rx[:i:i], g.rx[i+1:]...)
		}
	}
	for i, q := range g.tx {
		if q.ID() == id {
			g.tx = append(g.tx[:i:i], g.tx[i+1:]...)
		}
	}
	g.pending = 0
}

// Len returns the number of queues in the group.
func (g *QueueGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rx) + len(g.tx)
}

// interruptFDs returns the interrupt lines of every channel in the group that
// has one.
func (g *QueueGroup) interruptFDs() []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var fds []int
	add := func(ch hw.Channel) {
		if i, ok := ch.(hw.Interrupter); ok && i.InterruptFD() >= 0 {
			fds = append(fds, i.InterruptFD())
		}
	}
	for _, q := range g.rx {
		add(q.ch)
	}
	for _, q := range g.tx {
		add(q.ch)
	}
	return fds
}

// Notify records an interrupt for the group.
func (g *QueueGroup) Notify() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kicked = true
	if g.state != GroupPolling {
		g.state = GroupPending
	}
}

func (g *QueueGroup) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns the bitmap of queues that exhausted their share on the last
// poll.
func (g *QueueGroup) Pending() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Poll acknowledges interrupts and splits budget across the queues that have
// work, or across all queues when none is known to. It returns the total work
// done and whether the group has to be polled again.
func (g *QueueGroup) Poll(budget int) (int, bool) {
	g.poll.Lock()
	defer g.poll.Unlock()

	g.mu.Lock()
	notified := g.kicked || g.state == GroupPending
	g.kicked = false
	g.state = GroupPolling
	pending := g.pending
	g.pending = 0
	rx := append([]*RxQueue(nil), g.rx...)
	tx := append([]*TxQueue(nil), g.tx...)
	g.mu.Unlock()

	total := len(rx) + len(tx)
	var raised uint64
	for i, q := range rx {
		if q.ackInterrupt() {
			raised |= 1 << i
		}
	}
	for i, q := range tx {
		if q.ackInterrupt() {
			raised |= 1 << (len(rx) + i)
		}
	}

	subset := pending | raised
	if subset == 0 && total > 0 {
		subset = ^uint64(0) >> (MaxGroupQueues - total)
	}
	share := budget
	if n := bits.OnesCount64(subset); n > 0 {
		share = max(1, budget/n)
	}

	var next uint64
	done := 0
	for i, q := range rx {
		if subset&(1<<i) == 0 {
			continue
		}
		n, err := q.Clean(share)
		switch {
		case errors.Is(err, ErrBusy):
			// The slot is retried once the virtual ring drains.
			next |= 1 << i
		case err != nil && !errors.Is(err, ErrUnavailable):
			g.l.WithError(err).WithField("queue", q.ID().String()).Debug("Receive clean did not finish")
		}
		done += n
		if n >= share {
			next |= 1 << i
		}
	}
	for i, q := range tx {
		bit := uint64(1) << (len(rx) + i)
		if subset&bit == 0 || !q.active() {
			continue
		}
		n := q.Clean(share)
		if g.bridge != nil {
			f, err := g.bridge.TxFetch(q)
			if errors.Is(err, ErrBusy) {
				next |= bit
			} else if err != nil {
				g.l.WithError(err).WithField("queue", q.ID().String()).Debug("Virtual transmit fetch failed")
			}
			n += f
		}
		done += n
		if n >= share {
			next |= bit
		}
	}

	if (notified || raised != 0) && done == 0 && next == 0 {
		g.anomalies.Inc(1)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending |= next
	switch {
	case g.kicked:
		g.state = GroupPending
	case g.pending != 0:
		g.state = GroupBusy
	default:
		g.state = GroupIdle
	}
	return done, g.state != GroupIdle
}
