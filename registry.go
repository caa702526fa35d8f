package pktdma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/ring"
)

type groupKey struct {
	device int
	group  int
}

// Registry owns every queue of every device and is the entry point for the
// driver layer.
type Registry struct {
	opts engineOptions

	mu     sync.RWMutex
	rx     map[QueueID]*RxQueue
	tx     map[QueueID]*TxQueue
	groups map[groupKey]*QueueGroup

	l *logrus.Logger
}

// NewRegistry returns an empty registry. [WithBuffers] and [WithChannels]
// are required.
func NewRegistry(options ...Option) (*Registry, error) {
	opts := optionDefaults()
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParameter, err)
	}
	if opts.bufs.Size() > opts.codec.MaxLength() {
		return nil, fmt.Errorf("%w: buffer size %d exceeds %s descriptor length %d",
			ErrParameter, opts.bufs.Size(), opts.codec.Name(), opts.codec.MaxLength())
	}

	return &Registry{
		opts:   opts,
		rx:     map[QueueID]*RxQueue{},
		tx:     map[QueueID]*TxQueue{},
		groups: map[groupKey]*QueueGroup{},
		l:      opts.l,
	}, nil
}

// QueueSetup allocates the ring of a queue, initializes it and adds it to its
// group.
func (r *Registry) QueueSetup(cfg QueueConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := cfg.ID
	if _, ok := r.rx[id]; ok {
		return fmt.Errorf("%w: queue %s already set up", ErrBusy, id)
	}
	if _, ok := r.tx[id]; ok {
		return fmt.Errorf("%w: queue %s already set up", ErrBusy, id)
	}

	ch, err := r.opts.channels.Channel(id)
	if err != nil {
		return fmt.Errorf("%w: channel for %s: %w", ErrUnavailable, id, err)
	}
	rg, err := ring.Allocate(cfg.Descriptors)
	if err != nil {
		return fmt.Errorf("%w: ring for %s: %w", ErrMemory, id, err)
	}

	key := groupKey{device: id.Device, group: cfg.Group}
	g := r.groups[key]
	if g == nil {
		g = newQueueGroup(&r.opts, id.Device, cfg.Group)
	}

	switch id.Dir {
	case Rx:
		q := newRxQueue(cfg, &r.opts, ch, rg)
		if err = q.Init(); err == nil {
			if err = g.addRx(q); err == nil {
				r.rx[id] = q
			}
		}
		if err != nil {
			q.Release()
		}
	case Tx:
		q := newTxQueue(cfg, &r.opts, ch, rg)
		if err = q.Init(); err == nil {
			if err = g.addTx(q); err == nil {
				r.tx[id] = q
			}
		}
		if err != nil {
			q.Release()
		}
	default:
		err = fmt.Errorf("%w: unknown direction %d", ErrParameter, id.Dir)
	}
	if err != nil {
		_ = rg.Release()
		return err
	}

	r.groups[key] = g
	r.l.WithFields(logrus.Fields{"queue": id.String(), "group": cfg.Group, "descriptors": cfg.Descriptors}).Info("Queue set up")
	return nil
}

// QueueRelease stops a queue, frees its buffers and ring and removes it from
// its group.
func (r *Registry) QueueRelease(id QueueID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var q *queue
	if rq, ok := r.rx[id]; ok {
		rq.Release()
		delete(r.rx, id)
		q = &rq.queue
	} else if tq, ok := r.tx[id]; ok {
		tq.Release()
		delete(r.tx, id)
		q = &tq.queue
	} else {
		return fmt.Errorf("%w: queue %s", ErrUnavailable, id)
	}

	key := groupKey{device: id.Device, group: q.cfg.Group}
	if g := r.groups[key]; g != nil {
		g.remove(id)
		if g.Len() == 0 {
			delete(r.groups, key)
		}
	}
	if err := q.ring.Release(); err != nil {
		return fmt.Errorf("queue %s: %w", id, err)
	}
	r.l.WithField("queue", id.String()).Info("Queue released")
	return nil
}

// QueueRestore releases every buffer of a queue and initializes it again
// with the same configuration. It recovers a stalled queue in place.
func (r *Registry) QueueRestore(id QueueID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		err   error
		stats queueStats
	)
	if q, ok := r.rx[id]; ok {
		q.Release()
		err, stats = q.Init(), q.stats
	} else if q, ok := r.tx[id]; ok {
		q.Release()
		err, stats = q.Init(), q.stats
	} else {
		return fmt.Errorf("%w: queue %s", ErrUnavailable, id)
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	stats.restores.Inc(1)
	r.l.WithField("queue", id.String()).Warn("Queue restored")
	return nil
}

func (r *Registry) QueueSuspend(id QueueID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.rx[id]; ok {
		return q.Suspend()
	}
	if q, ok := r.tx[id]; ok {
		return q.Suspend()
	}
	return fmt.Errorf("%w: queue %s", ErrUnavailable, id)
}

func (r *Registry) QueueResume(id QueueID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.rx[id]; ok {
		return q.Resume()
	}
	if q, ok := r.tx[id]; ok {
		return q.Resume()
	}
	return fmt.Errorf("%w: queue %s", ErrUnavailable, id)
}

// QueuePoll runs one clean cycle of a single queue. Transmit queues also pull
// descriptors from their virtual ring.
func (r *Registry) QueuePoll(id QueueID, budget int) (int, error) {
	if budget <= 0 {
		return 0, fmt.Errorf("%w: budget %d", ErrParameter, budget)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.rx[id]; ok {
		return q.Clean(budget)
	}
	if q, ok := r.tx[id]; ok {
		if !q.active() {
			return 0, fmt.Errorf("%w: %s is not active", ErrUnavailable, id)
		}
		n := q.Clean(budget)
		if r.opts.bridge != nil {
			f, err := r.opts.bridge.TxFetch(q)
			return n + f, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: queue %s", ErrUnavailable, id)
}

// QueueTransmit posts a payload on a transmit queue.
func (r *Registry) QueueTransmit(ctx context.Context, id QueueID, p buffer.Payload) error {
	r.mu.RLock()
	q, ok := r.tx[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: transmit queue %s", ErrUnavailable, id)
	}
	return q.Transmit(ctx, p)
}

// QueueWakeup wakes blocked transmitters of a queue and kicks its channel.
func (r *Registry) QueueWakeup(id QueueID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.tx[id]; ok {
		q.Wakeup()
		return nil
	}
	if _, ok := r.rx[id]; ok {
		return nil
	}
	return fmt.Errorf("%w: queue %s", ErrUnavailable, id)
}

// GroupPoll polls one queue group, see [QueueGroup.Poll].
func (r *Registry) GroupPoll(device, group, budget int) (int, bool, error) {
	if budget <= 0 {
		return 0, false, fmt.Errorf("%w: budget %d", ErrParameter, budget)
	}
	g := r.Group(device, group)
	if g == nil {
		return 0, false, fmt.Errorf("%w: group %d/%d", ErrUnavailable, device, group)
	}
	done, again := g.Poll(budget)
	return done, again, nil
}

// Group returns a queue group or nil.
func (r *Registry) Group(device, group int) *QueueGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[groupKey{device: device, group: group}]
}

// Groups returns every group ordered by device and group id.
func (r *Registry) Groups() []*QueueGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := maps.Keys(r.groups)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].device != keys[j].device {
			return keys[i].device < keys[j].device
		}
		return keys[i].group < keys[j].group
	})
	out := make([]*QueueGroup, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.groups[k])
	}
	return out
}

func (r *Registry) Rx(id QueueID) *RxQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rx[id]
}

func (r *Registry) Tx(id QueueID) *TxQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tx[id]
}

// SetFreeThreshold changes the free threshold of a queue.
func (r *Registry) SetFreeThreshold(id QueueID, n int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.rx[id]; ok {
		return q.SetFreeThreshold(n)
	}
	if q, ok := r.tx[id]; ok {
		return q.SetFreeThreshold(n)
	}
	return fmt.Errorf("%w: queue %s", ErrUnavailable, id)
}

func sortedIDs[V any](m map[QueueID]V) []QueueID {
	ids := maps.Keys(m)
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.Dir != b.Dir {
			return a.Dir < b.Dir
		}
		return a.Channel < b.Channel
	})
	return ids
}

// RingDump writes the indices, state and descriptors of every queue to w.
func (r *Registry) RingDump(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range sortedIDs(r.rx) {
		if err := dumpQueue(w, &r.rx[id].queue); err != nil {
			return err
		}
	}
	for _, id := range sortedIDs(r.tx) {
		if err := dumpQueue(w, &r.tx[id].queue); err != nil {
			return err
		}
	}
	return nil
}

func dumpQueue(w io.Writer, q *queue) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rg := q.ring
	_, err := fmt.Fprintf(w, "queue %s group %d size %d curr %d halt %d dirt %d state %s threshold %d\n",
		q.cfg.ID, q.cfg.Group, rg.Size(), rg.Curr, rg.Halt, rg.Dirt, rg.State, q.threshold)
	if err != nil {
		return err
	}
	for i := 0; i <= rg.Size(); i++ {
		d := rg.Desc(i)
		ctl := q.codec.Control(d)
		st := q.codec.DecodeStatus(d)
		kind := "slot"
		if rg.Kind(i) == ring.KindReload {
			kind = "reload"
		}
		marks := ""
		if i < rg.Size() {
			if rg.Slots[i].Virtual {
				marks = fmt.Sprintf(" virtual %d", rg.Slots[i].VIndex)
			}
			marks += indexMarks(rg, i, q.cfg.ID.Dir)
		}
		_, err = fmt.Fprintf(w, "  %4d %-6s addr %#x len %d flags %s remain %d done %t status-len %d%s\n",
			i, kind, q.codec.Address(d), ctl.Length, flagString(ctl.Flags), ctl.Remain, st.Done, st.Length, marks)
		if err != nil {
			return err
		}
	}
	return nil
}

func indexMarks(rg *ring.Ring, i int, dir Direction) string {
	s := ""
	if rg.Curr == i {
		s += " <curr"
	}
	if rg.Halt == i && dir == Rx {
		s += " <halt"
	}
	if rg.Dirt == i && dir == Tx {
		s += " <dirt"
	}
	return s
}

func flagString(f descriptor.Flags) string {
	names := []struct {
		f descriptor.Flags
		c byte
	}{
		{descriptor.FlagChain, 'c'},
		{descriptor.FlagInterrupt, 'i'},
		{descriptor.FlagReload, 'r'},
		{descriptor.FlagPurge, 'p'},
		{descriptor.FlagPriority, 'P'},
	}
	out := make([]byte, len(names))
	for i, n := range names {
		out[i] = '-'
		if f&n.f != 0 {
			out[i] = n.c
		}
	}
	return string(out)
}

// Close releases every queue.
func (r *Registry) Close() error {
	r.mu.RLock()
	ids := append(sortedIDs(r.rx), sortedIDs(r.tx)...)
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := r.QueueRelease(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
