package pktdma

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw"
	"github.com/slackhq/pktdma/hw/sim"
	"github.com/slackhq/pktdma/test"
)

var (
	rxID = QueueID{Device: 0, Dir: Rx, Channel: 0}
	txID = QueueID{Device: 0, Dir: Tx, Channel: 1}
)

// rig wires a registry to simulated hardware with its own metrics.
type rig struct {
	pool    *buffer.Pool
	bufs    *flakyBuffers
	eng     *sim.Engine
	reg     *Registry
	metrics metrics.Registry
	flow    *recordingFlow
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	l := test.NewLogger()

	pool, err := buffer.NewPool(128, 256)
	require.NoError(t, err)

	r := &rig{
		pool:    pool,
		bufs:    &flakyBuffers{Pool: pool},
		eng:     sim.NewEngine(l, descriptor.Gen1),
		metrics: metrics.NewRegistry(),
		flow:    newRecordingFlow(),
	}

	base := []Option{
		WithCodec(descriptor.Gen1),
		WithBuffers(r.bufs),
		WithChannels(ChannelProviderFunc(r.channel)),
		WithFlowControl(r.flow),
		WithMetrics(r.metrics),
		WithLogger(l),
	}
	r.reg, err = NewRegistry(append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, r.reg.Close())
		assert.NoError(t, r.eng.Close())
		assert.NoError(t, pool.Close())
	})
	return r
}

func (r *rig) channel(id QueueID) (hw.Channel, error) {
	if id.Dir == Tx {
		return r.eng.Channel(id.Channel, sim.Tx)
	}
	return r.eng.Channel(id.Channel, sim.Rx)
}

func (r *rig) sim(t *testing.T, id QueueID) *sim.Channel {
	t.Helper()
	ch, err := r.channel(id)
	require.NoError(t, err)
	return ch.(*sim.Channel)
}

func (r *rig) setup(t *testing.T, cfg QueueConfig) {
	t.Helper()
	require.NoError(t, r.reg.QueueSetup(cfg))
}

func (r *rig) count(id QueueID, name string) int64 {
	return metrics.GetOrRegisterCounter(fmt.Sprintf("pktdma.%d.%s.%d.%s", id.Device, id.Dir, id.Channel, name), r.metrics).Count()
}

// flakyBuffers fails allocations while fail is set. onBuild runs inside
// every BuildOutgoing, after the transmit ring reserved its descriptor.
type flakyBuffers struct {
	*buffer.Pool
	mu      sync.Mutex
	fail    bool
	onBuild func()
}

func (f *flakyBuffers) setOnBuild(fn func()) {
	f.mu.Lock()
	f.onBuild = fn
	f.mu.Unlock()
}

func (f *flakyBuffers) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyBuffers) Alloc(queue int) (buffer.Handle, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return buffer.NoHandle, buffer.ErrExhausted
	}
	return f.Pool.Alloc(queue)
}

func (f *flakyBuffers) BuildOutgoing(queue int, p buffer.Payload) (buffer.Handle, int, error) {
	f.mu.Lock()
	fail, hook := f.fail, f.onBuild
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return buffer.NoHandle, 0, buffer.ErrExhausted
	}
	return f.Pool.BuildOutgoing(queue, p)
}

type recordingFlow struct {
	mu      sync.Mutex
	paused  map[QueueID]int
	resumed map[QueueID]int
}

func newRecordingFlow() *recordingFlow {
	return &recordingFlow{paused: map[QueueID]int{}, resumed: map[QueueID]int{}}
}

func (f *recordingFlow) PauseProducer(q QueueID) {
	f.mu.Lock()
	f.paused[q]++
	f.mu.Unlock()
}

func (f *recordingFlow) ResumeProducer(q QueueID) {
	f.mu.Lock()
	f.resumed[q]++
	f.mu.Unlock()
}

func (f *recordingFlow) counts(q QueueID) (paused, resumed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[q], f.resumed[q]
}

// collector is a receive handler that keeps a copy of every payload.
// Packets rejected by reject stay with the ring.
type collector struct {
	mu     sync.Mutex
	got    [][]byte
	reject func(p *buffer.Packet) error
}

func (c *collector) Receive(_ QueueID, p *buffer.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != nil {
		if err := c.reject(p); err != nil {
			return err
		}
	}
	c.got = append(c.got, append([]byte(nil), p.Data...))
	p.Release()
	return nil
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, b := range c.got {
		out[i] = string(b)
	}
	return out
}

func inject(ch *sim.Channel, payloads ...string) {
	for _, p := range payloads {
		ch.Inject(sim.Frame{Data: []byte(p)})
	}
}
