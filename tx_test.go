package pktdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw/sim"
	"github.com/slackhq/pktdma/ring"
)

// egress collects the frames a transmit channel sends.
type egress struct {
	mu     sync.Mutex
	frames []sim.Frame
}

func (e *egress) add(f sim.Frame) {
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()
}

func (e *egress) payloads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.frames))
	for i, f := range e.frames {
		out[i] = string(f.Data)
	}
	return out
}

func (e *egress) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func sendTo(r *rig, t *testing.T) *egress {
	e := &egress{}
	r.sim(t, txID).OnEgress(e.add)
	return e
}

func transmit(t *testing.T, r *rig, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, r.reg.QueueTransmit(context.Background(), txID, buffer.Payload{Data: []byte(p)}))
	}
}

func TestTxQueue_Init(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 8})
	q := r.reg.Tx(txID)
	rg := q.Ring()

	assert.Equal(t, 7, q.Unused())
	assert.False(t, q.FlowControlled())
	assert.True(t, rg.Has(ring.StateActive))
	assert.Equal(t, 0, r.pool.InUse())
	assert.True(t, r.sim(t, txID).Check())
	assert.Equal(t, ring.KindReload, rg.Kind(8))
	for i := 0; i < 8; i++ {
		assert.Zero(t, codec.Address(rg.Desc(i)))
	}
}

func TestTxQueue_TransmitAndClean(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 8})
	q := r.reg.Tx(txID)
	out := sendTo(r, t)

	require.NoError(t, q.Transmit(context.Background(), buffer.Payload{Data: []byte("hello"), Priority: true}))
	transmit(t, r, "world")
	assert.Equal(t, 5, q.Unused())
	assert.Equal(t, 2, r.pool.InUse())
	assert.EqualValues(t, 2, r.count(txID, "packets"))
	assert.EqualValues(t, 10, r.count(txID, "bytes"))

	ctl := codec.Control(q.Ring().Desc(0))
	assert.Equal(t, 5, ctl.Length)
	assert.NotZero(t, ctl.Flags&descriptor.FlagPriority)

	assert.Equal(t, 2, r.eng.Step(0))
	assert.Equal(t, []string{"hello", "world"}, out.payloads())
	assert.True(t, out.frames[0].Priority)
	assert.False(t, out.frames[1].Priority)

	assert.Equal(t, 2, q.Clean(8))
	assert.Equal(t, 7, q.Unused())
	assert.Equal(t, 0, r.pool.InUse())
	assert.Zero(t, codec.Address(q.Ring().Desc(0)))
	assert.Equal(t, 0, q.Clean(8))
}

func TestTxQueue_TransmitErrors(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 8})
	q := r.reg.Tx(txID)
	ctx := context.Background()

	err := q.Transmit(ctx, buffer.Payload{})
	assert.ErrorIs(t, err, ErrParameter)
	err = q.Transmit(ctx, buffer.Payload{Data: make([]byte, r.pool.Size()+1)})
	assert.ErrorIs(t, err, ErrParameter)
	assert.EqualValues(t, 2, r.count(txID, "errors"))

	r.bufs.setFail(true)
	err = q.Transmit(ctx, buffer.Payload{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrMemory)
	assert.EqualValues(t, 1, r.count(txID, "nomem"))
	assert.Equal(t, 7, q.Unused())

	err = r.reg.QueueTransmit(ctx, QueueID{Device: 9, Dir: Tx}, buffer.Payload{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTxQueue_FlowControl(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4, FreeThreshold: 1})
	q := r.reg.Tx(txID)
	ctx := context.Background()

	transmit(t, r, "a", "b", "c")
	assert.Equal(t, 0, q.Unused())

	err := q.Transmit(ctx, buffer.Payload{Data: []byte("d")})
	assert.ErrorIs(t, err, ErrResource)
	assert.True(t, q.FlowControlled())
	assert.Equal(t, 3, q.Ring().Curr)

	// The producer is only paused on the transition.
	err = q.Transmit(ctx, buffer.Payload{Data: []byte("d")})
	assert.ErrorIs(t, err, ErrResource)
	paused, resumed := r.flow.counts(txID)
	assert.Equal(t, 1, paused)
	assert.Equal(t, 0, resumed)
	assert.EqualValues(t, 2, r.count(txID, "busy"))
	assert.Equal(t, 3, r.pool.InUse())

	assert.Equal(t, 1, r.eng.Step(1))
	assert.Equal(t, 1, q.Clean(8))
	assert.False(t, q.FlowControlled())
	paused, resumed = r.flow.counts(txID)
	assert.Equal(t, 1, paused)
	assert.Equal(t, 1, resumed)

	transmit(t, r, "d")
	assert.Equal(t, 0, q.Unused())
}

func TestTxQueue_FlowControlWaitsForThreshold(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 8, FreeThreshold: 3})
	q := r.reg.Tx(txID)

	transmit(t, r, "1", "2", "3", "4", "5", "6", "7")
	assert.ErrorIs(t, q.Transmit(context.Background(), buffer.Payload{Data: []byte("8")}), ErrResource)

	r.eng.Step(2)
	assert.Equal(t, 2, q.Clean(8))
	assert.True(t, q.FlowControlled())

	r.eng.Step(1)
	assert.Equal(t, 1, q.Clean(8))
	assert.False(t, q.FlowControlled())
	_, resumed := r.flow.counts(txID)
	assert.Equal(t, 1, resumed)
}

func TestTxQueue_PollingTimesOut(t *testing.T) {
	r := newRig(t, WithPolling(true), WithResourceWait(5*time.Millisecond))
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	q := r.reg.Tx(txID)

	assert.Zero(t, codec.Control(q.Ring().Desc(0)).Flags&descriptor.FlagInterrupt)

	transmit(t, r, "a", "b", "c")
	start := time.Now()
	err := q.Transmit(context.Background(), buffer.Payload{Data: []byte("d")})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.True(t, q.FlowControlled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = q.Transmit(ctx, buffer.Payload{Data: []byte("d")})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTxQueue_PollingWakesOnClean(t *testing.T) {
	r := newRig(t, WithPolling(true), WithResourceWait(10*time.Second))
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	q := r.reg.Tx(txID)
	out := sendTo(r, t)

	transmit(t, r, "a", "b", "c")

	errc := make(chan error, 1)
	go func() {
		errc <- q.Transmit(context.Background(), buffer.Payload{Data: []byte("d")})
	}()

	assert.Eventually(t, func() bool { return r.count(txID, "busy") > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, r.eng.Step(0))
	q.Clean(8)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transmitter was not woken")
	}

	r.eng.Step(0)
	assert.Equal(t, []string{"a", "b", "c", "d"}, out.payloads())
}

func TestTxQueue_Purge(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	q := r.reg.Tx(txID)
	out := sendTo(r, t)

	require.NoError(t, q.Transmit(context.Background(), buffer.Payload{Data: []byte("gone"), Purge: true}))
	transmit(t, r, "kept")
	assert.Equal(t, 2, r.eng.Step(0))
	assert.Equal(t, []string{"kept"}, out.payloads())

	assert.Equal(t, 2, q.Clean(8))
	assert.EqualValues(t, 1, r.count(txID, "drops"))
	assert.Equal(t, 0, r.pool.InUse())
}

func TestTxQueue_ChainMode(t *testing.T) {
	r := newRig(t, WithChainMode(true))
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	q := r.reg.Tx(txID)
	ch := r.sim(t, txID)
	out := sendTo(r, t)

	transmit(t, r, "a", "b", "c")
	assert.Equal(t, 3, r.eng.Step(0))
	assert.Equal(t, 3, q.Clean(8))

	// Posting the last slot wraps Curr while the channel still runs.
	transmit(t, r, "d")
	assert.True(t, q.restartPending)
	assert.Zero(t, codec.Control(q.Ring().Desc(3)).Flags&descriptor.FlagChain)

	assert.Equal(t, 1, r.eng.Step(0))
	assert.False(t, ch.Check())

	assert.Equal(t, 1, q.Clean(8))
	assert.False(t, q.restartPending)
	assert.True(t, ch.Check())
	assert.Equal(t, q.Ring().Base(), ch.Position())

	transmit(t, r, "e")
	assert.Equal(t, 1, r.eng.Step(0))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, out.payloads())
}

func TestTxQueue_SuspendResume(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	q := r.reg.Tx(txID)
	ch := r.sim(t, txID)
	out := sendTo(r, t)

	transmit(t, r, "a")
	require.NoError(t, r.reg.QueueSuspend(txID))
	require.NoError(t, r.reg.QueueSuspend(txID))
	assert.True(t, q.Suspended())
	assert.True(t, ch.Check())
	frozen := ch.HaltAddr()

	// Posting continues, the hardware does not see it.
	transmit(t, r, "b")
	assert.Equal(t, frozen, ch.HaltAddr())
	assert.Equal(t, 1, r.eng.Step(0))
	assert.Equal(t, []string{"a"}, out.payloads())

	n, err := r.reg.QueuePoll(txID, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.reg.QueueResume(txID))
	require.NoError(t, r.reg.QueueResume(txID))
	assert.False(t, q.Suspended())
	assert.Equal(t, 1, r.eng.Step(0))
	assert.Equal(t, []string{"a", "b"}, out.payloads())

	n, err = r.reg.QueuePoll(txID, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, r.pool.InUse())
}

func TestTxQueue_SuspendChainMode(t *testing.T) {
	r := newRig(t, WithChainMode(true))
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	q := r.reg.Tx(txID)
	ch := r.sim(t, txID)
	out := sendTo(r, t)

	transmit(t, r, "a", "b", "c")
	assert.Equal(t, 3, r.eng.Step(0))
	assert.Equal(t, 3, q.Clean(8))

	require.NoError(t, r.reg.QueueSuspend(txID))
	assert.False(t, ch.Check())

	// d takes the last slot and e wraps to the head.
	transmit(t, r, "d", "e")
	assert.Equal(t, 0, r.eng.Step(0))

	require.NoError(t, r.reg.QueueResume(txID))
	assert.True(t, ch.Check())
	assert.Equal(t, q.Ring().Addr(3), ch.Position())
	assert.True(t, q.restartPending)

	assert.Equal(t, 1, r.eng.Step(0))
	assert.Equal(t, 1, q.Clean(8))
	assert.Equal(t, 1, r.eng.Step(0))
	assert.Equal(t, 1, q.Clean(8))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, out.payloads())
}

func TestTxQueue_CleanReleasesOwnership(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	q := r.reg.Tx(txID)

	transmit(t, r, "a")
	assert.Equal(t, 1, r.eng.Step(0))
	assert.Equal(t, 1, q.Clean(8))
	assert.False(t, q.Ring().Has(ring.StateBusy))
	assert.True(t, q.Ring().Has(ring.StateActive))
}

func TestTxQueue_Wakeup(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 4})
	r.setup(t, QueueConfig{ID: rxID, Descriptors: 4})

	require.NoError(t, r.reg.QueueWakeup(txID))
	require.NoError(t, r.reg.QueueWakeup(rxID))
	assert.ErrorIs(t, r.reg.QueueWakeup(QueueID{Device: 3}), ErrUnavailable)

	q := r.reg.Tx(txID)
	q.mu.Lock()
	wake := q.wake
	q.mu.Unlock()

	q.Wakeup()
	select {
	case <-wake:
	default:
		t.Fatal("wakeup did not signal waiters")
	}
}

func TestTxQueue_Release(t *testing.T) {
	r := newRig(t)
	r.setup(t, QueueConfig{ID: txID, Descriptors: 8})

	transmit(t, r, "a", "b")
	assert.Equal(t, 2, r.pool.InUse())

	require.NoError(t, r.reg.QueueRelease(txID))
	assert.Equal(t, 0, r.pool.InUse())
	assert.Nil(t, r.reg.Tx(txID))
	assert.ErrorIs(t, r.reg.QueueRelease(txID), ErrUnavailable)
}

func TestTxQueue_ConcurrentProducers(t *testing.T) {
	r := newRig(t, WithPolling(true), WithResourceWait(time.Millisecond))
	r.setup(t, QueueConfig{ID: txID, Descriptors: 8, FreeThreshold: 2})
	q := r.reg.Tx(txID)
	out := sendTo(r, t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.eng.Run(ctx, 50*time.Microsecond) }()

	const producers, frames = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < frames; i++ {
				pl := buffer.Payload{Data: []byte(fmt.Sprintf("%d-%d", p, i))}
				for {
					err := q.Transmit(ctx, pl)
					if err == nil {
						break
					}
					if !errors.Is(err, ErrTimeout) {
						t.Errorf("producer %d: %v", p, err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		q.Clean(8)
		return out.len() == producers*frames && r.pool.InUse() == 0
	}, 5*time.Second, time.Millisecond)
	cancel()

	u := q.Unused()
	assert.Equal(t, 7, u)
}
