package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/ring"
	"github.com/slackhq/pktdma/test"
)

var codec = descriptor.Gen1

func newFilledRing(t *testing.T, n int, pool *buffer.Pool, flags func(i int) descriptor.Flags) *ring.Ring {
	t.Helper()
	r, err := ring.Allocate(n)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Release()) })

	for i := 0; i < n; i++ {
		h, err := pool.Alloc(0)
		require.NoError(t, err)
		r.Slots[i].Handle = h
		codec.Configure(r.Desc(i), pool.DMAAddress(h), pool.Size(), flags(i))
	}
	codec.ConfigureReload(r.Reload(), r.Base())
	return r
}

func newPool(t *testing.T) *buffer.Pool {
	t.Helper()
	p, err := buffer.NewPool(16, 256)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(test.NewLogger(), codec)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	return e
}

func chained(int) descriptor.Flags { return descriptor.FlagChain | descriptor.FlagInterrupt }

func TestChannel_RxStopsAtHalt(t *testing.T) {
	pool := newPool(t)
	r := newFilledRing(t, 4, pool, chained)
	e := newEngine(t)

	c, err := e.Channel(0, Rx)
	require.NoError(t, err)
	require.NoError(t, c.Setup(r.Base()))
	require.NoError(t, c.Start(r.Addr(3)))

	for i := 0; i < 5; i++ {
		c.Inject(Frame{Data: []byte{byte(i), 1, 2, 3}})
	}
	assert.Equal(t, 3, e.Step(0))
	assert.Equal(t, 2, c.Pending())
	for i := 0; i < 3; i++ {
		st := codec.DecodeStatus(r.Desc(i))
		assert.True(t, st.Done)
		assert.Equal(t, 4, st.Length)
		assert.Equal(t, byte(i), pool.Bytes(r.Slots[i].Handle)[0])
	}
	assert.False(t, codec.Done(r.Desc(3)))
	assert.True(t, c.IntrQuery())
	c.IntrClear()
	assert.False(t, c.IntrQuery())

	// Moving halt lets the channel pass the reload slot.
	c.Goto(r.Addr(1))
	assert.Equal(t, 2, c.Step(0))
	assert.Equal(t, r.Addr(1), c.Position())
	assert.Zero(t, c.Pending())
	assert.EqualValues(t, 5, c.Processed())
}

func TestChannel_RxTruncates(t *testing.T) {
	pool := newPool(t)
	r := newFilledRing(t, 2, pool, chained)
	e := newEngine(t)

	c, err := e.Channel(0, Rx)
	require.NoError(t, err)
	require.NoError(t, c.Setup(r.Base()))
	require.NoError(t, c.Start(r.Addr(1)))

	c.Inject(Frame{Data: make([]byte, 300), Attrs: descriptor.AttrVirtual})
	assert.Equal(t, 1, c.Step(1))
	st := codec.DecodeStatus(r.Desc(0))
	assert.Equal(t, 256, st.Length)
	assert.Equal(t, descriptor.ErrorTruncated, st.Errors)
	assert.NotZero(t, st.Attrs&descriptor.AttrVirtual)
}

func TestChannel_ChainEnd(t *testing.T) {
	pool := newPool(t)
	r := newFilledRing(t, 4, pool, func(i int) descriptor.Flags {
		if i == 1 {
			return 0
		}
		return descriptor.FlagChain
	})
	e := newEngine(t)

	c, err := e.Channel(0, Rx)
	require.NoError(t, err)
	require.NoError(t, c.Setup(r.Base()))
	require.NoError(t, c.Start(r.Addr(3)))
	for i := 0; i < 3; i++ {
		c.Inject(Frame{Data: []byte{1}})
	}

	assert.Equal(t, 2, c.Step(0))
	assert.False(t, c.Check())
	assert.True(t, c.IntrQuery())
	assert.Equal(t, 0, c.Step(0))

	require.NoError(t, c.Stop())
	require.NoError(t, c.Setup(r.Base()))
	assert.NoError(t, c.Start(r.Addr(3)))
	assert.True(t, c.Check())
}

func TestChannel_StallsOnEmptyDescriptor(t *testing.T) {
	pool := newPool(t)
	r := newFilledRing(t, 4, pool, chained)
	codec.Clear(r.Desc(1))
	e := newEngine(t)

	c, err := e.Channel(0, Rx)
	require.NoError(t, err)
	require.NoError(t, c.Setup(r.Base()))
	require.NoError(t, c.Start(r.Addr(3)))
	c.Inject(Frame{Data: []byte{1}})
	c.Inject(Frame{Data: []byte{2}})

	assert.Equal(t, 1, c.Step(0))
	assert.Equal(t, 1, c.Pending())
}

func TestEngine_Loopback(t *testing.T) {
	pool := newPool(t)
	e := newEngine(t)
	require.NoError(t, e.Loopback(1, 0, func(data []byte) descriptor.Attrs {
		if string(data) == "ping" {
			return descriptor.AttrVirtual
		}
		return 0
	}))

	_, err := e.Channel(1, Rx)
	assert.Error(t, err)

	tx, err := e.Channel(1, Tx)
	require.NoError(t, err)
	rx, err := e.Channel(0, Rx)
	require.NoError(t, err)

	tr, err := ring.Allocate(4)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, tr.Release()) })
	codec.ConfigureReload(tr.Reload(), tr.Base())

	h, n, err := pool.BuildOutgoing(1, buffer.Payload{Data: []byte("ping")})
	require.NoError(t, err)
	codec.Configure(tr.Desc(0), pool.DMAAddress(h), n, descriptor.FlagChain|descriptor.FlagPriority)
	h2, n2, err := pool.BuildOutgoing(1, buffer.Payload{Data: []byte("gone")})
	require.NoError(t, err)
	codec.Configure(tr.Desc(1), pool.DMAAddress(h2), n2, descriptor.FlagChain|descriptor.FlagPurge)

	require.NoError(t, tx.Setup(tr.Base()))
	require.NoError(t, tx.Start(tr.Addr(0)))
	assert.Equal(t, 0, e.Step(0))
	tx.Goto(tr.Addr(2))
	assert.Equal(t, 2, e.Step(0))

	assert.Equal(t, 1, rx.Pending())
	st := codec.DecodeStatus(tr.Desc(1))
	assert.True(t, st.Done)
	assert.NotZero(t, st.Attrs&descriptor.AttrPurged)

	rr := newFilledRing(t, 4, pool, chained)
	require.NoError(t, rx.Setup(rr.Base()))
	require.NoError(t, rx.Start(rr.Addr(3)))
	assert.Equal(t, 1, e.Step(0))
	st = codec.DecodeStatus(rr.Desc(0))
	assert.Equal(t, 4, st.Length)
	assert.NotZero(t, st.Attrs&descriptor.AttrVirtual)
}

func TestEngine_Run(t *testing.T) {
	pool := newPool(t)
	r := newFilledRing(t, 4, pool, chained)
	e := newEngine(t)

	c, err := e.Channel(0, Rx)
	require.NoError(t, err)
	require.NoError(t, c.Setup(r.Base()))
	require.NoError(t, c.Start(r.Addr(3)))
	c.Inject(Frame{Data: []byte{1}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx, time.Millisecond) }()

	assert.Eventually(t, func() bool { return codec.Done(r.Desc(0)) }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
