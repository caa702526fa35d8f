package pktdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/test"
)

func TestProducerGate(t *testing.T) {
	g := newProducerGate(test.NewLogger())
	ctx := context.Background()

	assert.False(t, g.Paused(txID))
	assert.NoError(t, g.Wait(ctx, txID))

	g.PauseProducer(txID)
	g.PauseProducer(txID)
	assert.True(t, g.Paused(txID))
	assert.False(t, g.Paused(rxID))

	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx, txID) }()

	select {
	case <-done:
		t.Fatal("wait returned while paused")
	case <-time.After(10 * time.Millisecond):
	}

	g.ResumeProducer(txID)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer was not resumed")
	}
	assert.False(t, g.Paused(txID))

	// Resuming twice is harmless.
	g.ResumeProducer(txID)
}

func TestProducerGate_WaitCanceled(t *testing.T) {
	g := newProducerGate(test.NewLogger())
	g.PauseProducer(txID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx, txID), context.Canceled)
}

func TestProducerGate_FollowsTransmitRing(t *testing.T) {
	l := test.NewLogger()
	g := newProducerGate(l)
	r := newRig(t, WithFlowControl(g))
	r.setup(t, QueueConfig{ID: txID, Descriptors: 2, FreeThreshold: 1})

	transmit(t, r, "a")
	assert.ErrorIs(t, r.reg.QueueTransmit(context.Background(), txID, buffer.Payload{Data: []byte("b")}), ErrResource)
	assert.True(t, g.Paused(txID))

	r.eng.Step(0)
	r.reg.Tx(txID).Clean(2)
	assert.False(t, g.Paused(txID))
}
