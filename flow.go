package pktdma

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// producerGate is the flow control of the daemon. Producers call Wait before
// every transmit and block while their queue is paused.
type producerGate struct {
	mu     sync.Mutex
	paused map[QueueID]chan struct{}
	l      *logrus.Logger
}

func newProducerGate(l *logrus.Logger) *producerGate {
	return &producerGate{paused: map[QueueID]chan struct{}{}, l: l}
}

func (g *producerGate) PauseProducer(q QueueID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.paused[q]; ok {
		return
	}
	g.paused[q] = make(chan struct{})
	g.l.WithField("queue", q.String()).Debug("Producer paused")
}

func (g *producerGate) ResumeProducer(q QueueID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.paused[q]; ok {
		close(ch)
		delete(g.paused, q)
		g.l.WithField("queue", q.String()).Debug("Producer resumed")
	}
}

// Paused reports whether producers of q should hold back.
func (g *producerGate) Paused(q QueueID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.paused[q]
	return ok
}

// Wait blocks while q is paused.
func (g *producerGate) Wait(ctx context.Context, q QueueID) error {
	g.mu.Lock()
	ch, ok := g.paused[q]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
