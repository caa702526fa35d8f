package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/descriptor"
)

// Engine owns the simulated channels of one device.
type Engine struct {
	mu       sync.Mutex
	codec    descriptor.Codec
	channels map[int]*Channel
	l        logrus.FieldLogger
}

func NewEngine(l logrus.FieldLogger, codec descriptor.Codec) *Engine {
	return &Engine{
		codec:    codec,
		channels: map[int]*Channel{},
		l:        l,
	}
}

// Channel returns the channel with the given id, creating it on first use.
func (e *Engine) Channel(id int, dir Direction) (*Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.channels[id]; ok {
		if c.dir != dir {
			return nil, fmt.Errorf("channel %d already in use as %s", id, c.dir)
		}
		return c, nil
	}
	c := newChannel(e.l, id, dir, e.codec)
	e.channels[id] = c
	return c, nil
}

// Loopback feeds every frame sent on channel tx into channel rx. tag, when
// set, classifies each frame the way an adapter does on ingress.
func (e *Engine) Loopback(tx, rx int, tag func(data []byte) descriptor.Attrs) error {
	txc, err := e.Channel(tx, Tx)
	if err != nil {
		return err
	}
	rxc, err := e.Channel(rx, Rx)
	if err != nil {
		return err
	}
	if tag == nil {
		txc.OnEgress(rxc.Inject)
		return nil
	}
	txc.OnEgress(func(f Frame) {
		f.Attrs |= tag(f.Data)
		rxc.Inject(f)
	})
	return nil
}

func (e *Engine) sorted() []*Channel {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Channel, 0, len(e.channels))
	for _, c := range e.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Step runs every channel once and returns the number of descriptors
// completed in total.
func (e *Engine) Step(max int) int {
	n := 0
	for _, c := range e.sorted() {
		n += c.Step(max)
	}
	return n
}

// Run steps all channels every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Step(0)
		}
	}
}

func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.sorted() {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %d: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}
