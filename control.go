package pktdma

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/config"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw/eventfd"
	"github.com/slackhq/pktdma/hw/sim"
)

// Control runs the poll loops of every queue group along with the simulated
// hardware, the virtual ring partners and the traffic generator.
type Control struct {
	reg     *Registry
	bridge  *Bridge
	pool    *buffer.Pool
	engines map[int]*sim.Engine
	gate    *producerGate
	traffic trafficConfig

	budget   atomicbitops.Int64
	interval time.Duration
	hwTick   time.Duration

	cancel     context.CancelFunc
	eg         *errgroup.Group
	statsStart func()
	l          *logrus.Logger
}

// Start runs the engine, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.eg, ctx = errgroup.WithContext(ctx)

	for _, e := range c.engines {
		e := e
		c.eg.Go(func() error { return e.Run(ctx, c.hwTick) })
	}
	for _, g := range c.reg.Groups() {
		g := g
		c.eg.Go(func() error { return c.pollLoop(ctx, g) })
	}
	if c.bridge != nil {
		for _, id := range c.queueIDs() {
			if v := c.bridge.Ring(id); v != nil {
				c.eg.Go(func() error { return c.partnerLoop(ctx, v) })
			}
		}
	}
	if c.traffic.enabled {
		for _, id := range c.queueIDs() {
			if id.Dir != Tx {
				continue
			}
			id := id
			c.eg.Go(func() error { return c.generate(ctx, id) })
		}
	}

	if c.statsStart != nil {
		go c.statsStart()
	}
}

// Stop signals the poll loops to shut down and releases every queue once they returned
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.eg != nil {
		if err := c.eg.Wait(); err != nil {
			c.l.WithError(err).Error("Engine stopped with an error")
		}
	}
	c.teardown()
	c.l.Info("Goodbye")
}

// teardown releases queues before the memory behind them.
func (c *Control) teardown() {
	if c.reg != nil {
		if err := c.reg.Close(); err != nil {
			c.l.WithError(err).Error("Failed to release queues")
		}
	}
	if c.bridge != nil {
		if err := c.bridge.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close virtual rings")
		}
	}
	for id, e := range c.engines {
		if err := e.Close(); err != nil {
			c.l.WithError(err).WithField("device", id).Error("Failed to close device")
		}
	}
	if err := c.pool.Close(); err != nil {
		c.l.WithError(err).Error("Failed to release buffers")
	}
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled.
// SIGUSR1 writes a ring dump to the log without stopping.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	for rawSig := range sigChan {
		if rawSig == syscall.SIGUSR1 {
			c.logRingDump()
			continue
		}

		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
		c.Stop()
		return
	}
}

func (c *Control) Registry() *Registry { return c.reg }

// RingDump writes the state of every ring to w.
func (c *Control) RingDump(w io.Writer) error {
	return c.reg.RingDump(w)
}

func (c *Control) logRingDump() {
	var b bytes.Buffer
	if err := c.RingDump(&b); err != nil {
		c.l.WithError(err).Error("Failed to dump rings")
		return
	}
	c.l.Info("Ring dump\n" + b.String())
}

func (c *Control) queueIDs() []QueueID {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	return append(sortedIDs(c.reg.rx), sortedIDs(c.reg.tx)...)
}

// pollLoop polls g until ctx is done. Between polls it sleeps on the
// interrupt lines of the group for at most the poll interval.
func (c *Control) pollLoop(ctx context.Context, g *QueueGroup) error {
	l := c.l.WithFields(logrus.Fields{"device": g.Device(), "group": g.ID()})

	ep, err := eventfd.NewEpoll()
	if err != nil {
		l.WithError(err).Warn("Interrupt lines unavailable, polling on the interval")
		ep = nil
	} else {
		defer ep.Close()
		for _, fd := range g.interruptFDs() {
			if err := ep.AddEvent(fd); err != nil {
				return fmt.Errorf("group %d/%d: watch interrupt line: %w", g.Device(), g.ID(), err)
			}
		}
	}

	t := time.NewTimer(c.interval)
	defer t.Stop()
	for ctx.Err() == nil {
		done, again := g.Poll(int(c.budget.Load()))
		if again && done > 0 {
			continue
		}

		if ep != nil {
			n, err := ep.Block(c.interval)
			if err != nil {
				return fmt.Errorf("group %d/%d: wait for interrupts: %w", g.Device(), g.ID(), err)
			}
			if n > 0 {
				g.Notify()
			}
			continue
		}

		t.Reset(c.interval)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return nil
}

// partnerLoop plays the isolated partner of a virtual ring. It drains relayed
// receive completions and reclaims sent transmit slots whenever woken.
func (c *Control) partnerLoop(ctx context.Context, v *VirtualRing) error {
	l := c.l.WithField("vring", v.ID().String())

	ep, err := eventfd.NewEpoll()
	if err != nil {
		return fmt.Errorf("virtual ring %s: %w", v.ID(), err)
	}
	defer ep.Close()
	if err := ep.AddEvent(v.WakeFD()); err != nil {
		return fmt.Errorf("virtual ring %s: watch wake line: %w", v.ID(), err)
	}

	for ctx.Err() == nil {
		switch v.ID().Dir {
		case Rx:
			v.Drain(func(data []byte, st descriptor.Status) {
				if l.Logger.IsLevelEnabled(logrus.DebugLevel) {
					p := buffer.Packet{Data: data}
					l.WithFields(frameFields(p.Decode())).WithField("errors", st.Errors).Debug("Partner received frame")
				}
			})
		case Tx:
			v.Reclaim(func(st descriptor.Status) {
				if st.Attrs&descriptor.AttrPurged != 0 {
					l.Debug("Partner frame was purged")
				}
			})
		}

		if _, err := ep.Block(c.interval); err != nil {
			return fmt.Errorf("virtual ring %s: %w", v.ID(), err)
		}
	}
	return nil
}

// reload applies the parts of the configuration that can change at runtime.
func (c *Control) reload(cfg *config.C) {
	if cfg.HasChanged("poll.budget") {
		b := cfg.GetInt("poll.budget", defaultBudget)
		if b <= 0 {
			c.l.WithField("budget", b).Error("poll.budget must be positive, keeping the current budget")
		} else {
			c.budget.Store(int64(b))
			c.l.WithField("budget", b).Info("Poll budget changed")
		}
	}

	if !cfg.HasChanged("devices") {
		return
	}
	devices, err := parseDevices(c.l, cfg)
	if err != nil {
		c.l.WithError(err).Error("Failed to parse devices, keeping the current thresholds")
		return
	}
	for _, d := range devices {
		for _, qc := range d.queues {
			err := c.reg.SetFreeThreshold(qc.ID, qc.FreeThreshold)
			switch {
			case err == nil:
			case errors.Is(err, ErrUnavailable):
				c.l.WithField("queue", qc.ID.String()).Warn("New queues require a restart")
			default:
				c.l.WithError(err).WithField("queue", qc.ID.String()).Error("Failed to change free threshold")
			}
		}
	}
	c.l.Info("Free thresholds reloaded")
}
