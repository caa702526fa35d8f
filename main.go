package pktdma

import (
	"fmt"
	"net"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/config"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw"
	"github.com/slackhq/pktdma/hw/sim"
	"github.com/slackhq/pktdma/util"
)

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	l := logger

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	generation := c.GetString("hardware.generation", descriptor.Gen1.Name())
	codec, err := descriptor.Lookup(generation)
	if err != nil {
		return nil, util.NewContextualError("Unknown hardware generation",
			logrus.Fields{"generation": generation, "known": descriptor.Generations()}, err)
	}

	devices, err := parseDevices(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse devices", nil, err)
	}

	var partner net.HardwareAddr
	if c.GetBool("virtual.enabled", false) {
		partner, err = net.ParseMAC(c.GetString("virtual.mac", "02:00:00:00:00:01"))
		if err != nil {
			return nil, util.NewContextualError("Failed to parse virtual.mac", nil, err)
		}
	}

	traffic, err := parseTraffic(c, partner)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse traffic", nil, err)
	}

	bufCount := c.GetInt("buffers.count", 1024)
	bufSize := c.GetInt("buffers.size", 2048)
	if traffic.enabled && traffic.size > bufSize {
		return nil, util.NewContextualError("Traffic frames do not fit the buffers",
			logrus.Fields{"traffic.size": traffic.size, "buffers.size": bufSize}, ErrParameter)
	}

	pool, err := buffer.NewPool(bufCount, bufSize)
	if err != nil {
		return nil, util.NewContextualError("Failed to allocate buffers",
			logrus.Fields{"count": bufCount, "size": bufSize}, err)
	}

	ctrl := &Control{
		pool:     pool,
		engines:  map[int]*sim.Engine{},
		gate:     newProducerGate(l),
		traffic:  traffic,
		interval: c.GetDuration("poll.interval", time.Millisecond),
		hwTick:   c.GetDuration("hardware.interval", 100*time.Microsecond),
		l:        l,
	}
	ctrl.budget.Store(int64(c.GetInt("poll.budget", defaultBudget)))
	if ctrl.budget.Load() <= 0 {
		_ = pool.Close()
		return nil, util.NewContextualError("poll.budget must be positive", nil, ErrParameter)
	}

	defer func() {
		if reterr != nil {
			ctrl.teardown()
		}
	}()

	for _, d := range devices {
		ctrl.engines[d.id] = sim.NewEngine(l.WithField("device", d.id), codec)
	}
	channels := ChannelProviderFunc(func(id QueueID) (hw.Channel, error) {
		e, ok := ctrl.engines[id.Device]
		if !ok {
			return nil, fmt.Errorf("device %d has no engine", id.Device)
		}
		dir := sim.Rx
		if id.Dir == Tx {
			dir = sim.Tx
		}
		return e.Channel(id.Channel, dir)
	})

	if partner != nil {
		ctrl.bridge = NewBridge(l)
	}

	ctrl.reg, err = NewRegistry(
		WithCodec(codec),
		WithBuffers(pool),
		WithChannels(channels),
		WithChainMode(c.GetBool("hardware.chain_mode", false)),
		WithPolling(c.GetBool("hardware.polling", false)),
		WithResourceWait(c.GetDuration("tx.resource_wait", 200*time.Microsecond)),
		WithRxHandler(&frameLogger{relay: partner != nil, l: l}),
		WithFlowControl(ctrl.gate),
		WithBridge(ctrl.bridge),
		WithMetrics(metrics.DefaultRegistry),
		WithLogger(l),
	)
	if err != nil {
		return nil, util.NewContextualError("Failed to create the queue registry",
			logrus.Fields{"generation": codec.Name()}, err)
	}

	vringSize := c.GetInt("virtual.descriptors", 64)
	for _, d := range devices {
		for _, qc := range d.queues {
			if err := ctrl.reg.QueueSetup(qc); err != nil {
				return nil, util.NewContextualError("Failed to set up queue",
					logrus.Fields{"queue": qc.ID.String(), "group": qc.Group}, err)
			}
			if ctrl.bridge == nil {
				continue
			}
			v, err := NewVirtualRing(l, qc.ID, codec, vringSize, bufSize)
			if err != nil {
				return nil, util.NewContextualError("Failed to create virtual ring",
					logrus.Fields{"queue": qc.ID.String(), "descriptors": vringSize}, err)
			}
			ctrl.bridge.Attach(v)
		}

		tag := partnerClassifier{mac: partner}.classify
		for _, lb := range d.loopback {
			if err := ctrl.engines[d.id].Loopback(lb.tx, lb.rx, tag); err != nil {
				return nil, util.NewContextualError("Failed to set up loopback",
					logrus.Fields{"device": d.id, "tx": lb.tx, "rx": lb.rx}, err)
			}
		}
	}

	ctrl.statsStart, err = startStats(l, c, metrics.DefaultRegistry, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	c.RegisterReloadCallback(ctrl.reload)

	l.WithFields(logrus.Fields{
		"generation": codec.Name(),
		"devices":    len(devices),
		"groups":     len(ctrl.reg.Groups()),
		"virtual":    ctrl.bridge != nil,
	}).Info("Queues ready")

	return ctrl, nil
}
