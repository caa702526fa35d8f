package pktdma

import (
	"errors"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
	"github.com/slackhq/pktdma/hw"
)

// ChannelProvider hands out the DMA channel behind a queue.
type ChannelProvider interface {
	Channel(id QueueID) (hw.Channel, error)
}

// ChannelProviderFunc adapts a function to [ChannelProvider].
type ChannelProviderFunc func(id QueueID) (hw.Channel, error)

func (f ChannelProviderFunc) Channel(id QueueID) (hw.Channel, error) { return f(id) }

type engineOptions struct {
	codec        descriptor.Codec
	bufs         buffer.Manager
	channels     ChannelProvider
	chainMode    bool
	polling      bool
	resourceWait time.Duration
	handler      RxHandler
	flow         FlowControl
	bridge       *Bridge
	metrics      metrics.Registry
	l            *logrus.Logger
}

func (o *engineOptions) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *engineOptions) validate() error {
	if o.codec == nil {
		return errors.New("descriptor codec is required")
	}
	if o.bufs == nil {
		return errors.New("buffer manager is required")
	}
	if o.channels == nil {
		return errors.New("channel provider is required")
	}
	if o.resourceWait < 0 {
		return errors.New("resource wait must not be negative")
	}
	return nil
}

func optionDefaults() engineOptions {
	return engineOptions{
		codec:        descriptor.Gen1,
		resourceWait: 200 * time.Microsecond,
		handler: RxHandlerFunc(func(_ QueueID, p *buffer.Packet) error {
			p.Release()
			return nil
		}),
		flow:    noFlowControl{},
		metrics: metrics.DefaultRegistry,
		l:       logrus.StandardLogger(),
	}
}

// Option can be passed to [NewRegistry] to influence how queues are built.
type Option func(*engineOptions)

// WithCodec sets the descriptor layout of the hardware generation.
func WithCodec(c descriptor.Codec) Option {
	return func(o *engineOptions) { o.codec = c }
}

// WithBuffers sets the buffer manager. This is required.
func WithBuffers(m buffer.Manager) Option {
	return func(o *engineOptions) { o.bufs = m }
}

// WithChannels sets where DMA channels come from. This is required.
func WithChannels(p ChannelProvider) Option {
	return func(o *engineOptions) { o.channels = p }
}

// WithChainMode makes every ring end its chain at the last slot. Channels are
// restarted by software on every wrap.
func WithChainMode(enabled bool) Option {
	return func(o *engineOptions) { o.chainMode = enabled }
}

// WithPolling disables descriptor interrupts. Transmitters then reclaim
// descriptors themselves and wait up to the resource wait for a free one.
func WithPolling(enabled bool) Option {
	return func(o *engineOptions) { o.polling = enabled }
}

// WithResourceWait bounds how long a transmitter waits for a descriptor in
// polling mode.
func WithResourceWait(d time.Duration) Option {
	return func(o *engineOptions) { o.resourceWait = d }
}

// WithRxHandler sets the consumer of received packets. The default releases
// every packet.
func WithRxHandler(h RxHandler) Option {
	return func(o *engineOptions) { o.handler = h }
}

// WithFlowControl sets who is told to pause and resume producing.
func WithFlowControl(f FlowControl) Option {
	return func(o *engineOptions) { o.flow = f }
}

// WithBridge enables the virtual ring relay.
func WithBridge(b *Bridge) Option {
	return func(o *engineOptions) { o.bridge = b }
}

// WithMetrics sets the registry queue counters are registered in.
func WithMetrics(r metrics.Registry) Option {
	return func(o *engineOptions) { o.metrics = r }
}

func WithLogger(l *logrus.Logger) Option {
	return func(o *engineOptions) { o.l = l }
}
