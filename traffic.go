package pktdma

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/config"
)

const (
	trafficSrcPort = 4789
	trafficDstPort = 4790
	// minFrame is ethernet, IPv4 and UDP headers plus the sequence number.
	minFrame = 14 + 20 + 8 + 8
)

var (
	trafficSrcIP = net.IPv4(10, 200, 0, 1).To4()
	trafficDstIP = net.IPv4(10, 200, 0, 2).To4()
)

// trafficConfig drives the built-in generator which keeps looped back
// queues busy.
type trafficConfig struct {
	enabled  bool
	interval time.Duration
	size     int
	src, dst net.HardwareAddr
	// every nth frame goes to or through the virtual ring partner, 0 never.
	partnerEvery int
	partner      net.HardwareAddr
}

func parseTraffic(c *config.C, partner net.HardwareAddr) (trafficConfig, error) {
	tc := trafficConfig{
		enabled:  c.GetBool("traffic.enabled", false),
		interval: c.GetDuration("traffic.interval", 10*time.Millisecond),
		size:     c.GetInt("traffic.size", 128),
		partner:  partner,
	}
	if !tc.enabled {
		return tc, nil
	}

	if tc.interval <= 0 {
		return tc, fmt.Errorf("traffic.interval must be positive")
	}
	if tc.size < minFrame {
		return tc, fmt.Errorf("traffic.size %d is smaller than %d", tc.size, minFrame)
	}

	var err error
	if tc.src, err = net.ParseMAC(c.GetString("traffic.src", "02:00:00:00:00:10")); err != nil {
		return tc, fmt.Errorf("traffic.src: %w", err)
	}
	if tc.dst, err = net.ParseMAC(c.GetString("traffic.dst", "02:00:00:00:00:20")); err != nil {
		return tc, fmt.Errorf("traffic.dst: %w", err)
	}
	if len(partner) > 0 {
		tc.partnerEvery = c.GetInt("virtual.share", 4)
	}
	return tc, nil
}

// buildFrame serializes an ethernet/IPv4/UDP frame of size bytes carrying seq
// in the first payload bytes.
func buildFrame(src, dst net.HardwareAddr, seq uint64, size int) ([]byte, error) {
	if size < minFrame {
		return nil, fmt.Errorf("frame size %d is smaller than %d", size, minFrame)
	}

	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    trafficSrcIP,
		DstIP:    trafficDstIP,
	}
	udp := &layers.UDP{
		SrcPort: trafficSrcPort,
		DstPort: trafficDstPort,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	payload := make([]byte, size-14-20-8)
	binary.BigEndian.PutUint64(payload, seq)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// frameSeq returns the sequence number of a frame made by buildFrame.
func frameSeq(pkt gopacket.Packet) (uint64, bool) {
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.DstPort != trafficDstPort || len(udp.Payload) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(udp.Payload), true
}

// generate transmits on q until ctx is done. Every partnerEvery frames one is
// addressed to the partner, so the receive side relays it, and one is offered
// by the partner itself on the virtual transmit ring.
func (c *Control) generate(ctx context.Context, q QueueID) error {
	tc := c.traffic
	l := c.l.WithField("queue", q.String())
	t := time.NewTicker(tc.interval)
	defer t.Stop()

	for seq := uint64(0); ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := c.gate.Wait(ctx, q); err != nil {
			return nil
		}

		dst := tc.dst
		offer := false
		if tc.partnerEvery > 0 {
			switch seq % uint64(tc.partnerEvery) {
			case 0:
				dst = tc.partner
			case 1:
				offer = true
			}
		}

		frame, err := buildFrame(tc.src, dst, seq, tc.size)
		if err != nil {
			return fmt.Errorf("traffic on %s: %w", q, err)
		}

		if offer && c.bridge != nil {
			if v := c.bridge.Ring(q); v != nil {
				if err := v.Offer(frame, 0); err != nil {
					l.WithError(err).Debug("Partner could not offer a frame")
				}
				continue
			}
		}

		err = c.reg.QueueTransmit(ctx, q, buffer.Payload{Data: frame})
		switch {
		case err == nil:
		case errors.Is(err, ErrResource), errors.Is(err, ErrTimeout), errors.Is(err, ErrMemory):
			if l.Logger.IsLevelEnabled(logrus.DebugLevel) {
				l.WithError(err).WithField("seq", seq).Debug("Frame not sent")
			}
		case errors.Is(err, ErrUnavailable):
			// Suspended or released, keep trying at the interval.
		default:
			return fmt.Errorf("traffic on %s: %w", q, err)
		}
	}
}
