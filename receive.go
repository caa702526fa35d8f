package pktdma

import (
	"bytes"
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/buffer"
	"github.com/slackhq/pktdma/descriptor"
)

var errPartnerFrame = errors.New("frame belongs to the virtual ring partner")

// frameLogger is the receive handler of the daemon. It logs a summary of every
// frame at debug level and releases it. Frames classified for the virtual
// ring partner are declined so the queue relays them.
type frameLogger struct {
	relay bool
	l     *logrus.Logger
}

func (h *frameLogger) Receive(q QueueID, p *buffer.Packet) error {
	if h.relay && p.Attrs&descriptor.AttrVirtual != 0 {
		return errPartnerFrame
	}

	if h.l.IsLevelEnabled(logrus.DebugLevel) {
		h.l.WithFields(frameFields(p.Decode())).WithField("queue", q.String()).Debug("Received frame")
	}
	p.Release()
	return nil
}

// frameFields summarizes the link, network and transport layers of a frame.
func frameFields(pkt gopacket.Packet) logrus.Fields {
	f := logrus.Fields{"len": len(pkt.Data())}
	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		f["src"] = eth.SrcMAC.String()
		f["dst"] = eth.DstMAC.String()
		f["ethertype"] = eth.EthernetType.String()
	}
	if ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		f["ipSrc"] = ip.SrcIP.String()
		f["ipDst"] = ip.DstIP.String()
	}
	if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		f["udpSrc"] = uint16(udp.SrcPort)
		f["udpDst"] = uint16(udp.DstPort)
	}
	if seq, ok := frameSeq(pkt); ok {
		f["seq"] = seq
	}
	if err := pkt.ErrorLayer(); err != nil {
		f["decodeError"] = err.Error().Error()
	}
	return f
}

// partnerClassifier tags frames addressed to the partner MAC the way the
// adapter's classifier does before they reach a receive descriptor.
type partnerClassifier struct {
	mac net.HardwareAddr
}

func (c partnerClassifier) classify(data []byte) descriptor.Attrs {
	if len(c.mac) == 0 || len(data) < 6 {
		return 0
	}
	// The destination MAC leads the ethernet header.
	if bytes.Equal(data[:6], c.mac) {
		return descriptor.AttrVirtual
	}
	return 0
}
