package trafficfilter

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// decoder is a set of reusable layers. Not safe for concurrent use; the
// Filter hands one out per call from a pool.
type decoder struct {
	ethLayer layers.Ethernet
	vlan     layers.Dot1Q
	ipv4     layers.IPv4
	ipv6     layers.IPv6
	tcp      layers.TCP
	udp      layers.UDP

	ip4  *gopacket.DecodingLayerParser
	ip6  *gopacket.DecodingLayerParser
	eth  *gopacket.DecodingLayerParser

	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 8)}
	d.ip4 = d.parser(layers.LayerTypeIPv4)
	d.ip6 = d.parser(layers.LayerTypeIPv6)
	d.eth = d.parser(layers.LayerTypeEthernet)
	return d
}

func (d *decoder) parser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	p := gopacket.NewDecodingLayerParser(first, &d.ethLayer, &d.vlan, &d.ipv4, &d.ipv6, &d.tcp, &d.udp)
	p.IgnoreUnsupported = true
	return p
}

// transport returns the transport protocol and destination port. proto is
// zero when the packet decoded cleanly but carries neither TCP nor UDP
// (ICMP, a non-first fragment, ARP). ok is false when the headers are
// truncated or mangled.
func (d *decoder) transport(p *gopacket.DecodingLayerParser, data []byte) (proto layers.IPProtocol, port uint16, ok bool) {
	d.decoded = d.decoded[:0]
	if err := p.DecodeLayers(data, &d.decoded); err != nil {
		return 0, 0, false
	}
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			return layers.IPProtocolTCP, uint16(d.tcp.DstPort), true
		case layers.LayerTypeUDP:
			return layers.IPProtocolUDP, uint16(d.udp.DstPort), true
		}
	}
	return 0, 0, len(d.decoded) > 0
}
