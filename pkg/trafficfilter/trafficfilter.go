// Package trafficfilter is the packet admission filter. It runs on every
// inbound packet, resolves the (protocol, destination port) endpoint and
// applies the packet-arrival transition. Anything it does not manage is
// accepted.
package trafficfilter

import (
	"sync"
	"sync/atomic"

	"figger-go/pkg/endpoint"
	"figger-go/pkg/log"
	"figger-go/pkg/transition"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Stats counts packets that never reached an endpoint. Per-endpoint
// accept/drop counters live on the endpoints themselves.
type Stats struct {
	Unparseable uint64 `json:"unparseable"`
	Unmanaged   uint64 `json:"unmanaged"`
	OutOfRange  uint64 `json:"out_of_range"`
	Managed     uint64 `json:"managed"`
}

// Filter holds the endpoint table and the set of managed protocols.
type Filter struct {
	table   *endpoint.Table
	managed [2]bool

	decoders sync.Pool

	unparseable atomic.Uint64
	unmanaged   atomic.Uint64
	outOfRange  atomic.Uint64
	managedPkts atomic.Uint64
}

// NewFilter creates a Filter for the given protocols.
func NewFilter(table *endpoint.Table, protocols ...endpoint.Protocol) *Filter {
	f := &Filter{table: table}
	for _, p := range protocols {
		if int(p) < len(f.managed) {
			f.managed[p] = true
		}
	}
	f.decoders.New = func() interface{} {
		return newDecoder()
	}
	return f
}

// FilterPort decides on a packet whose headers are already parsed.
func (f *Filter) FilterPort(proto layers.IPProtocol, port uint16) transition.Verdict {
	var p endpoint.Protocol
	switch proto {
	case layers.IPProtocolTCP:
		p = endpoint.TCP
	case layers.IPProtocolUDP:
		p = endpoint.UDP
	default:
		f.unmanaged.Add(1)
		return transition.Accept
	}
	if !f.managed[p] {
		f.unmanaged.Add(1)
		return transition.Accept
	}
	ep, ok := f.table.At(p, int(port))
	if !ok {
		f.outOfRange.Add(1)
		return transition.Accept
	}
	f.managedPkts.Add(1)
	out := ep.Arrive()
	if out.Woke {
		log.Debug().
			Str("endpoint", p.String()).
			Uint16("port", port).
			Stringer("from", out.From).
			Stringer("to", out.To).
			Msg("filter: endpoint woke observers")
	}
	return out.Verdict
}

// FilterPacket decides on a raw IPv4 or IPv6 packet, as delivered by the
// netfilter queue.
func (f *Filter) FilterPacket(data []byte) transition.Verdict {
	if len(data) == 0 {
		f.unparseable.Add(1)
		return transition.Accept
	}
	d := f.decoders.Get().(*decoder)
	defer f.decoders.Put(d)

	var parser *gopacket.DecodingLayerParser
	switch data[0] >> 4 {
	case 4:
		parser = d.ip4
	case 6:
		parser = d.ip6
	default:
		f.unparseable.Add(1)
		return transition.Accept
	}
	return f.decide(d, parser, data)
}

// FilterFrame decides on an Ethernet frame, as read from a capture.
func (f *Filter) FilterFrame(data []byte) transition.Verdict {
	d := f.decoders.Get().(*decoder)
	defer f.decoders.Put(d)
	return f.decide(d, d.eth, data)
}

func (f *Filter) decide(d *decoder, parser *gopacket.DecodingLayerParser, data []byte) transition.Verdict {
	proto, port, ok := d.transport(parser, data)
	if !ok {
		f.unparseable.Add(1)
		return transition.Accept
	}
	if proto == 0 {
		f.unmanaged.Add(1)
		return transition.Accept
	}
	return f.FilterPort(proto, port)
}

func (f *Filter) Stats() Stats {
	return Stats{
		Unparseable: f.unparseable.Load(),
		Unmanaged:   f.unmanaged.Load(),
		OutOfRange:  f.outOfRange.Load(),
		Managed:     f.managedPkts.Load(),
	}
}
