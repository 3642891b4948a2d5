package trafficfilter

import (
	"net"
	"sync"
	"testing"

	"figger-go/pkg/endpoint"
	"figger-go/pkg/transition"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func newTestFilter(t *testing.T, protocols ...endpoint.Protocol) (*Filter, *endpoint.Table) {
	t.Helper()
	table, err := endpoint.NewTable(endpoint.PortRange{Min: 10000, Max: 11000})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if len(protocols) == 0 {
		protocols = []endpoint.Protocol{endpoint.TCP, endpoint.UDP}
	}
	return NewFilter(table, protocols...), table
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers failed: %v", err)
	}
	return buf.Bytes()
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP("192.168.1.100").To4(),
		DstIP:    net.ParseIP("10.0.0.5").To4(),
	}
}

func tcpPacket(t *testing.T, dport uint16) []byte {
	ip := ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dport), SYN: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ip, tcp)
}

func udpPacket(t *testing.T, dport uint16) []byte {
	ip := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ip, udp, gopacket.Payload([]byte("ping")))
}

func state(t *testing.T, table *endpoint.Table, proto endpoint.Protocol, port int) transition.State {
	t.Helper()
	ep, err := table.Lookup(proto, port)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	return ep.Snapshot().State
}

func TestFilterPacketLifecycle(t *testing.T) {
	f, table := newTestFilter(t)
	pkt := tcpPacket(t, 10000)

	if v := f.FilterPacket(pkt); v != transition.Drop {
		t.Fatalf("first packet: %s, want drop", v)
	}
	if s := state(t, table, endpoint.TCP, 10000); s != transition.Starting {
		t.Fatalf("state after first packet: %s", s)
	}
	if v := f.FilterPacket(pkt); v != transition.Drop {
		t.Fatalf("second packet: %s, want drop", v)
	}

	ep, _ := table.Lookup(endpoint.TCP, 10000)
	ep.Set(transition.Started)
	if v := f.FilterPacket(pkt); v != transition.Accept {
		t.Fatalf("packet after started: %s, want accept", v)
	}

	ep.Set(transition.Stopping)
	if v := f.FilterPacket(pkt); v != transition.Accept {
		t.Fatalf("packet while stopping: %s, want accept", v)
	}
	if s := ep.Snapshot().State; s != transition.Started {
		t.Fatalf("traffic did not abort stop: %s", s)
	}
}

func TestFilterUDPIsSeparateEndpoint(t *testing.T) {
	f, table := newTestFilter(t)
	if v := f.FilterPacket(udpPacket(t, 10500)); v != transition.Drop {
		t.Fatalf("udp first packet: %s", v)
	}
	if s := state(t, table, endpoint.UDP, 10500); s != transition.Starting {
		t.Errorf("udp state: %s", s)
	}
	if s := state(t, table, endpoint.TCP, 10500); s != transition.Stopped {
		t.Errorf("tcp endpoint touched by udp packet: %s", s)
	}
}

func TestFilterBoundaries(t *testing.T) {
	f, table := newTestFilter(t)
	for _, port := range []uint16{9999, 11001} {
		if v := f.FilterPacket(tcpPacket(t, port)); v != transition.Accept {
			t.Errorf("port %d: %s, want accept", port, v)
		}
	}
	for _, snap := range table.Snapshot() {
		if snap.State != transition.Stopped {
			t.Fatalf("out-of-range packet mutated %s/%d", snap.Protocol, snap.Port)
		}
	}
	if f.Stats().OutOfRange != 2 {
		t.Errorf("expected 2 out-of-range packets, got %+v", f.Stats())
	}

	if v := f.FilterPacket(tcpPacket(t, 10000)); v != transition.Drop {
		t.Errorf("min port must be managed")
	}
	if v := f.FilterPacket(tcpPacket(t, 11000)); v != transition.Drop {
		t.Errorf("max port must be managed")
	}
}

func TestFilterAcceptsUnmanagedAndGarbage(t *testing.T) {
	f, table := newTestFilter(t)

	icmp := serialize(t, ipv4(layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
	if v := f.FilterPacket(icmp); v != transition.Accept {
		t.Errorf("icmp: %s", v)
	}
	for _, garbage := range [][]byte{nil, {0x45}, {0x00, 0x01, 0x02}, tcpPacket(t, 10000)[:24]} {
		if v := f.FilterPacket(garbage); v != transition.Accept {
			t.Errorf("garbage %x: %s", garbage, v)
		}
	}
	if s := state(t, table, endpoint.TCP, 10000); s != transition.Stopped {
		t.Errorf("truncated packet mutated state: %s", s)
	}
	stats := f.Stats()
	if stats.Unmanaged != 1 || stats.Unparseable != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestFilterUnmanagedProtocol(t *testing.T) {
	f, table := newTestFilter(t, endpoint.TCP)
	if v := f.FilterPacket(udpPacket(t, 10000)); v != transition.Accept {
		t.Fatalf("udp with udp unmanaged: %s", v)
	}
	if s := state(t, table, endpoint.UDP, 10000); s != transition.Stopped {
		t.Fatalf("unmanaged udp mutated state: %s", s)
	}
}

func TestFilterIPv6(t *testing.T) {
	f, _ := newTestFilter(t)
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 10001, SYN: true}
	tcp.SetNetworkLayerForChecksum(ip)
	if v := f.FilterPacket(serialize(t, ip, tcp)); v != transition.Drop {
		t.Fatalf("ipv6 first packet: %s", v)
	}
}

func TestFilterFrame(t *testing.T) {
	f, _ := newTestFilter(t)
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 5353, DstPort: 10002}
	udp.SetNetworkLayerForChecksum(ip)
	frame := serialize(t, eth, ip, udp)

	if v := f.FilterFrame(frame); v != transition.Drop {
		t.Fatalf("frame first packet: %s", v)
	}
	if v := f.FilterFrame(frame[:10]); v != transition.Accept {
		t.Fatalf("short frame: %s", v)
	}
}

func TestFilterConcurrentPorts(t *testing.T) {
	f, table := newTestFilter(t)
	var wg sync.WaitGroup
	for port := uint16(10000); port < 10100; port++ {
		pkt := tcpPacket(t, port)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				f.FilterPacket(pkt)
			}
		}()
	}
	wg.Wait()
	for port := 10000; port < 10100; port++ {
		ep, _ := table.Lookup(endpoint.TCP, port)
		snap := ep.Snapshot()
		if snap.State != transition.Starting || snap.Dropped != 10 || snap.Wakes != 1 {
			t.Fatalf("port %d: %+v", port, snap)
		}
	}
}

func TestFilterPortDoesNotAllocate(t *testing.T) {
	f, table := newTestFilter(t)
	ep, err := table.Lookup(endpoint.TCP, 10010)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	ep.Set(transition.Started)

	if n := testing.AllocsPerRun(100, func() {
		f.FilterPort(layers.IPProtocolTCP, 443)
	}); n != 0 {
		t.Errorf("out-of-range packet: %v allocs per run", n)
	}
	if n := testing.AllocsPerRun(100, func() {
		f.FilterPort(layers.IPProtocolTCP, 10010)
	}); n != 0 {
		t.Errorf("started endpoint: %v allocs per run", n)
	}
	if n := testing.AllocsPerRun(100, func() {
		f.FilterPort(layers.IPProtocolICMPv4, 0)
	}); n != 0 {
		t.Errorf("unmanaged protocol: %v allocs per run", n)
	}
}
