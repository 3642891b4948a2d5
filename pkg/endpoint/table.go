// Package endpoint implements the fixed-size registry of per-port admission
// state. The table is shaped once at construction and never resized; only
// the fields of each Endpoint change, each under that endpoint's own lock.
package endpoint

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Protocol is a managed transport protocol.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// PortRange is an inclusive range of ports.
type PortRange struct {
	Min uint16 `json:"min" mapstructure:"min_port"`
	Max uint16 `json:"max" mapstructure:"max_port"`
}

// Size is the number of ports in the range.
func (r PortRange) Size() int {
	return int(r.Max) - int(r.Min) + 1
}

func (r PortRange) Contains(port int) bool {
	return port >= int(r.Min) && port <= int(r.Max)
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Table holds one Endpoint per (protocol, port) in the range.
// TCP endpoints occupy the first half, UDP the second.
type Table struct {
	rng       PortRange
	endpoints []Endpoint
	closed    atomic.Bool
}

// NewTable allocates every endpoint in the Stopped state.
func NewTable(rng PortRange) (*Table, error) {
	if rng.Min > rng.Max {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRange, rng)
	}
	size := rng.Size()
	t := &Table{
		rng:       rng,
		endpoints: make([]Endpoint, 2*size),
	}
	for i := range t.endpoints {
		ep := &t.endpoints[i]
		ep.Port = rng.Min + uint16(i%size)
		if i >= size {
			ep.Protocol = UDP
		}
	}
	return t, nil
}

func (t *Table) Range() PortRange {
	return t.rng
}

// Len is the number of endpoints, twice the range size.
func (t *Table) Len() int {
	return len(t.endpoints)
}

// At resolves (protocol, port) in constant time without allocating. It is
// the packet path's lookup; ok is false for an unknown protocol or a port
// outside the range.
func (t *Table) At(proto Protocol, port int) (ep *Endpoint, ok bool) {
	if !t.rng.Contains(port) {
		return nil, false
	}
	index := port - int(t.rng.Min)
	switch proto {
	case TCP:
	case UDP:
		index += t.rng.Size()
	default:
		return nil, false
	}
	return &t.endpoints[index], true
}

// Lookup is At with a descriptive error: ErrOutOfRange for a port outside
// the range, ErrUnknownProtocol otherwise.
func (t *Table) Lookup(proto Protocol, port int) (*Endpoint, error) {
	ep, ok := t.At(proto, port)
	if ok {
		return ep, nil
	}
	if proto != TCP && proto != UDP {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, proto)
	}
	return nil, fmt.Errorf("%w: %s port %d not in %s", ErrOutOfRange, proto, port, t.rng)
}

// Each calls fn for every endpoint in index order.
func (t *Table) Each(fn func(*Endpoint)) {
	for i := range t.endpoints {
		fn(&t.endpoints[i])
	}
}

// Snapshot copies every endpoint, taking one lock at a time.
func (t *Table) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(t.endpoints))
	t.Each(func(ep *Endpoint) {
		out = append(out, ep.Snapshot())
	})
	return out
}

// Close releases every blocked observer. Call it only after the packet hook
// and the channels have been detached.
func (t *Table) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.Each(func(ep *Endpoint) {
		ep.hangup()
	})
}

func (t *Table) Closed() bool {
	return t.closed.Load()
}
