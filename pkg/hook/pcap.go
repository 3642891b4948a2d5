package hook

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"figger-go/pkg/log"
	"figger-go/pkg/transition"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayResult is the verdict of one replayed packet.
type ReplayResult struct {
	Index   int
	Length  int
	Verdict transition.Verdict
}

// Pcap replays a capture file through the filter.
type Pcap struct {
	path   string
	filter PacketFilter
	// OnVerdict, if set, is called for every packet in file order.
	OnVerdict func(ReplayResult)

	accepted atomic.Uint64
	dropped  atomic.Uint64
	running  atomic.Bool
	cancel   atomic.Pointer[context.CancelFunc]
}

func NewPcap(path string, filter PacketFilter) *Pcap {
	return &Pcap{path: path, filter: filter}
}

func (p *Pcap) Name() string { return "pcap:" + p.path }

// Register reads the whole file and returns nil at EOF.
func (p *Pcap) Register(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRegistered
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel.Store(&cancel)

	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("pcap: %w", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("pcap: reading header of %s: %w", p.path, err)
	}

	var deliver func([]byte) transition.Verdict
	switch lt := r.LinkType(); lt {
	case layers.LinkTypeEthernet:
		deliver = p.filter.FilterFrame
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		deliver = p.filter.FilterPacket
	default:
		return fmt.Errorf("%w: pcap link type %s", ErrUnsupported, lt)
	}

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return nil
		}
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("pcap: packet %d: %w", i, err)
		}
		v := deliver(data)
		if v == transition.Drop {
			p.dropped.Add(1)
		} else {
			p.accepted.Add(1)
		}
		if p.OnVerdict != nil {
			p.OnVerdict(ReplayResult{Index: i, Length: len(data), Verdict: v})
		}
	}
	log.Info().Str("file", p.path).Uint64("accepted", p.accepted.Load()).Uint64("dropped", p.dropped.Load()).Msg("hook: replay finished")
	return nil
}

// Unregister stops a running replay.
func (p *Pcap) Unregister() error {
	if c := p.cancel.Load(); c != nil {
		(*c)()
	}
	return nil
}

// Counts returns the accepted and dropped totals so far.
func (p *Pcap) Counts() (accepted, dropped uint64) {
	return p.accepted.Load(), p.dropped.Load()
}
