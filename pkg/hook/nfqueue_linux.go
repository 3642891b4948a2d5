//go:build linux

package hook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"figger-go/pkg/log"
	"figger-go/pkg/transition"

	"github.com/florianl/go-nfqueue"
)

// NFQueue takes verdicts for packets an iptables/nftables rule sends to a
// netfilter queue, e.g.
//
//	iptables -A INPUT -p tcp --dport 10000:11000 -j NFQUEUE --queue-num 100
type NFQueue struct {
	num    uint16
	filter PacketFilter

	mu sync.Mutex
	nf *nfqueue.Nfqueue
}

func NewNFQueue(num uint16, filter PacketFilter) *NFQueue {
	return &NFQueue{num: num, filter: filter}
}

func (q *NFQueue) Name() string { return fmt.Sprintf("nfqueue:%d", q.num) }

func (q *NFQueue) Register(ctx context.Context) error {
	q.mu.Lock()
	if q.nf != nil {
		q.mu.Unlock()
		return ErrRegistered
	}
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      q.num,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  0xFF,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("nfqueue: open queue %d: %w", q.num, err)
	}
	q.nf = nf
	q.mu.Unlock()

	onPacket := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		verdict := nfqueue.NfAccept
		if a.Payload != nil && q.filter.FilterPacket(*a.Payload) == transition.Drop {
			verdict = nfqueue.NfDrop
		}
		if err := nf.SetVerdict(*a.PacketID, verdict); err != nil {
			log.Warn().Err(err).Uint32("packet_id", *a.PacketID).Msg("nfqueue: set verdict failed")
		}
		return 0
	}
	onError := func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		log.Error().Err(err).Msg("nfqueue: receive error")
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, onPacket, onError); err != nil {
		q.Unregister()
		return fmt.Errorf("nfqueue: register: %w", err)
	}
	log.Info().Uint16("queue", q.num).Msg("nfqueue: hook registered")

	<-ctx.Done()
	return q.Unregister()
}

func (q *NFQueue) Unregister() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nf == nil {
		return nil
	}
	err := q.nf.Close()
	q.nf = nil
	return err
}
