//go:build !linux

package hook

import (
	"context"
	"fmt"
)

type NFQueue struct {
	num uint16
}

func NewNFQueue(num uint16, _ PacketFilter) *NFQueue {
	return &NFQueue{num: num}
}

func (q *NFQueue) Name() string { return fmt.Sprintf("nfqueue:%d", q.num) }

func (q *NFQueue) Register(context.Context) error { return ErrUnsupported }

func (q *NFQueue) Unregister() error { return nil }
