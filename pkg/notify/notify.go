// Package notify exposes each endpoint as a file-like notification channel.
//
// A Session is one open of a channel. Its Read is single-shot: the first
// read returns the state digit and marks it observed, later reads return
// io.EOF. Wait blocks until the endpoint holds a state that no reader has
// observed yet.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"figger-go/pkg/channame"
	"figger-go/pkg/endpoint"
	"figger-go/pkg/transition"

	"gvisor.dev/gvisor/pkg/waiter"
)

var (
	ErrSessionClosed  = errors.New("notification channel closed")
	ErrUnknownChannel = errors.New("unknown notification channel")
)

// Hub resolves channel names to endpoints of one table.
type Hub struct {
	table   *endpoint.Table
	managed map[endpoint.Protocol]bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub registers one channel per endpoint of each managed protocol.
func NewHub(table *endpoint.Table, protocols ...endpoint.Protocol) *Hub {
	h := &Hub{
		table:   table,
		managed: make(map[endpoint.Protocol]bool),
		done:    make(chan struct{}),
	}
	for _, p := range protocols {
		h.managed[p] = true
	}
	return h
}

// Names lists every registered channel, tcp first, ports ascending.
func (h *Hub) Names() []string {
	rng := h.table.Range()
	protos := make([]endpoint.Protocol, 0, len(h.managed))
	for p := range h.managed {
		protos = append(protos, p)
	}
	sort.Slice(protos, func(i, j int) bool { return protos[i] < protos[j] })

	names := make([]string, 0, len(protos)*rng.Size())
	for _, p := range protos {
		for port := int(rng.Min); port <= int(rng.Max); port++ {
			names = append(names, channame.Format(p, port))
		}
	}
	return names
}

// Managed reports whether channels exist for p.
func (h *Hub) Managed(p endpoint.Protocol) bool {
	return h.managed[p]
}

// Resolve maps a channel name to its endpoint.
func (h *Hub) Resolve(name string) (*endpoint.Endpoint, error) {
	proto, port, err := channame.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownChannel, err)
	}
	if !h.managed[proto] {
		return nil, fmt.Errorf("%w: %s is not managed", ErrUnknownChannel, proto)
	}
	ep, err := h.table.Lookup(proto, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownChannel, err)
	}
	return ep, nil
}

// Open starts a new session on the named channel.
func (h *Hub) Open(name string) (*Session, error) {
	if h.closed() {
		return nil, ErrSessionClosed
	}
	ep, err := h.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &Session{hub: h, ep: ep, name: name}, nil
}

// Close unregisters every channel. Blocked waiters return ErrSessionClosed.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Session is one open of a notification channel. Sessions are cheap; open a
// new one to read again.
type Session struct {
	hub  *Hub
	ep   *endpoint.Endpoint
	name string

	mu       sync.Mutex
	consumed bool
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Endpoint() *endpoint.Endpoint {
	return s.ep
}

// Read copies the state digit into p once. Subsequent reads return io.EOF.
// A zero-length p reads nothing and leaves the session unconsumed.
func (s *Session) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	st, err := s.ReadState()
	if err != nil {
		return 0, err
	}
	p[0] = st.Digit()
	return 1, nil
}

// ReadState is Read without the byte encoding.
func (s *Session) ReadState() (transition.State, error) {
	if s.hub.closed() {
		return 0, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return 0, io.EOF
	}
	s.consumed = true
	return s.ep.Observe(), nil
}

// Write decodes a state digit and applies it. The digit may be followed by
// whitespace only; anything else is rejected without touching the endpoint.
func (s *Session) Write(p []byte) (int, error) {
	if s.hub.closed() {
		return 0, ErrSessionClosed
	}
	st, err := decode(p)
	if err != nil {
		return 0, err
	}
	if _, err := s.ep.Set(st); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteState is Write without the byte encoding.
func (s *Session) WriteState(st transition.State) error {
	_, err := s.Write([]byte{st.Digit()})
	return err
}

func decode(p []byte) (transition.State, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty write", transition.ErrMalformedInput)
	}
	for _, b := range p[1:] {
		switch b {
		case ' ', '\t', '\r', '\n':
		default:
			return 0, fmt.Errorf("%w: trailing %q", transition.ErrMalformedInput, b)
		}
	}
	return transition.ParseDigit(p[0])
}

// Poll reports whether an unobserved transition is pending.
func (s *Session) Poll() bool {
	return s.ep.Readiness(waiter.ReadableEvents) != 0
}

// Wait blocks until Poll would report true, ctx is done, or the channel is
// closed. The wait-set registration never outlives the call.
func (s *Session) Wait(ctx context.Context) error {
	if s.hub.closed() {
		return ErrSessionClosed
	}
	var w waiter.Waitable = s.ep
	entry, ch := waiter.NewChannelEntry(waiter.ReadableEvents | waiter.EventHUp)
	w.EventRegister(&entry)
	defer w.EventUnregister(&entry)

	if s.hub.table.Closed() {
		return ErrSessionClosed
	}
	for w.Readiness(waiter.ReadableEvents) == 0 {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.hub.done:
			return ErrSessionClosed
		}
		if s.hub.table.Closed() {
			return ErrSessionClosed
		}
	}
	return nil
}
