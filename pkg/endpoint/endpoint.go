package endpoint

import (
	"sync"

	"figger-go/pkg/transition"

	"gvisor.dev/gvisor/pkg/waiter"
)

// Outcome describes one transition applied to an endpoint.
type Outcome struct {
	From    transition.State
	To      transition.State
	Verdict transition.Verdict
	Woke    bool
}

// Endpoint is the admission state of a single (protocol, port) pair.
// Every field below mu is guarded by it, including registration on queue.
type Endpoint struct {
	Protocol Protocol
	Port     uint16

	mu           sync.Mutex
	state        transition.State
	lastObserved transition.State
	queue        waiter.Queue

	accepted uint64
	dropped  uint64
	wakes    uint64
}

var _ waiter.Waitable = (*Endpoint)(nil)

// Arrive applies a packet arrival and returns the admission decision.
// Observers are woken only when the state actually changes into a
// pending state; re-confirming Starting wakes nobody.
func (e *Endpoint) Arrive() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Outcome{From: e.state}
	out.To, out.Verdict = transition.OnPacket(e.state)
	e.state = out.To
	if out.Verdict == transition.Drop {
		e.dropped++
	} else {
		e.accepted++
	}
	if out.To != out.From && transition.Wakes(out.To) {
		e.wakeLocked()
		out.Woke = true
	}
	return out
}

// Set applies a control-plane write. A write into Starting or Stopping
// always wakes observers, even when the state is already that value.
func (e *Endpoint) Set(target transition.State) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Outcome{From: e.state, Verdict: transition.Accept}
	next, err := transition.OnWrite(e.state, target)
	if err != nil {
		out.To = e.state
		return out, err
	}
	e.state = next
	out.To = next
	if transition.Wakes(next) {
		e.wakeLocked()
		out.Woke = true
	}
	return out, nil
}

func (e *Endpoint) wakeLocked() {
	e.wakes++
	e.queue.Notify(waiter.ReadableEvents)
}

// Observe returns the current state and records it as the last value handed
// to a channel reader.
func (e *Endpoint) Observe() transition.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastObserved = e.state
	return e.state
}

// Pending reports whether a transition happened since the last Observe.
func (e *Endpoint) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != e.lastObserved
}

// Readiness implements waiter.Waitable.
func (e *Endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	if mask&waiter.ReadableEvents != 0 && e.Pending() {
		return mask & waiter.ReadableEvents
	}
	return 0
}

// EventRegister implements waiter.Waitable. Transitions notify while holding
// the endpoint lock, so a Readiness check made after registering cannot miss
// a wake.
func (e *Endpoint) EventRegister(entry *waiter.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.EventRegister(entry)
	return nil
}

// EventUnregister implements waiter.Waitable.
func (e *Endpoint) EventUnregister(entry *waiter.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.EventUnregister(entry)
}

// hangup releases every registered observer without touching state.
func (e *Endpoint) hangup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.Notify(waiter.EventHUp | waiter.ReadableEvents)
}

// Snapshot is a consistent copy of an endpoint's fields.
type Snapshot struct {
	Protocol     Protocol         `json:"protocol"`
	Port         uint16           `json:"port"`
	State        transition.State `json:"state"`
	LastObserved transition.State `json:"last_observed"`
	Accepted     uint64           `json:"accepted"`
	Dropped      uint64           `json:"dropped"`
	Wakes        uint64           `json:"wakes"`
}

func (e *Endpoint) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Protocol:     e.Protocol,
		Port:         e.Port,
		State:        e.state,
		LastObserved: e.lastObserved,
		Accepted:     e.accepted,
		Dropped:      e.dropped,
		Wakes:        e.wakes,
	}
}
