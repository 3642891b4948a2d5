// Package transition holds the per-endpoint readiness state machine.
// It is pure logic: no locks, no I/O. Callers own serialization.
package transition

import "fmt"

// State is the readiness state of one (protocol, port) endpoint.
type State uint8

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

var stateName = map[State]string{
	Stopped:  "stopped",
	Starting: "starting",
	Started:  "started",
	Stopping: "stopping",
}

func (s State) String() string {
	if name, ok := stateName[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	return s <= Stopping
}

// Digit returns the single-byte channel encoding of s ('0'..'3').
func (s State) Digit() byte {
	return '0' + byte(s)
}

// ParseDigit decodes a channel byte into a State.
func ParseDigit(b byte) (State, error) {
	if b < '0' || b > '3' {
		return 0, fmt.Errorf("%w: %q is not a state digit", ErrMalformedInput, b)
	}
	return State(b - '0'), nil
}

// Verdict is the admission decision for one packet.
type Verdict uint8

const (
	Accept Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "accept"
}

// OnPacket applies a packet arrival to the current state.
//
//	stopped  -> starting  drop
//	starting -> starting  drop
//	started  -> started   accept
//	stopping -> started   accept
func OnPacket(cur State) (State, Verdict) {
	switch cur {
	case Stopped:
		return Starting, Drop
	case Starting:
		return Starting, Drop
	case Started:
		return Started, Accept
	case Stopping:
		return Started, Accept
	}
	// unreachable for a valid state; fail open and leave it alone
	return cur, Accept
}

// OnWrite applies a control-plane write. The target replaces the current
// state unconditionally once it is known to be valid.
func OnWrite(cur, target State) (State, error) {
	if !target.Valid() {
		return cur, fmt.Errorf("%w: %s", ErrMalformedInput, target)
	}
	return target, nil
}

// Wakes reports whether entering next must release blocked observers.
// Only the states that need controller action wake anybody.
func Wakes(next State) bool {
	return next == Starting || next == Stopping
}
