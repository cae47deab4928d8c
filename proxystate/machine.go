package proxystate

import (
	"sync"
	"time"
)

// State is one phase of the proxy registration lifecycle.
type State int

const (
	Deregistered State = iota
	Assigning
	Assigned
	Registering
	Registered
)

func (s State) String() string {
	switch s {
	case Assigning:
		return "assigning"
	case Assigned:
		return "assigned"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	default:
		return "deregistered"
	}
}

// WatchdogTimeout bounds the assign and register phases. On expiry the
// machine calls the expire callback, which restarts the transport sender.
const WatchdogTimeout = 3 * time.Second

// Machine is the registration state machine. It serializes transitions
// under one mutex and signals a condition variable on every change so
// stop() can wait for a phase to settle with a bounded timeout.
type Machine struct {
	mu   sync.Mutex
	cond *sync.Cond

	state State

	// watchdog is the single reusable phase timer; rearmed on every
	// transition into Assigning or Registering, stopped on any other.
	watchdog *time.Timer
	// generation invalidates a stale watchdog firing after rearm.
	generation uint64

	onExpire func(State)
}

// NewMachine creates a machine in Deregistered. onExpire is invoked (on a
// timer goroutine, without the machine lock held) when an assign or
// register phase outlives WatchdogTimeout.
func NewMachine(onExpire func(State)) *Machine {
	m := &Machine{onExpire: onExpire}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Get returns the current state.
func (m *Machine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine currently holds s.
func (m *Machine) Is(s State) bool {
	return m.Get() == s
}

// Set transitions to next unconditionally, managing the phase watchdog and
// waking any stop-waiters. It returns the previous state.
func (m *Machine) Set(next State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(next)
}

// Transition moves to next only when the machine currently holds from,
// reporting whether the transition happened. This is the guard the
// assign path uses so a concurrent re-entry cannot start a second
// assignment cycle.
func (m *Machine) Transition(from, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.setLocked(next)
	return true
}

func (m *Machine) setLocked(next State) State {
	prev := m.state
	m.state = next
	m.generation++
	gen := m.generation

	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if next == Assigning || next == Registering {
		m.watchdog = time.AfterFunc(WatchdogTimeout, func() {
			m.expire(gen, next)
		})
	}

	m.cond.Broadcast()
	return prev
}

func (m *Machine) expire(gen uint64, phase State) {
	m.mu.Lock()
	stale := m.generation != gen
	m.mu.Unlock()
	if stale || m.onExpire == nil {
		return
	}
	m.onExpire(phase)
}

// Wait blocks until pred(state) holds or timeout elapses, returning the
// state observed last and whether pred was satisfied. Used by stop() to
// let an in-flight registration settle before deregistering.
func (m *Machine) Wait(timeout time.Duration, pred func(State) bool) (State, bool) {
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	for !pred(m.state) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return m.state, false
		}
		// sync.Cond has no timed wait; wake the waiter when the deadline
		// passes so the loop can observe it.
		t := time.AfterFunc(remaining, m.cond.Broadcast)
		m.cond.Wait()
		t.Stop()
	}
	return m.state, true
}

// Close stops the watchdog; the machine must not be used afterwards.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.cond.Broadcast()
}
