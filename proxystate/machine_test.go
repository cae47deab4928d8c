package proxystate

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_Transitions(t *testing.T) {
	m := NewMachine(nil)
	defer m.Close()

	assert.Equal(t, Deregistered, m.Get())

	require.True(t, m.Transition(Deregistered, Assigning))
	assert.Equal(t, Assigning, m.Get())

	// Guarded transition from the wrong state is refused.
	assert.False(t, m.Transition(Deregistered, Assigning))
	assert.Equal(t, Assigning, m.Get())

	m.Set(Assigned)
	m.Set(Registering)
	m.Set(Registered)
	assert.Equal(t, Registered, m.Get())
	assert.True(t, m.Is(Registered))
}

func TestMachine_WaitSatisfied(t *testing.T) {
	m := NewMachine(nil)
	defer m.Close()
	m.Set(Registering)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Set(Registered)
	}()

	state, ok := m.Wait(time.Second, func(s State) bool { return s == Registered })
	require.True(t, ok)
	assert.Equal(t, Registered, state)
}

func TestMachine_WaitTimeout(t *testing.T) {
	m := NewMachine(nil)
	defer m.Close()
	m.Set(Registering)

	start := time.Now()
	state, ok := m.Wait(30*time.Millisecond, func(s State) bool { return s == Registered })
	assert.False(t, ok)
	assert.Equal(t, Registering, state)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMachine_WatchdogRearmedPerPhase(t *testing.T) {
	var fired atomic.Int32
	m := NewMachine(func(State) { fired.Add(1) })
	defer m.Close()

	// Entering and leaving the phase before the timeout cancels the watchdog.
	m.Set(Assigning)
	m.Set(Assigned)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestMachine_StateStrings(t *testing.T) {
	assert.Equal(t, "deregistered", Deregistered.String())
	assert.Equal(t, "assigning", Assigning.String())
	assert.Equal(t, "assigned", Assigned.String())
	assert.Equal(t, "registering", Registering.String())
	assert.Equal(t, "registered", Registered.String())
}
