package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/multichat/internal/bus"
)

// State is the connection state of one account's event stream.
type State string

const (
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Unauthorized State = "UNAUTHORIZED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Connecting:   {Live, Reconnecting, Unauthorized, Closed},
	Live:         {Reconnecting, Unauthorized, Closed},
	Reconnecting: {Connecting, Closed},
	Unauthorized: {Closed},
	Closed:       {},
}

// Machine tracks and enforces the stream state of a single account.
type Machine struct {
	mu        sync.RWMutex
	accountID string
	current   State
	since     time.Time
	bus       *bus.Bus
}

// NewMachine creates a machine for accountID starting in Connecting.
func NewMachine(accountID string, b *bus.Bus) *Machine {
	return &Machine{
		accountID: accountID,
		current:   Connecting,
		since:     time.Now(),
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid stream transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      bus.StreamStatus,
		AccountID: m.accountID,
		Timestamp: m.since,
		Payload:   StatusChange{From: from, To: to},
	})
	return nil
}

// Terminal reports whether no further transitions besides Closed are possible.
func (s State) Terminal() bool {
	return s == Closed || s == Unauthorized
}

// StatusChange is the payload for stream status events.
type StatusChange struct {
	From State
	To   State
}
