package status

import (
	"testing"
	"time"

	"github.com/matheus3301/multichat/internal/bus"
)

// walkTo transitions the machine through the given states sequentially.
func walkTo(t *testing.T, m *Machine, states ...State) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
}

func TestInitialState(t *testing.T) {
	m := NewMachine("a1", nil)
	if m.Current() != Connecting {
		t.Errorf("initial state = %s, want CONNECTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Live}},
		{[]State{Live, Reconnecting, Connecting, Live}},
		{[]State{Reconnecting, Connecting}},
		{[]State{Unauthorized, Closed}},
		{[]State{Live, Closed}},
		{[]State{Live, Unauthorized}},
	}
	for _, tt := range tests {
		m := NewMachine("a1", nil)
		walkTo(t, m, tt.path...)
		if got, want := m.Current(), tt.path[len(tt.path)-1]; got != want {
			t.Errorf("state = %s, want %s", got, want)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	tests := []struct {
		name string
		path []State
		to   State
	}{
		{"connecting to connecting", nil, Connecting},
		{"reconnecting to live", []State{Reconnecting}, Live},
		{"closed is final", []State{Closed}, Connecting},
		{"unauthorized cannot reconnect", []State{Unauthorized}, Reconnecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("a1", nil)
			walkTo(t, m, tt.path...)
			before := m.Current()
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", before, tt.to)
			}
			if m.Current() != before {
				t.Errorf("state changed to %s after invalid transition", m.Current())
			}
		})
	}
}

func TestTransitionPublishesAccountEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("stream.", 10)
	defer unsub()

	m := NewMachine("acct-7", b)
	walkTo(t, m, Live)

	select {
	case evt := <-ch:
		if evt.AccountID != "acct-7" {
			t.Errorf("account = %q, want acct-7", evt.AccountID)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Connecting || change.To != Live {
			t.Errorf("change = %+v, want CONNECTING->LIVE", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stream.status event")
	}
}

func TestTerminal(t *testing.T) {
	for s, want := range map[State]bool{
		Connecting: false, Live: false, Reconnecting: false,
		Unauthorized: true, Closed: true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}
