package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	b.Publish(Event{Kind: ChatUpdated, AccountID: "a1", ChatID: "c1"})

	select {
	case evt := <-ch:
		if evt.Kind != ChatUpdated {
			t.Errorf("got kind %q, want %s", evt.Kind, ChatUpdated)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: AccountAdded})
	b.Publish(Event{Kind: MessageUpserted})

	select {
	case evt := <-ch:
		if evt.Kind != MessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAccountFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeAccount("", "a2", 10)
	defer unsub()

	b.Publish(Event{Kind: ChatUpdated, AccountID: "a1"})
	b.Publish(Event{Kind: ChatUpdated, AccountID: "a2"})

	evt := <-ch
	if evt.AccountID != "a2" {
		t.Errorf("account = %q, want a2", evt.AccountID)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for other account: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: ChatUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("badge.", 1)
	defer unsub()

	b.Publish(Event{Kind: BadgeChanged, AccountID: "one"})
	b.Publish(Event{Kind: BadgeChanged, AccountID: "two"})

	evt := <-ch
	if evt.AccountID != "one" {
		t.Errorf("got %q, want one", evt.AccountID)
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: ChatUpdated})
}
