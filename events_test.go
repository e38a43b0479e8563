package ivxp

import (
	"testing"
)

func TestEventBusSubscribeEmit(t *testing.T) {
	bus := NewEventBus()

	var got []Event
	unsub := bus.Subscribe(EventOrderPaid, func(ev Event) {
		got = append(got, ev)
	})

	bus.Emit(EventOrderPaid, "ivxp-1", PaymentSent{TxHash: "0xabc"})
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].Name != EventOrderPaid || got[0].OrderID != "ivxp-1" {
		t.Fatalf("Unexpected event: %+v", got[0])
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("Expected a timestamp on the event")
	}
	payload, ok := got[0].Payload.(PaymentSent)
	if !ok || payload.TxHash != "0xabc" {
		t.Fatalf("Expected the payload to be carried, got %+v", got[0].Payload)
	}

	// A different event name does not reach this handler.
	bus.Emit(EventOrderDelivered, "ivxp-1", nil)
	if len(got) != 1 {
		t.Fatalf("Expected 1 event after unrelated emit, got %d", len(got))
	}

	unsub()
	bus.Emit(EventOrderPaid, "ivxp-1", nil)
	if len(got) != 1 {
		t.Fatalf("Expected no events after unsubscribe, got %d", len(got))
	}

	// Unsubscribing twice is harmless.
	unsub()
}

func TestEventBusHandlerOrder(t *testing.T) {
	bus := NewEventBus()
	var order []int
	bus.Subscribe(EventOrderQuoted, func(Event) { order = append(order, 1) })
	bus.Subscribe(EventOrderQuoted, func(Event) { order = append(order, 2) })
	bus.Subscribe(EventOrderQuoted, func(Event) { order = append(order, 3) })

	bus.Emit(EventOrderQuoted, "ivxp-1", nil)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("Expected handlers to fire in registration order, got %v", order)
	}
}

func TestEventBusPanicIsolation(t *testing.T) {
	bus := NewEventBus()
	reached := false
	bus.Subscribe(EventDeliveryFailed, func(Event) { panic("observer bug") })
	bus.Subscribe(EventDeliveryFailed, func(Event) { reached = true })

	// Must not panic, and the second handler must still run.
	bus.Emit(EventDeliveryFailed, "ivxp-1", nil)
	if !reached {
		t.Fatal("Expected the handler after the panicking one to run")
	}
}

func TestEventBusSnapshotSemantics(t *testing.T) {
	bus := NewEventBus()

	// A handler that subscribes another handler mid-delivery: the new
	// handler must not see the in-flight event.
	lateCalls := 0
	firstCalls := 0
	bus.Subscribe(EventStatusChanged, func(Event) {
		firstCalls++
		if firstCalls == 1 {
			bus.Subscribe(EventStatusChanged, func(Event) { lateCalls++ })
		}
	})

	bus.Emit(EventStatusChanged, "ivxp-1", nil)
	if lateCalls != 0 {
		t.Fatalf("Expected the late subscriber to miss the in-flight event, got %d calls", lateCalls)
	}

	bus.Emit(EventStatusChanged, "ivxp-1", nil)
	if lateCalls != 1 {
		t.Fatalf("Expected the late subscriber to see the next event, got %d calls", lateCalls)
	}
}

func TestEventBusUnsubscribeDuringEmit(t *testing.T) {
	bus := NewEventBus()

	calls := 0
	var unsub2 func()
	bus.Subscribe(EventPushRetry, func(Event) { unsub2() })
	unsub2 = bus.Subscribe(EventPushRetry, func(Event) { calls++ })

	// The snapshot was taken before the first handler removed the second,
	// so the second still fires this time.
	bus.Emit(EventPushRetry, "ivxp-1", nil)
	if calls != 1 {
		t.Fatalf("Expected the snapshot to keep the removed handler for the in-flight event, got %d", calls)
	}

	bus.Emit(EventPushRetry, "ivxp-1", nil)
	if calls != 1 {
		t.Fatalf("Expected the removed handler to stay removed, got %d", calls)
	}
}

func TestEventBusSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	seen := make(map[string]int)
	unsub := bus.SubscribeAll(func(ev Event) { seen[ev.Name]++ })

	names := []string{
		EventOrderQuoted, EventPaymentSent, EventPaymentConfirmed, EventOrderPaid,
		EventOrderProcessing, EventOrderDelivered, EventDeliveryFailed,
		EventOrderConfirmed, EventStatusChanged, EventPushRetry,
	}
	for _, name := range names {
		bus.Emit(name, "ivxp-1", nil)
	}
	for _, name := range names {
		if seen[name] != 1 {
			t.Errorf("Expected 1 delivery for %s, got %d", name, seen[name])
		}
	}

	unsub()
	bus.Emit(EventOrderPaid, "ivxp-1", nil)
	if seen[EventOrderPaid] != 1 {
		t.Fatal("Expected SubscribeAll unsubscribe to detach every name")
	}
}

func TestEventBusNilHandler(t *testing.T) {
	bus := NewEventBus()
	unsub := bus.Subscribe(EventOrderPaid, nil)
	// Must be a no-op on both ends.
	bus.Emit(EventOrderPaid, "ivxp-1", nil)
	unsub()
}
