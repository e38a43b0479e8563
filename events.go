package ivxp

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names emitted by the engines.
const (
	EventOrderQuoted      = "order.quoted"
	EventPaymentSent      = "payment.sent"
	EventPaymentConfirmed = "payment.confirmed"
	EventOrderPaid        = "order.paid"
	EventOrderProcessing  = "order.processing"
	EventOrderDelivered   = "order.delivered"
	EventDeliveryFailed   = "delivery.failed"
	EventOrderConfirmed   = "order.confirmed"
	EventStatusChanged    = "status.changed"
	EventPushRetry        = "push.retry"
)

// Event is a point-in-time observation of protocol progress.
type Event struct {
	Name      string
	OrderID   string
	Timestamp time.Time
	Payload   any
}

// StatusChange is the payload of a status.changed event.
type StatusChange struct {
	Previous OrderStatus
	New      OrderStatus
}

// PaymentSent is the payload of a payment.sent event.
type PaymentSent struct {
	TxHash string
	To     string
	Amount string
}

// PushRetry is the payload of a push.retry event.
type PushRetry struct {
	Attempt    int
	MaxRetries int
	Reason     string
}

// DeliveryResult is the payload of order.delivered and delivery.failed
// events.
type DeliveryResult struct {
	ContentHash string
	Pushed      bool
	Attempts    int
	Reason      string
}

// EventHandler observes an event. Handlers run synchronously on the
// emitting goroutine and must not block protocol flow.
type EventHandler func(Event)

type busSubscription struct {
	id      uint64
	handler EventHandler
}

// EventBus is a synchronous publish/subscribe channel between an engine and
// its observers. Each engine owns its own instance; there is no process-wide
// bus.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]busSubscription
	log    zerolog.Logger
}

// NewEventBus returns an empty bus. Diagnostics go nowhere until SetLogger.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]busSubscription),
		log:  zerolog.Nop(),
	}
}

// SetLogger routes handler-panic diagnostics to the given logger.
func (b *EventBus) SetLogger(log zerolog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = log
}

// Subscribe registers a handler for an event name and returns its
// unsubscribe func. Handlers fire in registration order.
func (b *EventBus) Subscribe(name string, handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], busSubscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, s := range subs {
			if s.id == id {
				b.subs[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every engine event name.
func (b *EventBus) SubscribeAll(handler EventHandler) func() {
	names := []string{
		EventOrderQuoted, EventPaymentSent, EventPaymentConfirmed, EventOrderPaid,
		EventOrderProcessing, EventOrderDelivered, EventDeliveryFailed,
		EventOrderConfirmed, EventStatusChanged, EventPushRetry,
	}
	unsubs := make([]func(), 0, len(names))
	for _, name := range names {
		unsubs = append(unsubs, b.Subscribe(name, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Emit delivers an event to the handlers subscribed at the moment of
// emission. Handlers registered or removed mid-delivery do not affect the
// in-flight snapshot. A panicking handler is logged and skipped; it never
// disturbs protocol execution or later handlers.
func (b *EventBus) Emit(name, orderID string, payload any) {
	b.mu.RLock()
	subs := b.subs[name]
	snapshot := make([]EventHandler, len(subs))
	for i, s := range subs {
		snapshot[i] = s.handler
	}
	log := b.log
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	ev := Event{Name: name, OrderID: orderID, Timestamp: time.Now().UTC(), Payload: payload}
	for _, h := range snapshot {
		b.invoke(h, ev, log)
	}
}

func (b *EventBus) invoke(h EventHandler, ev Event, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("event", ev.Name).
				Str("order_id", ev.OrderID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
