// Package bus implements the in-process event bus that couples backend
// domain services to the gateway endpoints.
//
// Delivery is synchronous, best-effort and in-order per publisher: a
// Publish call invokes every current subscriber on the caller's
// goroutine before returning. There is no persistence and no replay.
// A panicking subscriber is recovered and logged; delivery to the
// remaining subscribers continues.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-ws/internal/logging"
	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// Event names form a closed vocabulary. Publishing or subscribing with
// a name outside this set is logged as a programming error.
const (
	EventMarketBroadcast      = "market:broadcast"
	EventTerminalBroadcast    = "terminal:broadcast"
	EventTradeExecuted        = "trade:executed"
	EventPortfolioUpdated     = "portfolio:updated"
	EventBalanceUpdated       = "balance:updated"
	EventTransactionConfirmed = "transaction:confirmed"
	EventServiceStatusUpdate  = "service:status:update"
	EventServiceError         = "service:error"
	EventServiceInitialized   = "service:initialized"
	EventServiceCircuit       = "service:circuit_breaker"
	EventMaintenanceUpdate    = "maintenance:update"
	EventSystemSettingsUpdate = "system:settings:update"
)

var knownEvents = map[string]bool{
	EventMarketBroadcast:      true,
	EventTerminalBroadcast:    true,
	EventTradeExecuted:        true,
	EventPortfolioUpdated:     true,
	EventBalanceUpdated:       true,
	EventTransactionConfirmed: true,
	EventServiceStatusUpdate:  true,
	EventServiceError:         true,
	EventServiceInitialized:   true,
	EventServiceCircuit:       true,
	EventMaintenanceUpdate:    true,
	EventSystemSettingsUpdate: true,
}

// Known reports whether name belongs to the closed event vocabulary.
func Known(name string) bool { return knownEvents[name] }

// Event is what subscribers receive. Payload shape is event-specific
// and opaque to the bus.
type Event struct {
	Name    string
	Payload any
}

// Handler consumes one event. Handlers must return quickly or schedule
// their own background work; dispatch runs on the publisher goroutine.
type Handler func(Event)

type subscriber struct {
	id int64
	fn Handler
}

// Bus is the process-wide pub/sub primitive. Zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID int64
	closed bool
	logger zerolog.Logger
}

// New creates an event bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscriber),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers fn for the named event and returns an
// unsubscribe function. Subscribing after Close is a no-op.
func (b *Bus) Subscribe(name string, fn Handler) (unsubscribe func()) {
	if !Known(name) {
		b.logger.Warn().Str("event", name).Msg("Subscribe to unknown event name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[name]) == 0 {
			delete(b.subs, name)
		}
	}
}

// Publish delivers the event to every current subscriber, in
// subscription order, on the calling goroutine.
func (b *Bus) Publish(name string, payload any) {
	if !Known(name) {
		b.logger.Warn().Str("event", name).Msg("Publish of unknown event name")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot so subscribers may unsubscribe from inside a handler
	// without deadlocking.
	list := make([]subscriber, len(b.subs[name]))
	copy(list, b.subs[name])
	b.mu.RUnlock()

	metrics.BusEventPublished(name)

	for _, s := range list {
		b.dispatch(name, s, Event{Name: name, Payload: payload})
	}
}

func (b *Bus) dispatch(name string, s subscriber, ev Event) {
	defer logging.RecoverPanic(b.logger, "bus.dispatch", map[string]any{
		"event":         name,
		"subscriber_id": s.id,
	})
	s.fn(ev)
}

// SubscriberCount returns the number of subscribers for an event name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Close unregisters every subscriber and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]subscriber)
}
