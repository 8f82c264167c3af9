// Package ingest bridges the NATS backbone onto the internal event
// bus. Backend domain services publish under the backend.> subject
// space; each subject maps 1:1 onto a bus event name.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/metrics"
	"github.com/BranchManager69/degenduel-ws/internal/service"
)

const (
	// subjectPrefix scopes all backend traffic. backend.market.broadcast
	// maps to the bus event market:broadcast, and so on.
	subjectPrefix = "backend."
	subjectWild   = "backend.>"
)

// subjectToEvent converts a NATS subject into a bus event name.
func subjectToEvent(subject string) string {
	trimmed := strings.TrimPrefix(subject, subjectPrefix)
	return strings.ReplaceAll(trimmed, ".", ":")
}

// Bridge consumes backend subjects and republishes them as bus events.
// It registers with the service control plane so operators can bounce
// the ingest path without restarting the gateway.
type Bridge struct {
	url    string
	bus    *bus.Bus
	logger zerolog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription

	status atomic.Value // service.Status

	eventsIn      atomic.Int64
	decodeErrors  atomic.Int64
	droppedEvents atomic.Int64
	reconnects    atomic.Int64
}

var _ service.Controllable = (*Bridge)(nil)

// NewBridge creates an unstarted bridge.
func NewBridge(url string, b *bus.Bus, logger zerolog.Logger) *Bridge {
	br := &Bridge{
		url:    url,
		bus:    b,
		logger: logger.With().Str("component", "nats_ingest").Logger(),
	}
	br.status.Store(service.StatusStopped)
	return br
}

// Name implements service.Controllable.
func (b *Bridge) Name() string { return "nats_ingest" }

// Status implements service.Controllable.
func (b *Bridge) Status() service.Status {
	return b.status.Load().(service.Status)
}

// Metrics implements service.Controllable.
func (b *Bridge) Metrics() map[string]any {
	return map[string]any{
		"events_in":      b.eventsIn.Load(),
		"decode_errors":  b.decodeErrors.Load(),
		"dropped_events": b.droppedEvents.Load(),
		"reconnects":     b.reconnects.Load(),
		"connected":      b.Status() == service.StatusRunning,
	}
}

// Start connects and subscribes. Idempotent; a running bridge stays
// running.
func (b *Bridge) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	b.status.Store(service.StatusInitializing)

	conn, err := nats.Connect(b.url,
		nats.Name("degenduel-ws"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.SetNATSConnected(false)
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.reconnects.Add(1)
			metrics.NATSReconnected()
			metrics.SetNATSConnected(true)
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			metrics.SetNATSConnected(false)
			b.logger.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		b.status.Store(service.StatusError)
		return fmt.Errorf("connect to NATS at %s: %w", b.url, err)
	}

	sub, err := conn.Subscribe(subjectWild, b.handleMessage)
	if err != nil {
		conn.Close()
		b.status.Store(service.StatusError)
		return fmt.Errorf("subscribe %s: %w", subjectWild, err)
	}

	b.conn = conn
	b.sub = sub
	b.status.Store(service.StatusRunning)
	metrics.SetNATSConnected(true)

	b.logger.Info().
		Str("url", b.url).
		Str("subject", subjectWild).
		Msg("NATS ingest started")
	return nil
}

// Stop drains the subscription and closes the connection.
func (b *Bridge) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		_ = b.sub.Drain()
		b.sub = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.status.Store(service.StatusStopped)
	metrics.SetNATSConnected(false)
	b.logger.Info().Msg("NATS ingest stopped")
	return nil
}

// Restart bounces the connection.
func (b *Bridge) Restart(ctx context.Context) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	return b.Start(ctx)
}

// ResetCircuitBreaker clears the failure counters. The bridge has no
// standing breaker of its own; reconnects are delegated to the client
// library.
func (b *Bridge) ResetCircuitBreaker() error {
	b.decodeErrors.Store(0)
	b.droppedEvents.Store(0)
	if b.Status() == service.StatusError {
		b.status.Store(service.StatusStopped)
	}
	return nil
}

func (b *Bridge) handleMessage(m *nats.Msg) {
	b.eventsIn.Add(1)

	name := subjectToEvent(m.Subject)
	if !bus.Known(name) {
		b.droppedEvents.Add(1)
		b.logger.Warn().
			Str("subject", m.Subject).
			Str("event", name).
			Msg("Dropping message outside the event vocabulary")
		return
	}

	var payload any
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &payload); err != nil {
			b.decodeErrors.Add(1)
			b.logger.Warn().
				Err(err).
				Str("subject", m.Subject).
				Int("bytes", len(m.Data)).
				Msg("Dropping undecodable message")
			return
		}
	}

	b.bus.Publish(name, payload)
}
