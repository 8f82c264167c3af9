package endpoints

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/store"
)

// Monitor channels. Admins are auto-subscribed to the admin set;
// anonymous connections only ever see the background scene.
const (
	ChannelSystemStatus    = "public.system_status"
	ChannelMaintenance     = "public.maintenance"
	ChannelBackgroundScene = "public.background_scene"
	ChannelAdminServices   = "admin.services"
	ChannelAdminSystem     = "admin.system"
)

// errorRingSize bounds the retained recent-error history.
const errorRingSize = 100

const settingsQueryTimeout = 3 * time.Second

// backgroundSceneKey is the settings entry driving the public
// background scene channel.
const backgroundSceneKey = "background_scene"

// recordedError is one entry in the recent-error ring.
type recordedError struct {
	Service string `json:"service,omitempty"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// Monitor caches system state (status, maintenance flag, settings,
// per-service health) and relays the operational bus events. It also
// keeps a bounded ring of recent service errors for the errors_recent
// query.
type Monitor struct {
	settings store.SettingsStore

	mu            sync.Mutex
	systemStatus  any
	maintenance   any
	settingsCache map[string]json.RawMessage
	serviceHealth map[string]any
	errorRing     []recordedError
	errorNext     int

	ep     *gateway.Endpoint
	unsubs []func()
}

var (
	_ gateway.Handler        = (*Monitor)(nil)
	_ gateway.CleanupHandler = (*Monitor)(nil)
)

// NewMonitor creates the monitor endpoint handler.
func NewMonitor(settings store.SettingsStore) *Monitor {
	return &Monitor{
		settings:      settings,
		settingsCache: make(map[string]json.RawMessage),
		serviceHealth: make(map[string]any),
		errorRing:     make([]recordedError, 0, errorRingSize),
	}
}

func (m *Monitor) Name() string { return "monitor" }

func (m *Monitor) OnInit(ep *gateway.Endpoint) error {
	m.ep = ep
	b := ep.Server().Bus()
	m.unsubs = append(m.unsubs,
		b.Subscribe(bus.EventMaintenanceUpdate, m.onMaintenanceUpdate),
		b.Subscribe(bus.EventSystemSettingsUpdate, m.onSettingsUpdate),
		b.Subscribe(bus.EventServiceStatusUpdate, m.onServiceStatus),
		b.Subscribe(bus.EventServiceInitialized, m.onServiceStatus),
		b.Subscribe(bus.EventServiceError, m.onServiceError),
		b.Subscribe(bus.EventServiceCircuit, m.onServiceCircuit),
	)
	return nil
}

// OnConnection auto-subscribes by role: admins get the full admin
// view, authenticated users the public system channels, anonymous
// connections only the background scene.
func (m *Monitor) OnConnection(c *gateway.Conn) {
	if p := c.Principal(); p != nil && p.Role.IsAdmin() {
		m.ep.Subscribe(c, ChannelAdminServices, "")
		m.ep.Subscribe(c, ChannelAdminSystem, "")
		m.ep.Subscribe(c, ChannelSystemStatus, "")
		m.ep.Subscribe(c, ChannelMaintenance, "")
		return
	}
	if c.Authenticated() {
		m.ep.Subscribe(c, ChannelSystemStatus, "")
		m.ep.Subscribe(c, ChannelMaintenance, "")
		return
	}
	m.ep.Subscribe(c, ChannelBackgroundScene, "")
}

func (m *Monitor) OnClose(_ *gateway.Conn) {}

func (m *Monitor) OnCleanup() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

func (m *Monitor) onMaintenanceUpdate(ev bus.Event) {
	m.mu.Lock()
	m.maintenance = ev.Payload
	m.mu.Unlock()

	m.ep.Server().BroadcastPayload(ChannelMaintenance, "maintenance_update", ev.Payload)
}

func (m *Monitor) onSettingsUpdate(ev bus.Event) {
	// A settings push replaces the cached copy of the changed key and
	// feeds the background scene channel when that key changed.
	payload, ok := ev.Payload.(map[string]any)
	if ok {
		if key, _ := payload["key"].(string); key != "" {
			raw, err := json.Marshal(payload["value"])
			if err == nil {
				m.mu.Lock()
				m.settingsCache[key] = raw
				m.mu.Unlock()
			}
			if key == backgroundSceneKey {
				m.ep.Server().BroadcastPayload(ChannelBackgroundScene, "settings_update", ev.Payload)
			}
		}
	}
	m.ep.Server().BroadcastPayload(ChannelAdminSystem, "settings_update", ev.Payload)
}

func (m *Monitor) onServiceStatus(ev bus.Event) {
	if payload, ok := ev.Payload.(map[string]any); ok {
		if name, _ := payload["service"].(string); name != "" {
			m.mu.Lock()
			m.serviceHealth[name] = ev.Payload
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			m.systemStatus = ev.Payload
			m.mu.Unlock()
		}
	}

	srv := m.ep.Server()
	srv.BroadcastPayload(ChannelSystemStatus, "service_status", ev.Payload)
	srv.BroadcastPayload(ChannelAdminServices, "service_status", ev.Payload)
}

func (m *Monitor) onServiceError(ev bus.Event) {
	entry := recordedError{At: time.Now().UTC().Format(time.RFC3339)}
	if payload, ok := ev.Payload.(map[string]any); ok {
		entry.Service, _ = payload["service"].(string)
		entry.Message, _ = payload["message"].(string)
	}

	m.mu.Lock()
	if len(m.errorRing) < errorRingSize {
		m.errorRing = append(m.errorRing, entry)
	} else {
		m.errorRing[m.errorNext] = entry
	}
	m.errorNext = (m.errorNext + 1) % errorRingSize
	m.mu.Unlock()

	m.ep.Server().BroadcastPayload(ChannelAdminServices, "service_error", ev.Payload)
}

func (m *Monitor) onServiceCircuit(ev bus.Event) {
	m.ep.Server().BroadcastPayload(ChannelAdminServices, "service_circuit_breaker", ev.Payload)
}

func (m *Monitor) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "get_status":
		m.mu.Lock()
		status := m.systemStatus
		m.mu.Unlock()
		reply(c, "system_status", status, msg.RequestID)
		return nil

	case "get_maintenance":
		m.mu.Lock()
		maintenance := m.maintenance
		m.mu.Unlock()
		reply(c, "maintenance_status", maintenance, msg.RequestID)
		return nil

	case "get_setting":
		return m.getSetting(c, msg)

	case "get_service_health":
		if p := c.Principal(); p == nil || !p.Role.IsAdmin() {
			c.SendError(gateway.ErrCodeForbidden, "Admin role required", msg.RequestID)
			return nil
		}
		m.mu.Lock()
		health := make(map[string]any, len(m.serviceHealth))
		for k, v := range m.serviceHealth {
			health[k] = v
		}
		m.mu.Unlock()
		reply(c, "service_health", health, msg.RequestID)
		return nil

	case "errors_recent":
		if p := c.Principal(); p == nil || !p.Role.IsAdmin() {
			c.SendError(gateway.ErrCodeForbidden, "Admin role required", msg.RequestID)
			return nil
		}
		reply(c, "errors_recent", m.recentErrors(), msg.RequestID)
		return nil

	default:
		return gateway.ErrUnhandledType
	}
}

type settingRequest struct {
	Key string `json:"key"`
}

// getSetting serves from cache, falling back to the settings store.
// Anonymous connections may only read the background scene.
func (m *Monitor) getSetting(c *gateway.Conn, msg gateway.Message) error {
	var req settingRequest
	if err := decodeData(msg, &req); err != nil || req.Key == "" {
		c.SendError(gateway.ErrCodeInvalidMessage, "get_setting requires a key", msg.RequestID)
		return nil
	}
	if !c.Authenticated() && req.Key != backgroundSceneKey {
		c.SendError(gateway.ErrCodeForbidden, "Setting not readable anonymously", msg.RequestID)
		return nil
	}

	m.mu.Lock()
	raw, ok := m.settingsCache[req.Key]
	m.mu.Unlock()

	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), settingsQueryTimeout)
		defer cancel()

		fetched, err := m.settings.GetSetting(ctx, req.Key)
		if err != nil {
			c.SendError(gateway.ErrCodeNotFound, "Unknown setting: "+req.Key, msg.RequestID)
			return nil
		}
		m.mu.Lock()
		m.settingsCache[req.Key] = fetched
		m.mu.Unlock()
		raw = fetched
	}

	reply(c, "setting_value", map[string]any{"key": req.Key, "value": json.RawMessage(raw)}, msg.RequestID)
	return nil
}

// recentErrors returns the ring contents oldest-first.
func (m *Monitor) recentErrors() []recordedError {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]recordedError, 0, len(m.errorRing))
	if len(m.errorRing) < errorRingSize {
		out = append(out, m.errorRing...)
		return out
	}
	out = append(out, m.errorRing[m.errorNext:]...)
	out = append(out, m.errorRing[:m.errorNext]...)
	return out
}
