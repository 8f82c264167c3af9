package endpoints

import (
	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/service"
)

// ChannelSkyDuel carries the unified service-infrastructure view.
const ChannelSkyDuel = "admin.skyduel"

// SkyDuel is the admin-only composite infrastructure console: one
// channel aggregating every service's state, circuit events included.
type SkyDuel struct {
	services *service.Registry

	ep     *gateway.Endpoint
	unsubs []func()
}

var (
	_ gateway.Handler        = (*SkyDuel)(nil)
	_ gateway.CleanupHandler = (*SkyDuel)(nil)
)

// NewSkyDuel creates the skyduel endpoint handler.
func NewSkyDuel(services *service.Registry) *SkyDuel {
	return &SkyDuel{services: services}
}

func (s *SkyDuel) Name() string { return "skyduel" }

func (s *SkyDuel) OnInit(ep *gateway.Endpoint) error {
	s.ep = ep
	b := ep.Server().Bus()
	s.unsubs = append(s.unsubs,
		b.Subscribe(bus.EventServiceStatusUpdate, s.relay("service_status")),
		b.Subscribe(bus.EventServiceInitialized, s.relay("service_initialized")),
		b.Subscribe(bus.EventServiceError, s.relay("service_error")),
		b.Subscribe(bus.EventServiceCircuit, s.relay("service_circuit_breaker")),
	)
	return nil
}

func (s *SkyDuel) relay(msgType string) bus.Handler {
	return func(ev bus.Event) {
		s.ep.Server().BroadcastPayload(ChannelSkyDuel, msgType, ev.Payload)
	}
}

// OnConnection auto-subscribes admins and sends the full state as the
// opening frame. Non-admins were already rejected by the endpoint's
// auth policy, but the role gate here keeps a plain authenticated user
// out of the console.
func (s *SkyDuel) OnConnection(c *gateway.Conn) {
	p := c.Principal()
	if p == nil || !p.Role.IsAdmin() {
		c.SendError(gateway.ErrCodeForbidden, "Admin role required", "")
		return
	}
	s.ep.Subscribe(c, ChannelSkyDuel, "")
	reply(c, "service_states", s.services.Snapshots(), "")
}

func (s *SkyDuel) OnClose(_ *gateway.Conn) {}

func (s *SkyDuel) OnCleanup() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *SkyDuel) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "get_state":
		p := c.Principal()
		if p == nil || !p.Role.IsAdmin() {
			c.SendError(gateway.ErrCodeForbidden, "Admin role required", msg.RequestID)
			return nil
		}
		reply(c, "service_states", s.services.Snapshots(), msg.RequestID)
		return nil
	default:
		return gateway.ErrUnhandledType
	}
}
