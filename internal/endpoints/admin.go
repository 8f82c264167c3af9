package endpoints

import (
	"context"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/service"
)

// serviceChannelPrefix scopes per-service status channels, e.g.
// admin.services.market_data_service.
const serviceChannelPrefix = "admin.services."

const commandTimeout = 10 * time.Second

// Admin is the service control plane: admins subscribe to service
// channels and issue lifecycle commands against registered backend
// services.
type Admin struct {
	services *service.Registry

	ep *gateway.Endpoint
}

var _ gateway.Handler = (*Admin)(nil)

// NewAdmin creates the admin endpoint handler.
func NewAdmin(services *service.Registry) *Admin {
	return &Admin{services: services}
}

func (a *Admin) Name() string { return "admin" }

func (a *Admin) OnInit(ep *gateway.Endpoint) error {
	a.ep = ep
	return nil
}

// OnConnection auto-subscribes the admin to the aggregate services
// channel and pushes the current service states.
func (a *Admin) OnConnection(c *gateway.Conn) {
	p := c.Principal()
	if p == nil || !p.Role.IsAdmin() {
		return
	}
	a.ep.Subscribe(c, ChannelAdminServices, "")
	reply(c, "service_states", a.services.Snapshots(), "")
}

func (a *Admin) OnClose(_ *gateway.Conn) {}

func (a *Admin) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "service_command":
		return a.serviceCommand(c, msg)
	case "get_services":
		return a.getServices(c, msg)
	default:
		return gateway.ErrUnhandledType
	}
}

type serviceCommandRequest struct {
	ServiceName string `json:"serviceName"`
	Command     string `json:"command"`
}

type serviceCommandResult struct {
	ServiceName string           `json:"serviceName"`
	Command     string           `json:"command"`
	Result      service.Snapshot `json:"result"`
}

// serviceCommand executes one lifecycle command. Every command is
// logged with the issuing principal; the resulting state is broadcast
// on the service's channel and the aggregate channel.
func (a *Admin) serviceCommand(c *gateway.Conn, msg gateway.Message) error {
	p := c.Principal()
	if p == nil || !p.Role.IsAdmin() {
		c.SendError(gateway.ErrCodeForbidden, "Admin role required", msg.RequestID)
		return nil
	}

	var req serviceCommandRequest
	if err := decodeData(msg, &req); err != nil || req.ServiceName == "" || req.Command == "" {
		c.SendError(gateway.ErrCodeInvalidMessage, "service_command requires serviceName and command", msg.RequestID)
		return nil
	}
	if !service.ValidCommand(req.Command) {
		c.SendError(gateway.ErrCodeInvalidMessage, "Unknown command: "+req.Command, msg.RequestID)
		return nil
	}
	if _, ok := a.services.GetService(req.ServiceName); !ok {
		c.SendError(gateway.ErrCodeNotFound, "Unknown service: "+req.ServiceName, msg.RequestID)
		return nil
	}

	logger := a.ep.Logger()
	logger.Info().
		Str("wallet", p.Wallet).
		Str("role", string(p.Role)).
		Str("service", req.ServiceName).
		Str("command", req.Command).
		Msg("Service command issued")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	snapshot, err := a.services.Execute(ctx, req.ServiceName, req.Command)
	if err != nil {
		logger.Error().
			Err(err).
			Str("service", req.ServiceName).
			Str("command", req.Command).
			Msg("Service command failed")
		c.SendError(gateway.ErrCodeServerError, "Command failed: "+err.Error(), msg.RequestID)
		return nil
	}

	reply(c, "service_command_result", serviceCommandResult{
		ServiceName: req.ServiceName,
		Command:     req.Command,
		Result:      snapshot,
	}, msg.RequestID)

	srv := a.ep.Server()
	srv.BroadcastPayload(serviceChannelPrefix+req.ServiceName, "service_status", snapshot)
	srv.BroadcastPayload(ChannelAdminServices, "service_status", snapshot)
	return nil
}

func (a *Admin) getServices(c *gateway.Conn, msg gateway.Message) error {
	p := c.Principal()
	if p == nil || !p.Role.IsAdmin() {
		c.SendError(gateway.ErrCodeForbidden, "Admin role required", msg.RequestID)
		return nil
	}
	reply(c, "service_states", a.services.Snapshots(), msg.RequestID)
	return nil
}
