package endpoints

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/service"
)

type stubControllable struct {
	name   string
	status service.Status
}

func (s *stubControllable) Name() string { return s.name }

func (s *stubControllable) Start(context.Context) error {
	s.status = service.StatusRunning
	return nil
}

func (s *stubControllable) Stop(context.Context) error {
	s.status = service.StatusStopped
	return nil
}

func (s *stubControllable) Restart(context.Context) error {
	s.status = service.StatusRunning
	return nil
}

func (s *stubControllable) ResetCircuitBreaker() error {
	s.status = service.StatusRunning
	return nil
}

func (s *stubControllable) Status() service.Status { return s.status }

func (s *stubControllable) Metrics() map[string]any { return nil }

func adminHarness(t *testing.T) (*gateway.Server, *gateway.Endpoint, *service.Registry) {
	t.Helper()
	registry := service.NewRegistry()
	require.NoError(t, registry.Register(&stubControllable{name: "market_data_service", status: service.StatusStopped}))

	srv, ep := newHarness(t, gateway.EndpointConfig{
		Path:         "/ws/admin",
		AuthRequired: true,
		AuthMode:     auth.ModeAuto,
	}, NewAdmin(registry))
	return srv, ep, registry
}

func adminPrincipal() *auth.Principal {
	return &auth.Principal{Wallet: "admin-wallet", Role: auth.RoleAdmin}
}

func TestAdminAutoSubscribeAndStates(t *testing.T) {
	srv, ep, _ := adminHarness(t)
	cli := connect(t, ep, adminPrincipal())

	// OnConnection pushes a confirmation for the aggregate channel and
	// the current service states.
	confirmed := read(t, cli)
	assert.Equal(t, gateway.TypeSubscriptionConfirmed, confirmed.Type)
	assert.Equal(t, ChannelAdminServices, confirmed.Channel)

	states := read(t, cli)
	assert.Equal(t, "service_states", states.Type)

	var snaps []service.Snapshot
	require.NoError(t, json.Unmarshal(states.Data, &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "market_data_service", snaps[0].Name)
	assert.Equal(t, service.StatusStopped, snaps[0].Status)

	assert.Equal(t, 1, srv.Channels().Count(ChannelAdminServices))
}

func TestServiceCommandHappyPath(t *testing.T) {
	_, ep, registry := adminHarness(t)
	cli := connect(t, ep, adminPrincipal())
	read(t, cli) // subscription_confirmed
	read(t, cli) // service_states

	write(t, cli, "service_command", map[string]any{
		"serviceName": "market_data_service",
		"command":     "start",
	}, "r1")

	result := read(t, cli)
	assert.Equal(t, "service_command_result", result.Type)
	assert.Equal(t, "r1", result.RequestID)

	var payload struct {
		ServiceName string           `json:"serviceName"`
		Command     string           `json:"command"`
		Result      service.Snapshot `json:"result"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	assert.Equal(t, "market_data_service", payload.ServiceName)
	assert.Equal(t, service.StatusRunning, payload.Result.Status)

	// The new state is also broadcast on the aggregate channel the
	// admin joined at connect time.
	broadcast := read(t, cli)
	assert.Equal(t, "service_status", broadcast.Type)
	assert.Equal(t, ChannelAdminServices, broadcast.Channel)

	svc, ok := registry.GetService("market_data_service")
	require.True(t, ok)
	assert.Equal(t, service.StatusRunning, svc.Status())
}

func TestServiceCommandForbiddenForUsers(t *testing.T) {
	_, ep, _ := adminHarness(t)
	cli := connect(t, ep, &auth.Principal{Wallet: "user-wallet", Role: auth.RoleUser})

	write(t, cli, "service_command", map[string]any{
		"serviceName": "market_data_service",
		"command":     "start",
	}, "r1")

	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeForbidden, errCode(t, errMsg))
}

func TestServiceCommandUnknownService(t *testing.T) {
	_, ep, _ := adminHarness(t)
	cli := connect(t, ep, adminPrincipal())
	read(t, cli)
	read(t, cli)

	write(t, cli, "service_command", map[string]any{
		"serviceName": "ghost_service",
		"command":     "start",
	}, "r1")

	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeNotFound, errCode(t, errMsg))
}

func TestServiceCommandRejectsInvalidCommand(t *testing.T) {
	_, ep, _ := adminHarness(t)
	cli := connect(t, ep, adminPrincipal())
	read(t, cli)
	read(t, cli)

	write(t, cli, "service_command", map[string]any{
		"serviceName": "market_data_service",
		"command":     "self_destruct",
	}, "r1")

	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeInvalidMessage, errCode(t, errMsg))
}

func TestGetServicesRequiresAdmin(t *testing.T) {
	_, ep, _ := adminHarness(t)
	cli := connect(t, ep, &auth.Principal{Wallet: "user-wallet", Role: auth.RoleUser})

	write(t, cli, "get_services", nil, "r1")
	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeForbidden, errCode(t, errMsg))
}
