package endpoints

import (
	"encoding/json"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/gateway"
)

// Echo is the connectivity test harness: echo frames back, answer
// latency probes. Deployed on a public path so load tests and client
// debugging need no credentials.
type Echo struct {
	ep *gateway.Endpoint
}

var _ gateway.Handler = (*Echo)(nil)

// NewEcho creates the test endpoint handler.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string { return "test" }

func (e *Echo) OnInit(ep *gateway.Endpoint) error {
	e.ep = ep
	return nil
}

func (e *Echo) OnConnection(_ *gateway.Conn) {}

func (e *Echo) OnClose(_ *gateway.Conn) {}

func (e *Echo) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "echo":
		reply(c, "echo", json.RawMessage(msg.Data), msg.RequestID)
		return nil

	case "ping":
		reply(c, "pong", map[string]any{
			"server_time": time.Now().UTC().Format(time.RFC3339Nano),
		}, msg.RequestID)
		return nil

	default:
		return gateway.ErrUnhandledType
	}
}
