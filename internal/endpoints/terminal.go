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

// ChannelTerminal carries terminal content pushes.
const ChannelTerminal = "public.terminal"

const (
	terminalContentKey   = "terminal_content"
	terminalCacheTTL     = 5 * time.Minute
	terminalQueryTimeout = 3 * time.Second
)

// Terminal serves the pre-computed terminal content bundle. The
// bundle is cached for five minutes, re-cached on terminal:broadcast,
// and sent as an initial frame to every new connection.
type Terminal struct {
	settings store.SettingsStore

	mu    sync.Mutex
	cache cacheEntry[json.RawMessage]

	ep     *gateway.Endpoint
	unsubs []func()
}

var (
	_ gateway.Handler        = (*Terminal)(nil)
	_ gateway.CleanupHandler = (*Terminal)(nil)
)

// NewTerminal creates the terminal endpoint handler.
func NewTerminal(settings store.SettingsStore) *Terminal {
	return &Terminal{settings: settings}
}

func (t *Terminal) Name() string { return "terminal" }

func (t *Terminal) OnInit(ep *gateway.Endpoint) error {
	t.ep = ep
	t.unsubs = append(t.unsubs,
		ep.Server().Bus().Subscribe(bus.EventTerminalBroadcast, t.onTerminalBroadcast),
	)
	return nil
}

// OnConnection sends the cached bundle as the first data frame.
func (t *Terminal) OnConnection(c *gateway.Conn) {
	bundle, err := t.contentBundle()
	if err != nil {
		logger := t.ep.Logger()
		logger.Warn().Err(err).Msg("Terminal bundle unavailable for initial frame")
		return
	}
	reply(c, "terminal_content", json.RawMessage(bundle), "")
}

func (t *Terminal) OnClose(_ *gateway.Conn) {}

func (t *Terminal) OnCleanup() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
}

// onTerminalBroadcast replaces the cache with the pushed bundle and
// fans it out.
func (t *Terminal) onTerminalBroadcast(ev bus.Event) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return
	}

	t.mu.Lock()
	t.cache = cacheEntry[json.RawMessage]{data: raw, insertedAt: time.Now()}
	t.mu.Unlock()

	t.ep.Server().BroadcastPayload(ChannelTerminal, "terminal_content", json.RawMessage(raw))
}

func (t *Terminal) contentBundle() (json.RawMessage, error) {
	t.mu.Lock()
	if t.cache.fresh(terminalCacheTTL) {
		bundle := t.cache.data
		t.mu.Unlock()
		return bundle, nil
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), terminalQueryTimeout)
	defer cancel()

	raw, err := t.settings.GetSetting(ctx, terminalContentKey)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache = cacheEntry[json.RawMessage]{data: raw, insertedAt: time.Now()}
	t.mu.Unlock()
	return raw, nil
}

func (t *Terminal) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "get_terminal_content":
		bundle, err := t.contentBundle()
		if err != nil {
			c.SendError(gateway.ErrCodeNotFound, "Terminal content unavailable", msg.RequestID)
			return nil
		}
		reply(c, "terminal_content", json.RawMessage(bundle), msg.RequestID)
		return nil
	default:
		return gateway.ErrUnhandledType
	}
}
