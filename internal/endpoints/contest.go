package endpoints

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/logging"
	"github.com/BranchManager69/degenduel-ws/internal/store"
)

const (
	// ChannelContests carries the active-contest list.
	ChannelContests = "public.contests"

	contestChannelPrefix = "contest."

	contestRefreshEvery = 30 * time.Second
	contestCacheTTL     = 30 * time.Second
	contestQueryTimeout = 3 * time.Second
)

// Contest serves contest state: the public active list plus
// per-contest channels for participants watching one contest.
type Contest struct {
	contests store.ContestStore

	mu        sync.Mutex
	listCache cacheEntry[[]store.Contest]

	ep          *gateway.Endpoint
	stopRefresh chan struct{}
	refreshOnce sync.Once
}

var (
	_ gateway.Handler        = (*Contest)(nil)
	_ gateway.CleanupHandler = (*Contest)(nil)
)

// NewContest creates the contest endpoint handler.
func NewContest(contests store.ContestStore) *Contest {
	return &Contest{
		contests:    contests,
		stopRefresh: make(chan struct{}),
	}
}

func (ce *Contest) Name() string { return "contest" }

func (ce *Contest) OnInit(ep *gateway.Endpoint) error {
	ce.ep = ep
	go ce.refreshLoop()
	return nil
}

func (ce *Contest) OnConnection(_ *gateway.Conn) {}

func (ce *Contest) OnClose(_ *gateway.Conn) {}

func (ce *Contest) OnCleanup() {
	ce.refreshOnce.Do(func() { close(ce.stopRefresh) })
}

// refreshLoop pushes the active-contest list to public.contests and
// fresh state to each subscribed contest.<id> channel.
func (ce *Contest) refreshLoop() {
	defer logging.RecoverPanic(ce.ep.Logger(), "contestRefreshLoop", nil)

	ticker := time.NewTicker(contestRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ce.broadcastRefresh()
		case <-ce.stopRefresh:
			return
		}
	}
}

func (ce *Contest) broadcastRefresh() {
	srv := ce.ep.Server()

	if srv.Channels().Count(ChannelContests) > 0 {
		contests, err := ce.activeContests(true)
		if err != nil {
			logger := ce.ep.Logger()
			logger.Warn().Err(err).Msg("Contest list refresh failed")
		} else {
			srv.BroadcastPayload(ChannelContests, "contest_list", contests)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), contestQueryTimeout)
	defer cancel()

	for _, channel := range srv.Channels().Channels() {
		if !strings.HasPrefix(channel, contestChannelPrefix) {
			continue
		}
		id := strings.TrimPrefix(channel, contestChannelPrefix)
		contest, err := ce.contests.GetContest(ctx, id)
		if err != nil {
			continue
		}
		srv.BroadcastPayload(channel, "contest_update", contest)
	}
}

func (ce *Contest) activeContests(force bool) ([]store.Contest, error) {
	ce.mu.Lock()
	if !force && ce.listCache.fresh(contestCacheTTL) {
		list := ce.listCache.data
		ce.mu.Unlock()
		return list, nil
	}
	ce.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), contestQueryTimeout)
	defer cancel()

	contests, err := ce.contests.ActiveContests(ctx)
	if err != nil {
		return nil, err
	}

	ce.mu.Lock()
	ce.listCache = cacheEntry[[]store.Contest]{data: contests, insertedAt: time.Now()}
	ce.mu.Unlock()
	return contests, nil
}

func (ce *Contest) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "get_contests":
		return ce.getContests(c, msg)
	case "get_contest":
		return ce.getContest(c, msg)
	default:
		return gateway.ErrUnhandledType
	}
}

func (ce *Contest) getContests(c *gateway.Conn, msg gateway.Message) error {
	contests, err := ce.activeContests(false)
	if err != nil {
		return fmt.Errorf("get contests: %w", err)
	}
	reply(c, "contest_list", contests, msg.RequestID)
	return nil
}

type contestRequest struct {
	ContestID string `json:"contestId"`
}

func (ce *Contest) getContest(c *gateway.Conn, msg gateway.Message) error {
	var req contestRequest
	if err := decodeData(msg, &req); err != nil || req.ContestID == "" {
		c.SendError(gateway.ErrCodeInvalidMessage, "get_contest requires a contestId", msg.RequestID)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), contestQueryTimeout)
	defer cancel()

	contest, err := ce.contests.GetContest(ctx, req.ContestID)
	if errors.Is(err, store.ErrNotFound) {
		c.SendError(gateway.ErrCodeNotFound, "Unknown contest: "+req.ContestID, msg.RequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get contest %s: %w", req.ContestID, err)
	}

	reply(c, "contest_data", contest, msg.RequestID)
	return nil
}
