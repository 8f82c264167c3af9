package gateway

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// SubscriptionSet is the per-connection view of joined channels.
type SubscriptionSet struct {
	mu       sync.RWMutex
	channels map[string]struct{}
}

// NewSubscriptionSet creates an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{channels: make(map[string]struct{})}
}

func (s *SubscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel] = struct{}{}
}

func (s *SubscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

func (s *SubscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns a copy of the joined channel names.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// CheckChannelAccess evaluates the prefix-derived access policy for a
// channel name. authRequired is the endpoint's setting; it decides the
// default policy for channels outside the reserved prefixes.
func CheckChannelAccess(channel string, principal *auth.Principal, authRequired bool) bool {
	switch {
	case strings.HasPrefix(channel, "public."):
		return true
	case strings.HasPrefix(channel, "user."):
		id := strings.TrimPrefix(channel, "user.")
		return principal != nil && principal.Wallet == id
	case strings.HasPrefix(channel, "superadmin."):
		return principal != nil && principal.Role == auth.RoleSuperAdmin
	case strings.HasPrefix(channel, "admin."):
		return principal != nil && principal.Role.IsAdmin()
	default:
		if authRequired {
			return principal != nil
		}
		return true
	}
}

// personalPrefixes are channels scoped to a single wallet outside the
// reserved user. prefix; the wallet id is the suffix after the first
// dot. Endpoints register their own (wallet., portfolio., trades.,
// balance.) via EndpointConfig.
var personalPrefixes = []string{"wallet.", "portfolio.", "trades.", "balance."}

// PersonalChannelAllowed extends the policy for per-wallet channels
// used by the wallet and portfolio endpoints.
func PersonalChannelAllowed(channel string, principal *auth.Principal) (handled, allowed bool) {
	for _, prefix := range personalPrefixes {
		if strings.HasPrefix(channel, prefix) {
			id := strings.TrimPrefix(channel, prefix)
			return true, principal != nil && principal.Wallet == id
		}
	}
	return false, false
}

// ChannelRegistry maps channel name to its subscriber snapshot. The
// hot path (Subscribers) is a lock-free atomic load of an immutable
// copy-on-write slice; mutation takes the registry lock.
//
// Channels are created lazily on first subscribe and destroyed when
// the last subscriber leaves. Snapshot order is insertion order, which
// fixes broadcast delivery order within a channel.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*atomic.Value // channel → []*Conn snapshot
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[string]*atomic.Value)}
}

// Add registers c as a subscriber of channel. Idempotent: a connection
// appears at most once per channel.
func (r *ChannelRegistry) Add(channel string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.channels[channel]
	if slot == nil {
		slot = &atomic.Value{}
		r.channels[channel] = slot
	}

	var current []*Conn
	if v := slot.Load(); v != nil {
		current = v.([]*Conn)
	}
	for _, existing := range current {
		if existing == c {
			return
		}
	}

	next := make([]*Conn, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	slot.Store(next)

	metrics.SetChannelSubscribers(channel, len(next))
}

// Remove unregisters c from channel, destroying the channel entry when
// it empties.
func (r *ChannelRegistry) Remove(channel string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(channel, c)
}

func (r *ChannelRegistry) removeLocked(channel string, c *Conn) {
	slot, ok := r.channels[channel]
	if !ok {
		return
	}
	v := slot.Load()
	if v == nil {
		return
	}
	current := v.([]*Conn)

	for i, existing := range current {
		if existing == c {
			next := make([]*Conn, len(current)-1)
			copy(next, current[:i])
			copy(next[i:], current[i+1:])

			if len(next) == 0 {
				delete(r.channels, channel)
			} else {
				slot.Store(next)
			}
			metrics.SetChannelSubscribers(channel, len(next))
			return
		}
	}
}

// RemoveConn drops c from every channel. Called once on disconnect.
func (r *ChannelRegistry) RemoveConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.channels {
		r.removeLocked(channel, c)
	}
}

// Subscribers returns the immutable subscriber snapshot for a channel.
// Safe to iterate, must not be modified.
func (r *ChannelRegistry) Subscribers(channel string) []*Conn {
	r.mu.RLock()
	slot, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	v := slot.Load()
	if v == nil {
		return nil
	}
	return v.([]*Conn)
}

// Count returns the subscriber count for a channel.
func (r *ChannelRegistry) Count(channel string) int {
	return len(r.Subscribers(channel))
}

// Channels returns the names of all live channels.
func (r *ChannelRegistry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}
