package gateway

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// ConnectionRateLimiter applies two-level token-bucket limiting to
// upgrade requests: per-IP to contain a single misbehaving client and
// global to survive distributed floods.
type ConnectionRateLimiter struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger      zerolog.Logger
	stopCleanup chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig configures connection admission limiting. Zero
// values fall back to safe defaults.
type RateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

// NewConnectionRateLimiter creates a limiter and starts its stale-IP
// cleanup loop.
func NewConnectionRateLimiter(config RateLimiterConfig, logger zerolog.Logger) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	// Global check first: no map lookup on the reject path.
	if !l.globalLimiter.Allow() {
		metrics.ConnectionRateLimited("global")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		metrics.ConnectionRateLimited("per_ip")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry := &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		lastAccess: time.Now(),
	}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// Stop terminates the cleanup loop.
func (l *ConnectionRateLimiter) Stop() { close(l.stopCleanup) }

// ResourceGuard rejects new connections when the process is already
// saturated, so existing sessions keep their latency budget instead of
// everyone degrading together.
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64
	maxGoroutines      int
	memoryLimit        int64

	// CPU sampling is expensive (~ms); sampled in the background and
	// cached for admission checks.
	cpuMu      sync.RWMutex
	cpuPercent float64

	logger zerolog.Logger
	stop   chan struct{}
}

// ResourceGuardConfig bounds admission.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent, 0 disables
	MaxGoroutines      int
	MemoryLimit        int64 // bytes, 0 disables
}

// NewResourceGuard creates a guard and starts its CPU sampling loop.
func NewResourceGuard(config ResourceGuardConfig, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		maxConnections:     config.MaxConnections,
		cpuRejectThreshold: config.CPURejectThreshold,
		maxGoroutines:      config.MaxGoroutines,
		memoryLimit:        config.MemoryLimit,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
		stop:               make(chan struct{}),
	}
	go g.sampleLoop()
	return g
}

// ShouldAccept decides whether a new connection may be admitted given
// current load. Returns the rejection reason for logging.
func (g *ResourceGuard) ShouldAccept(currentConnections int) (bool, string) {
	if g.maxConnections > 0 && currentConnections >= g.maxConnections {
		return false, "max_connections"
	}
	if g.maxGoroutines > 0 && runtime.NumGoroutine() >= g.maxGoroutines {
		return false, "max_goroutines"
	}
	if g.cpuRejectThreshold > 0 {
		g.cpuMu.RLock()
		current := g.cpuPercent
		g.cpuMu.RUnlock()
		if current >= g.cpuRejectThreshold {
			return false, "cpu_saturated"
		}
	}
	if g.memoryLimit > 0 {
		if vm, err := mem.VirtualMemory(); err == nil && int64(vm.Used) >= g.memoryLimit {
			return false, "memory_limit"
		}
	}
	return true, ""
}

func (g *ResourceGuard) sampleLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Percent with zero interval reads the delta since the last
			// call, so this never blocks the ticker.
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			g.cpuMu.Lock()
			g.cpuPercent = percents[0]
			g.cpuMu.Unlock()
		case <-g.stop:
			return
		}
	}
}

// Stop terminates the sampling loop.
func (g *ResourceGuard) Stop() { close(g.stop) }
