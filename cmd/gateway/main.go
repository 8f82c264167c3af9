// Command gateway runs the real-time pub/sub gateway: WebSocket
// endpoints for market data, wallets, portfolios, contests, system
// monitoring, terminal content and service administration.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/config"
	"github.com/BranchManager69/degenduel-ws/internal/endpoints"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/ingest"
	"github.com/BranchManager69/degenduel-ws/internal/logging"
	"github.com/BranchManager69/degenduel-ws/internal/service"
	"github.com/BranchManager69/degenduel-ws/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	eventBus := bus.New(logger)
	defer eventBus.Close()

	services := service.NewRegistry()
	bridge := ingest.NewBridge(cfg.NATSURL, eventBus, logger)
	if err := services.Register(bridge); err != nil {
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		// The gateway still serves cached and store-backed queries
		// while NATS is down; the bridge reconnects when started via
		// the admin plane.
		logger.Error().Err(err).Msg("NATS ingest failed to start, continuing without live events")
	}
	defer bridge.Stop(ctx)

	verifier := auth.NewVerifier(cfg.JWTSecret, stores.users, logger)

	srv := gateway.NewServer(gateway.Options{
		Addr:     cfg.Addr,
		Logger:   logger,
		Bus:      eventBus,
		Verifier: verifier,
		RateLimiter: gateway.RateLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPPerSec,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalPerSec,
		},
		Guard: gateway.ResourceGuardConfig{
			MaxConnections:     cfg.MaxConnections,
			CPURejectThreshold: cfg.CPURejectThreshold,
			MaxGoroutines:      cfg.MaxGoroutines,
			MemoryLimit:        cfg.MemoryLimit,
		},
		MetricsInterval: cfg.MetricsInterval,
		AllowedOrigins:  cfg.OriginList(),
	})

	if err := registerEndpoints(srv, cfg, stores, services); err != nil {
		return err
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		received := <-sig
		logger.Info().Str("signal", received.String()).Msg("Shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Shutdown error")
		}
		cancel()
	}()

	return srv.Start()
}

// backendStores bundles the read contracts handed to endpoints.
type backendStores struct {
	users      store.UserStore
	catalog    store.TokenCatalog
	balances   store.BalanceProvider
	portfolios store.PortfolioStore
	contests   store.ContestStore
	settings   store.SettingsStore
}

// openStores wires Postgres and Redis when configured, the in-memory
// store otherwise (development mode).
func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backendStores, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mem := store.NewMemory()
	stores := &backendStores{
		users:      mem,
		catalog:    mem,
		balances:   mem,
		portfolios: mem,
		contests:   mem,
		settings:   mem,
	}

	if cfg.PostgresDSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { pg.Close() })
		stores.users = pg
		stores.catalog = pg
		stores.portfolios = pg
		stores.contests = pg
		stores.settings = pg
		logger.Info().Msg("Postgres store connected")
	} else {
		logger.Warn().Msg("POSTGRES_DSN not set, using in-memory store (development mode)")
	}

	if cfg.RedisAddr != "" {
		rb, err := store.OpenRedisBalances(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { rb.Close() })
		stores.balances = rb
		logger.Info().Msg("Redis balance cache connected")
	}

	return stores, cleanup, nil
}

func registerEndpoints(srv *gateway.Server, cfg *config.Config, stores *backendStores, services *service.Registry) error {
	publicPaths := cfg.PublicEndpointSet()

	common := gateway.EndpointConfig{
		AuthMode:           auth.ModeAuto,
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
	}

	type registration struct {
		config  gateway.EndpointConfig
		handler gateway.Handler
	}

	regs := []registration{
		{
			config: with(common, "/ws/market", false, nil,
				[]string{"subscribe_tokens", "get_token", "get_all_tokens"}),
			handler: endpoints.NewMarket(stores.catalog),
		},
		{
			config:  with(common, "/ws/wallet", true, nil, []string{"get_balance"}),
			handler: endpoints.NewWallet(stores.balances),
		},
		{
			config:  with(common, "/ws/portfolio", true, nil, []string{"get_portfolio", "get_recent_trades"}),
			handler: endpoints.NewPortfolio(stores.portfolios),
		},
		{
			config:  with(common, "/ws/contest", false, nil, []string{"get_contests", "get_contest"}),
			handler: endpoints.NewContest(stores.contests),
		},
		{
			config: with(common, "/ws/monitor", true,
				[]string{endpoints.ChannelBackgroundScene},
				[]string{"get_status", "get_maintenance", "get_setting", "errors_recent"}),
			handler: endpoints.NewMonitor(stores.settings),
		},
		{
			config:  with(common, "/ws/admin", true, nil, []string{"service_command", "get_services"}),
			handler: endpoints.NewAdmin(services),
		},
		{
			config:  with(common, "/ws/terminal", false, nil, []string{"get_terminal_content"}),
			handler: endpoints.NewTerminal(stores.settings),
		},
		{
			config:  with(common, "/ws/skyduel", true, nil, []string{"get_state"}),
			handler: endpoints.NewSkyDuel(services),
		},
		{
			config:  with(common, "/ws/test", false, nil, []string{"echo", "ping"}),
			handler: endpoints.NewEcho(),
		},
	}

	for _, reg := range regs {
		if publicPaths[reg.config.Path] {
			reg.config.AuthRequired = false
		}
		if _, err := srv.RegisterEndpoint(reg.config, reg.handler); err != nil {
			return err
		}
	}
	return nil
}

func with(base gateway.EndpointConfig, path string, authRequired bool, publicChannels, capabilities []string) gateway.EndpointConfig {
	base.Path = path
	base.AuthRequired = authRequired
	base.PublicChannels = publicChannels
	base.Capabilities = capabilities
	return base
}
