package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/sharegate/internal/analytics"
	"github.com/mattjoyce/sharegate/internal/api"
	"github.com/mattjoyce/sharegate/internal/auth"
	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/config"
	"github.com/mattjoyce/sharegate/internal/dispatch"
	"github.com/mattjoyce/sharegate/internal/events"
	"github.com/mattjoyce/sharegate/internal/lock"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/plugin/builtin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/service"
	"github.com/mattjoyce/sharegate/internal/session"
	"github.com/mattjoyce/sharegate/internal/state"
	"github.com/mattjoyce/sharegate/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: workers and HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// app is a fully wired gateway.
type app struct {
	store      storage.Store
	registry   *plugin.Registry
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
	service    *service.Service
	sessions   *auth.Sessions
}

// sweeper is implemented by backends without native expiry.
type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

func pidLockPath(cfg *config.Config) string {
	if cfg.Service.PIDFile != "" {
		return cfg.Service.PIDFile
	}
	if cfg.Storage.Backend == storage.BackendSQLite {
		return lock.PathFor(cfg.Storage.Path)
	}
	return ""
}

// buildRegistry registers the built-in connectors and then every exec plugin
// found under cfg.PluginsDirs.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*plugin.Registry, error) {
	policy, err := plugin.ParsePolicy(cfg.Registry.Policy)
	if err != nil {
		return nil, err
	}
	registry := plugin.NewRegistry(policy, log.WithComponent("registry"))
	for _, p := range builtin.All() {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", p.Name(), err)
		}
	}

	if len(cfg.PluginsDirs) == 0 {
		return registry, nil
	}
	found, err := plugin.DiscoverMany(cfg.PluginsDirs, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("plugin discovery: %w", err)
	}
	for _, p := range found {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("register plugin %s: %w", p.Name(), err)
		}
	}
	logger.Info("plugin discovery complete", "count", len(found), "plugins_dirs", cfg.PluginsDirs)
	return registry, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, storage.Options{
		Backend:       cfg.Storage.Backend,
		Path:          cfg.Storage.Path,
		RedisAddr:     cfg.Storage.Redis.Addr,
		RedisPassword: cfg.Storage.Redis.Password,
		RedisDB:       cfg.Storage.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	return store, nil
}

// newApp opens storage and wires every component. The caller owns
// app.store and must close it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.WithComponent("main")

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("storage opened", "backend", cfg.Storage.Backend)

	ttl := cfg.Storage.TTL
	hub := events.NewHub(256)
	q := queue.New(store, ttl)
	disp := dispatch.New(q, hub, dispatch.OptionsFromConfig(cfg.Dispatch))
	c := cache.New(store, disp, registry, cache.NewDigester(cfg.Security.CredentialKey), cache.Options{
		TTL:        ttl,
		MaxRetries: cfg.Cache.MaxRetries,
	})
	sessions := session.New(store, ttl)
	gate := state.New(store, c, disp, sessions, ttl)
	svc := service.New(service.Deps{
		Cache:      c,
		Dispatcher: disp,
		Gate:       gate,
		Sessions:   sessions,
		Tasks:      analytics.Builtin(),
	})

	return &app{
		store:      store,
		registry:   registry,
		hub:        hub,
		dispatcher: disp,
		service:    svc,
		sessions:   auth.NewSessions(cfg.Sessions.Secret, cfg.Sessions.TTL),
	}, nil
}

func (a *app) apiServer(cfg *config.Config) *api.Server {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.New(api.Config{
		Listen:  cfg.API.Listen,
		APIKey:  cfg.API.Auth.APIKey,
		Tokens:  tokens,
		MaxWait: cfg.API.MaxWait,
	}, a.service, a.registry, a.sessions, a.hub, log.WithComponent("api"))
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	logger.Info("sharegate starting", "version", version, "config", configPath)

	if path := pidLockPath(cfg); path != "" {
		pidLock, err := lock.AcquirePIDLock(path)
		if err != nil {
			return fmt.Errorf("acquire PID lock: %w", err)
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", path)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.dispatcher.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		srv := a.apiServer(cfg)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if sw, ok := a.store.(sweeper); ok && cfg.Storage.SweepInterval > 0 {
		g.Go(func() error {
			sweepLoop(gctx, sw, cfg.Storage.SweepInterval, logger)
			return nil
		})
	}

	logger.Info("sharegate running (press Ctrl+C to stop)")
	err = g.Wait()
	logger.Info("sharegate stopped")
	return err
}

func sweepLoop(ctx context.Context, sw sweeper, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.Sweep(ctx)
			if err != nil {
				logger.Warn("expired key sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("swept expired keys", "count", n)
			}
		}
	}
}
