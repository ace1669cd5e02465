// Package daemon composes the relay daemon out of its parts and owns
// their lifecycle.
package daemon

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quietwire/server/internal/auth"
	"github.com/quietwire/server/internal/bus"
	"github.com/quietwire/server/internal/config"
	"github.com/quietwire/server/internal/httpapi"
	"github.com/quietwire/server/internal/lock"
	"github.com/quietwire/server/internal/logging"
	"github.com/quietwire/server/internal/metrics"
	"github.com/quietwire/server/internal/registry"
	"github.com/quietwire/server/internal/relay"
	"github.com/quietwire/server/internal/store"
)

// Params holds the invocation arguments passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideBuffers,
			provideVerifier,
			provideAuthService,
			providePromRegistry,
			provideRouter,
			provideTracker,
			provideFanout,
			provideCoordinator,
			provideHub,
			provideObserver,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return logging.New(cfg.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideRegistry(logger *zap.Logger) *registry.Registry {
	return registry.New(logger)
}

func provideBuffers() *relay.Buffers {
	return relay.NewBuffers()
}

func provideVerifier(cfg *config.Config) *auth.Verifier {
	return auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL())
}

func provideAuthService(db *store.DB, v *auth.Verifier, logger *zap.Logger) *auth.Service {
	return auth.NewService(db, v, logger)
}

func providePromRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideRouter(db *store.DB, reg *registry.Registry, buffers *relay.Buffers, b *bus.Bus, logger *zap.Logger) *relay.Router {
	return relay.NewRouter(db, reg, buffers, b, logger)
}

func provideTracker(db *store.DB, reg *registry.Registry, buffers *relay.Buffers, b *bus.Bus, logger *zap.Logger) *relay.Tracker {
	return relay.NewTracker(db, reg, buffers, b, logger)
}

func provideCoordinator(db *store.DB, reg *registry.Registry, buffers *relay.Buffers, b *bus.Bus, logger *zap.Logger) *relay.Coordinator {
	return relay.NewCoordinator(db, reg, buffers, b, logger)
}

func provideFanout(cfg *config.Config, db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *relay.Fanout {
	return relay.NewFanout(db, reg, b, cfg.AnnounceInterval(), logger)
}

func provideHub(v *auth.Verifier, router *relay.Router, tracker *relay.Tracker, fanout *relay.Fanout, clears *relay.Coordinator, logger *zap.Logger) *relay.Hub {
	return relay.NewHub(v, router, tracker, fanout, clears, logger)
}

func provideObserver(b *bus.Bus, promReg *prometheus.Registry, logger *zap.Logger) *metrics.Observer {
	return metrics.NewObserver(b, promReg, logger)
}

func provideServer(cfg *config.Config, svc *auth.Service, v *auth.Verifier, router *relay.Router, clears *relay.Coordinator, hub *relay.Hub, db *store.DB, promReg *prometheus.Registry, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(*cfg, httpapi.Deps{
		Auth:     svc,
		Verifier: v,
		Router:   router,
		Clears:   clears,
		Hub:      hub,
		DB:       db,
	}, promReg, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *httpapi.Server, observer *metrics.Observer, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			observer.Start()
			srv.Start()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping server", zap.Error(err))
			}
			observer.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
