package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/api"
	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/config"
	"github.com/matheus3301/wabridge/internal/fanout"
	"github.com/matheus3301/wabridge/internal/lock"
	"github.com/matheus3301/wabridge/internal/logging"
	"github.com/matheus3301/wabridge/internal/outbox"
	"github.com/matheus3301/wabridge/internal/pairing"
	"github.com/matheus3301/wabridge/internal/paths"
	"github.com/matheus3301/wabridge/internal/registry"
	"github.com/matheus3301/wabridge/internal/store"
	intsync "github.com/matheus3301/wabridge/internal/sync"
	"github.com/matheus3301/wabridge/internal/wa"
)

const (
	logMaxSizeMB  = 20
	logMaxBackups = 3
)

// Params holds what the daemon needs before the config file is read.
type Params struct {
	DataDir    string
	Console    bool   // mirror logs to stderr
	Listen     string // optional override of the configured listen address
	SocketPath string // optional override for testing; empty = use default

	// Network replaces the whatsmeow network when set.
	Network wa.Network
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideDB,
			provideStore,
			provideNetwork,
			provideRefresher,
			provideController,
			provideRegistry,
			provideDispatcher,
			provideEngine,
			provideHub,
			provideHandler,
			NewHealthTracker,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	dataDir := p.DataDir
	if dataDir == "" {
		dataDir = paths.BaseDir()
	}
	cfg, err := config.Resolve(dataDir)
	if err != nil {
		return nil, err
	}
	if p.Listen != "" {
		cfg.Listen = p.Listen
	}
	if err := paths.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:       paths.LogPath(cfg.DataDir),
		Level:      cfg.LogLevel,
		MaxSizeMB:  logMaxSizeMB,
		MaxBackups: logMaxBackups,
		Console:    p.Console,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(paths.LockPath(cfg.DataDir))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() {
		if err := l.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
	}))
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideDB opens the app database. It is needed even with persistence
// off because it routes users to their whatsmeow devices.
func provideDB(lc fx.Lifecycle, _ *lock.Lock, cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.AppDBPath(cfg.DataDir)
	db, err := store.Open(dbPath, logger)
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
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			db.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore(cfg *config.Config, db *store.DB, logger *zap.Logger) *store.Store {
	opts := []store.Option{store.WithLogger(logger)}
	if cfg.Store.Persist {
		opts = append(opts, store.WithPersister(db))
	}
	return store.New(cfg.Store.Retention, opts...)
}

func provideNetwork(lc fx.Lifecycle, p Params, cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (wa.Network, error) {
	if p.Network != nil {
		return p.Network, nil
	}
	dsn := cfg.Device.DSN
	if dsn == "" {
		dsn = "file:" + paths.DeviceDBPath(cfg.DataDir) + "?_foreign_keys=on"
	}
	network, err := wa.NewWhatsmeowNetwork(context.Background(), wa.NetworkConfig{
		Dialect: cfg.Device.Dialect,
		DSN:     dsn,
		OSName:  cfg.Device.OSName,
	}, db, b, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(network.Close))
	return network, nil
}

func backfillOptions(cfg *config.Config) intsync.BackfillOptions {
	return intsync.BackfillOptions{
		Chats:         cfg.Session.BackfillChats,
		Messages:      cfg.Session.BackfillMessages,
		Workers:       cfg.Session.BackfillWorkers,
		LookupTimeout: cfg.Session.LookupTimeout.Duration,
	}
}

func provideRefresher(cfg *config.Config, s *store.Store, logger *zap.Logger) *intsync.Refresher {
	return intsync.NewRefresher(s, backfillOptions(cfg), cfg.Session.RefreshInterval.Duration, logger)
}

func provideController(network wa.Network, s *store.Store, b *bus.Bus, refresher *intsync.Refresher, engine *intsync.Engine, cfg *config.Config, logger *zap.Logger) *pairing.Controller {
	return pairing.NewController(network, s, b, refresher, engine, backfillOptions(cfg), logger)
}

func provideRegistry(ctrl *pairing.Controller, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *registry.Registry {
	return registry.New(ctrl, b, registry.Config{
		Watchdog:          cfg.Session.Watchdog.Duration,
		InitializeWait:    cfg.Session.InitializeWait.Duration,
		DisconnectTimeout: cfg.Session.DisconnectTimeout.Duration,
	}, logger)
}

func provideDispatcher(reg *registry.Registry, s *store.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(reg, s, b, outbox.Config{
		LookupTimeout: cfg.Session.LookupTimeout.Duration,
		SendTimeout:   cfg.Session.SendTimeout.Duration,
		ReplyWindow:   cfg.Session.ReplyWindow,
	}, logger)
}

func provideEngine(s *store.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(s, b, logger)
}

func provideHub(b *bus.Bus, logger *zap.Logger) *fanout.Hub {
	return fanout.NewHub(b, logger)
}

func provideHandler(reg *registry.Registry, d *outbox.Dispatcher, s *store.Store, refresher *intsync.Refresher, hub *fanout.Hub, logger *zap.Logger) *api.Handler {
	return api.NewHandler(reg, d, s, refresher, hub, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, reg *registry.Registry, db *store.DB, hub *fanout.Hub, tracker *HealthTracker, logger *zap.Logger) {
	resumeCtx, cancelResume := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Fan-out subscribes before any session can emit.
			hub.Start(context.Background())
			tracker.Start(context.Background())

			if err := srv.Start(); err != nil {
				return err
			}

			go resumeSessions(resumeCtx, reg, db, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelResume()
			reg.Shutdown(ctx)
			srv.Stop(ctx)
			hub.Stop()
			tracker.Stop()
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// resumeSessions initializes every user with a paired device so they come
// back without a new QR scan.
func resumeSessions(ctx context.Context, reg *registry.Registry, db *store.DB, logger *zap.Logger) {
	users, err := db.PairedUsers(ctx)
	if err != nil {
		logger.Error("list paired users", zap.Error(err))
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		snap, err := reg.Initialize(ctx, userID)
		if err != nil {
			logger.Warn("resume session failed", zap.String("user", userID), zap.Error(err))
			continue
		}
		logger.Info("session resumed",
			zap.String("user", userID),
			zap.String("state", string(snap.State)),
		)
	}
}
