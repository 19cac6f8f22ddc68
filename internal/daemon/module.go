package daemon

import (
	"context"

	"github.com/juju/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/crewline/crewline/internal/auth"
	"github.com/crewline/crewline/internal/bus"
	"github.com/crewline/crewline/internal/comms"
	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/connectivity"
	"github.com/crewline/crewline/internal/gateway"
	"github.com/crewline/crewline/internal/lock"
	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/profile"
	"github.com/crewline/crewline/internal/queue"
	"github.com/crewline/crewline/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideAuth,
			provideGateway,
			provideMonitor,
			provideQueue,
			provideController,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAuth(p Params) *auth.Provider {
	return auth.NewProvider(profile.TokenPath(p.ProfileName))
}

func provideGateway(cfg *config.Config, authp *auth.Provider, logger *zap.Logger) *gateway.Client {
	return gateway.NewClient(cfg.Gateway.URL, authp, logger)
}

func provideMonitor(cfg *config.Config, client *gateway.Client, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(clock.WallClock, client, cfg.ProbeInterval(), logger)
}

func provideQueue(cfg *config.Config, db *store.DB, logger *zap.Logger) *queue.Queue {
	var journal queue.Journal
	if cfg.Queue.Durability == config.DurabilityDisk {
		journal = db
	} else {
		logger.Info("offline queue running without journal")
	}
	return queue.New(journal, logger)
}

func provideController(
	cfg *config.Config,
	client *gateway.Client,
	monitor *connectivity.Monitor,
	authp *auth.Provider,
	db *store.DB,
	q *queue.Queue,
	b *bus.Bus,
	logger *zap.Logger,
) *comms.Controller {
	return comms.New(
		comms.Config{
			TypingTTL:   cfg.TypingTTL(),
			UploadGrace: cfg.UploadGrace(),
			UploadTick:  cfg.UploadTick(),
		},
		comms.Deps{
			Gateway:      comms.WrapGateway(client),
			Connectivity: monitor,
			Identity:     authp,
			Cache:        db,
			Queue:        q,
			Transport:    client,
			Clock:        clock.WallClock,
			Bus:          b,
		},
		logger,
	)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	monitor *connectivity.Monitor,
	ctrl *comms.Controller,
	db *store.DB,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			monitor.Start(context.Background())

			if err := ctrl.Start(context.Background()); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			ctrl.Stop()
			monitor.Stop()
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
