package daemon

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/api"
	"github.com/matheus3301/multichat/internal/backend"
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/config"
	"github.com/matheus3301/multichat/internal/engine"
	"github.com/matheus3301/multichat/internal/lock"
	"github.com/matheus3301/multichat/internal/logging"
	"github.com/matheus3301/multichat/internal/profile"
	"github.com/matheus3301/multichat/internal/sealed"
	"github.com/matheus3301/multichat/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile and configuration passed to the fx module.
type Params struct {
	Profile profile.Paths
	Config  *config.Config
	// SocketPath overrides the profile's socket. Empty uses the default.
	SocketPath string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideClock,
			provideBus,
			provideLock,
			provideStore,
			provideTokens,
			provideBackend,
			provideDialer,
			provideEngine,
			provideService,
			NewServer,
			provideSweeper,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(lc fx.Lifecycle, p Params) (*zap.Logger, error) {
	logger, closer, err := logging.New(logging.Options{
		Dir:     p.Profile.LogDir(),
		Level:   p.Config.LogLevel,
		Profile: p.Profile.Name,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		_ = logger.Sync()
		return closer.Close()
	}))
	return logger, nil
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.Profile.Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("dir", p.Profile.Dir))
	l, err := lock.Acquire(p.Profile.Dir)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() {
		if err := l.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
	}))
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens the token database. It takes the lock so the
// database is never opened by a second daemon.
func provideStore(lc fx.Lifecycle, p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	path := p.Profile.TokenDB()
	db, err := store.Open(path)
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
	lc.Append(fx.StopHook(db.Close))
	logger.Info("store initialized", zap.String("path", path))
	return db, nil
}

func provideTokens(p Params, db *store.DB, clock clockwork.Clock, logger *zap.Logger) (*store.Tokens, error) {
	sealer, err := sealed.LoadOrCreate(p.Profile.TokenKey())
	if err != nil {
		return nil, err
	}
	return store.NewTokens(db, sealer, clock, p.Config.TokenTTL.Duration, logger), nil
}

func provideBackend(p Params, logger *zap.Logger) *backend.Client {
	return backend.NewClient(p.Config.BackendURL, p.Config.HTTPTimeout.Duration, logger)
}

func provideDialer(p Params) *backend.Dialer {
	return backend.NewDialer(p.Config.StreamURL)
}

func provideEngine(p Params, be *backend.Client, dialer *backend.Dialer, tokens *store.Tokens, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *engine.Engine {
	cfg := p.Config
	return engine.New(be, dialer, tokens, b, engine.Config{
		SendTimeout:         cfg.SendTimeout.Duration,
		JoinTimeout:         cfg.JoinTimeout.Duration,
		JoinApprovalTimeout: cfg.JoinApprovalTimeout.Duration,
		ReconnectMin:        cfg.ReconnectMin.Duration,
		ReconnectMax:        cfg.ReconnectMax.Duration,
	}, clock, logger)
}

func provideService(eng *engine.Engine, logger *zap.Logger) *api.Service {
	return api.NewService(eng, logger)
}

func provideSweeper(p Params, tokens *store.Tokens, clock clockwork.Clock, logger *zap.Logger) (*Sweeper, error) {
	return NewSweeper(tokens, p.Config.TokenSweepInterval.Duration, clock, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, eng *engine.Engine, sweeper *Sweeper, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Restore sessions before serving so the first ListAccounts
			// already sees them.
			if err := eng.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sweeper.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := sweeper.Stop(); err != nil {
				logger.Warn("error stopping sweeper", zap.Error(err))
			}
			eng.Close()
			srv.Stop(ctx)
			logger.Info("daemon stopped")
			return nil
		},
	})
}
