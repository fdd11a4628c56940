// Package engine wires the account registry, chat store, reconciler, join
// workflow and badge aggregator into one explicitly constructed instance.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/chatstore"
	"github.com/matheus3301/multichat/internal/join"
	"github.com/matheus3301/multichat/internal/login"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/notify"
	"github.com/matheus3301/multichat/internal/reconcile"
	"github.com/matheus3301/multichat/internal/registry"
	"go.uber.org/zap"
)

// Backend is everything the engine needs from the REST client.
type Backend interface {
	login.Backend
	chatstore.Backend
	join.Backend
	reconcile.ChatLister
	registry.Authorizer
}

// Config holds the engine's timeouts. Zero values select each
// component's default.
type Config struct {
	SendTimeout         time.Duration
	JoinTimeout         time.Duration
	JoinApprovalTimeout time.Duration
	ReconnectMin        time.Duration
	ReconnectMax        time.Duration
}

// Engine is one multi-account session engine.
type Engine struct {
	bus        *bus.Bus
	logger     *zap.Logger
	registry   *registry.Registry
	chats      *chatstore.Store
	joins      *join.Workflow
	reconciler *reconcile.Reconciler
	badges     *notify.Aggregator

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine. Nothing runs until Start.
func New(be Backend, dialer reconcile.Dialer, tokens registry.Tokens, b *bus.Bus, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}

	chats := chatstore.New(be, b, chatstore.Options{
		SendTimeout: cfg.SendTimeout,
		Clock:       clock,
		Logger:      logger,
	})
	joins := join.New(be, chats, join.Options{
		JoinTimeout:     cfg.JoinTimeout,
		ApprovalTimeout: cfg.JoinApprovalTimeout,
		Clock:           clock,
		Logger:          logger,
	})
	reg := registry.New(registry.Deps{
		LoginBackend: be,
		Tokens:       tokens,
		Chats:        chats,
		Auth:         be,
		Joins:        joins,
		Bus:          b,
		Clock:        clock,
		Logger:       logger,
	})
	rec := reconcile.New(reconcile.Deps{
		Dialer:   dialer,
		Lister:   be,
		Chats:    chats,
		Accounts: reg,
		Joins:    joins,
		Bus:      b,
	}, reconcile.Options{
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Clock:        clock,
		Logger:       logger,
	})
	reg.SetStreams(rec)

	return &Engine{
		bus:        b,
		logger:     logger.With(zap.String("component", "engine")),
		registry:   reg,
		chats:      chats,
		joins:      joins,
		reconciler: rec,
		badges:     notify.NewAggregator(badgeSource{reg, chats}, b, logger),
	}
}

type badgeSource struct {
	*registry.Registry
	*chatstore.Store
}

// Start restores persisted sessions and starts the badge watcher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go func() {
		defer close(e.done)
		e.badges.Watch(watchCtx)
	}()

	n, err := e.registry.RestoreFromPersistedSessions(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("engine started", zap.Int("restored_accounts", n))
	return nil
}

// Close stops every stream and the badge watcher.
func (e *Engine) Close() {
	e.reconciler.CloseAll()
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	e.logger.Info("engine closed")
}

func (e *Engine) Bus() *bus.Bus { return e.bus }
func (e *Engine) Registry() *registry.Registry { return e.registry }
func (e *Engine) Chats() *chatstore.Store { return e.chats }
func (e *Engine) Joins() *join.Workflow { return e.joins }
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }
func (e *Engine) Badges() *notify.Aggregator { return e.badges }

// Accounts returns all accounts with their derived mention flag filled in.
func (e *Engine) Accounts() []model.Account {
	accounts := e.registry.Accounts()
	for i := range accounts {
		e.derive(&accounts[i])
	}
	return accounts
}

// Account returns one account with its derived mention flag.
func (e *Engine) Account(accountID string) (model.Account, error) {
	a, err := e.registry.Account(accountID)
	if err != nil {
		return model.Account{}, err
	}
	e.derive(&a)
	return a, nil
}

func (e *Engine) derive(a *model.Account) {
	chats, err := e.chats.ListChats(a.ID)
	if err != nil {
		return
	}
	a.HasMention = notify.AccountHasMention(*a, chats)
}
