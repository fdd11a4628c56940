// Package reconcile keeps one live event stream per authenticated account
// and applies its events, in arrival order, to the account and chat state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/backend"
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/status"
	"go.uber.org/zap"
)

const (
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = time.Minute
)

// errLoggedOut ends a stream whose session the server revoked.
var errLoggedOut = errors.New("session logged out remotely")

// Dialer opens an account's event stream.
type Dialer interface {
	Dial(ctx context.Context, accountID, token string) (backend.Stream, error)
}

// ChatLister fetches an account's chat list after every (re)connect.
type ChatLister interface {
	ListChats(ctx context.Context, accountID string) ([]model.Chat, error)
}

// Chats receives chat and message events.
type Chats interface {
	InsertMessage(accountID, chatID string, m model.Message) (model.Message, error)
	MarkMessagesRead(accountID, chatID string, messageIDs []string) error
	SetMention(accountID, chatID string) error
	ApplyChatPatch(accountID, chatID string, patch model.ChatPatch) (model.Chat, error)
	MergeChats(accountID string, chats []model.Chat) error
}

// Accounts receives account events and rejected-token notices.
type Accounts interface {
	ApplyAccountPatch(accountID string, patch model.AccountPatch) error
	MarkUnauthorized(accountID string, cause error)
}

// Joins is told when a membership change settled a join request.
type Joins interface {
	Resolved(accountID, chatID string)
}

// Deps are the reconciler's collaborators. Joins may be nil.
type Deps struct {
	Dialer   Dialer
	Lister   ChatLister
	Chats    Chats
	Accounts Accounts
	Joins    Joins
	Bus      *bus.Bus
}

// Options configures reconnect backoff. Zero values select defaults.
type Options struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// Reconciler owns the live streams.
type Reconciler struct {
	deps   Deps
	clock  clockwork.Clock
	logger *zap.Logger
	min    time.Duration
	max    time.Duration

	mu      sync.Mutex
	streams map[string]*conn
	closed  bool
}

type conn struct {
	cancel context.CancelFunc
	done   chan struct{}
	status *status.Machine
}

// New creates a reconciler.
func New(deps Deps, opts Options) *Reconciler {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = DefaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(DefaultReconnectMax, opts.ReconnectMin)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		deps:    deps,
		clock:   opts.Clock,
		logger:  opts.Logger.With(zap.String("component", "reconcile")),
		min:     opts.ReconnectMin,
		max:     opts.ReconnectMax,
		streams: make(map[string]*conn),
	}
}

// Open starts accountID's stream. Opening an account whose stream is
// already running does nothing.
func (r *Reconciler) Open(accountID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if c, ok := r.streams[accountID]; ok {
		select {
		case <-c.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		cancel: cancel,
		done:   make(chan struct{}),
		status: status.NewMachine(accountID, r.deps.Bus),
	}
	r.streams[accountID] = c
	go r.run(ctx, c, accountID, token)
	r.logger.Info("stream opened", zap.String("account_id", accountID))
}

// Close stops accountID's stream, including any pending reconnect, and
// waits for it to exit.
func (r *Reconciler) Close(accountID string) {
	r.mu.Lock()
	c, ok := r.streams[accountID]
	delete(r.streams, accountID)
	r.mu.Unlock()
	if ok {
		r.stop(c)
		r.logger.Info("stream closed", zap.String("account_id", accountID))
	}
}

// CloseAll stops every stream. Later Opens are ignored.
func (r *Reconciler) CloseAll() {
	r.mu.Lock()
	r.closed = true
	streams := r.streams
	r.streams = make(map[string]*conn)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.stop(c)
		}()
	}
	wg.Wait()
}

func (r *Reconciler) stop(c *conn) {
	c.cancel()
	<-c.done
	if c.status.Current() != status.Closed {
		_ = c.status.Transition(status.Closed)
	}
}

// Status returns the connection state of accountID's stream.
func (r *Reconciler) Status(accountID string) (status.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.streams[accountID]
	if !ok {
		return "", false
	}
	return c.status.Current(), true
}

func (r *Reconciler) run(ctx context.Context, c *conn, accountID, token string) {
	defer close(c.done)
	log := r.logger.With(zap.String("account_id", accountID))
	backoff := r.min

	for {
		s, err := r.deps.Dialer.Dial(ctx, accountID, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errs.Is(err, errs.Auth) {
				_ = c.status.Transition(status.Unauthorized)
				log.Warn("stream token rejected", zap.Error(err))
				r.deps.Accounts.MarkUnauthorized(accountID, err)
				return
			}
			log.Warn("stream dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			_ = c.status.Transition(status.Live)
			backoff = r.min
			r.refresh(ctx, accountID)
			err = r.consume(ctx, accountID, s)
			_ = s.Close()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errLoggedOut) {
				_ = c.status.Transition(status.Unauthorized)
				log.Warn("stream ended by remote logout")
				return
			}
			log.Warn("stream dropped", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		_ = c.status.Transition(status.Reconnecting)
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(backoff):
		}
		backoff = min(backoff*2, r.max)
		_ = c.status.Transition(status.Connecting)
	}
}

// refresh backfills chat metadata missed while disconnected.
func (r *Reconciler) refresh(ctx context.Context, accountID string) {
	chats, err := r.deps.Lister.ListChats(ctx, accountID)
	if err != nil {
		r.logger.Warn("chat list refresh failed", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	if err := r.deps.Chats.MergeChats(accountID, chats); err != nil {
		r.logger.Warn("chat list merge failed", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	if r.deps.Joins != nil {
		for _, c := range chats {
			if c.Membership == model.Member {
				r.deps.Joins.Resolved(accountID, c.ID)
			}
		}
	}
}

// consume applies frames until the stream fails.
func (r *Reconciler) consume(ctx context.Context, accountID string, s backend.Stream) error {
	for {
		env, err := s.Next(ctx)
		if err != nil {
			var fe *backend.FrameError
			if errors.As(err, &fe) {
				r.logger.Warn("skipping malformed frame", zap.String("account_id", accountID), zap.Error(err))
				continue
			}
			return err
		}
		if env.AccountID != accountID {
			r.logger.Warn("dropping frame for another account",
				zap.String("account_id", accountID),
				zap.String("frame_account_id", env.AccountID),
				zap.String("type", env.Type))
			continue
		}
		evt, err := Normalize(env)
		if err != nil {
			r.logger.Warn("skipping invalid event", zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		if err := r.Apply(accountID, evt); err != nil {
			r.logger.Error("failed to apply event",
				zap.String("account_id", accountID),
				zap.String("type", env.Type),
				zap.Error(err))
		}
		if au, ok := evt.(AccountUpdated); ok && au.Patch.LoggedOut != nil && *au.Patch.LoggedOut {
			return errLoggedOut
		}
	}
}

// Apply routes one event to its owner.
func (r *Reconciler) Apply(accountID string, evt Event) error {
	switch e := evt.(type) {
	case NewMessage:
		_, err := r.deps.Chats.InsertMessage(accountID, e.ChatID, e.Message)
		return err
	case MessageRead:
		return r.deps.Chats.MarkMessagesRead(accountID, e.ChatID, e.MessageIDs)
	case Mentioned:
		return r.deps.Chats.SetMention(accountID, e.ChatID)
	case ChatUpdated:
		if _, err := r.deps.Chats.ApplyChatPatch(accountID, e.ChatID, e.Patch); err != nil {
			return err
		}
		if m := e.Patch.Membership; m != nil && *m != model.Pending && r.deps.Joins != nil {
			r.deps.Joins.Resolved(accountID, e.ChatID)
		}
		return nil
	case AccountUpdated:
		return r.deps.Accounts.ApplyAccountPatch(accountID, e.Patch)
	default:
		return fmt.Errorf("unhandled event %T", evt)
	}
}
