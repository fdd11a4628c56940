// Package join runs membership requests for chats the account is not a
// member of. Public chats usually answer member right away; private ones
// stay pending until approved externally or the approval window closes.
package join

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/timeout"
	"go.uber.org/zap"
)

const (
	DefaultJoinTimeout     = 15 * time.Second
	DefaultApprovalTimeout = 24 * time.Hour
)

// Backend issues the join call.
type Backend interface {
	JoinChat(ctx context.Context, accountID, chatID string) (model.Membership, error)
}

// Chats is the membership state owner.
type Chats interface {
	Chat(accountID, chatID string) (model.Chat, error)
	BeginJoin(accountID, chatID string) (model.Chat, error)
	ResolveJoin(accountID, chatID string, to model.Membership) bool
}

// Request is an outstanding join request.
type Request struct {
	AccountID string
	ChatID    string
	StartedAt time.Time
	Deadline  time.Time
}

type key struct{ accountID, chatID string }

type request struct {
	Request
	timer clockwork.Timer
}

// Options configures a Workflow. Zero values select defaults.
type Options struct {
	JoinTimeout     time.Duration
	ApprovalTimeout time.Duration
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

// Workflow tracks join requests across accounts.
type Workflow struct {
	backend  Backend
	chats    Chats
	clock    clockwork.Clock
	logger   *zap.Logger
	joinTO   time.Duration
	approval time.Duration

	mu      sync.Mutex
	pending map[key]*request
}

// New creates a workflow.
func New(be Backend, chats Chats, opts Options) *Workflow {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultApprovalTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Workflow{
		backend:  be,
		chats:    chats,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("component", "join")),
		joinTO:   opts.JoinTimeout,
		approval: opts.ApprovalTimeout,
		pending:  make(map[key]*request),
	}
}

// RequestJoin asks to join chatID. Only valid while the account is not a
// member; the chat is pending for the duration of the call. The returned
// membership is member, or pending if approval is needed.
func (w *Workflow) RequestJoin(ctx context.Context, accountID, chatID string) (model.Membership, error) {
	const op = "join.request"
	if _, err := w.chats.BeginJoin(accountID, chatID); err != nil {
		return "", err
	}
	log := w.logger.With(zap.String("account_id", accountID), zap.String("chat_id", chatID))

	callCtx, cancel := timeout.With(ctx, w.clock, w.joinTO)
	defer cancel()
	got, err := w.backend.JoinChat(callCtx, accountID, chatID)
	if err != nil {
		if timeout.Expired(callCtx) {
			err = errs.E(errs.Network, op, "join timed out after %s", w.joinTO)
		}
		w.chats.ResolveJoin(accountID, chatID, model.NotMember)
		log.Warn("join failed", zap.Error(err))
		return "", err
	}

	switch got {
	case model.Pending:
		if now := w.await(accountID, chatID); now != model.Pending {
			log.Info("join settled during call", zap.String("membership", string(now)))
			return now, nil
		}
		log.Info("join awaiting approval")
		return model.Pending, nil
	case model.Member:
		w.chats.ResolveJoin(accountID, chatID, model.Member)
		log.Info("joined")
		return model.Member, nil
	default:
		w.chats.ResolveJoin(accountID, chatID, model.NotMember)
		return model.NotMember, errs.ConflictError(op, "join of %s was refused", chatID)
	}
}

// await starts the approval window. When it closes with the chat still
// pending, the request is reverted. A membership event may already have
// settled the chat while the call was in flight; then nothing is tracked
// and the settled membership is returned.
func (w *Workflow) await(accountID, chatID string) model.Membership {
	k := key{accountID, chatID}
	now := w.clock.Now()
	req := &request{Request: Request{
		AccountID: accountID,
		ChatID:    chatID,
		StartedAt: now,
		Deadline:  now.Add(w.approval),
	}}

	w.mu.Lock()
	defer w.mu.Unlock()
	c, err := w.chats.Chat(accountID, chatID)
	if err != nil {
		return model.NotMember
	}
	if c.Membership != model.Pending {
		return c.Membership
	}
	if old, ok := w.pending[k]; ok {
		old.timer.Stop()
	}
	req.timer = w.clock.AfterFunc(w.approval, func() {
		w.mu.Lock()
		if w.pending[k] != req {
			w.mu.Unlock()
			return
		}
		delete(w.pending, k)
		w.mu.Unlock()
		if w.chats.ResolveJoin(accountID, chatID, model.NotMember) {
			w.logger.Info("join approval timed out",
				zap.String("account_id", accountID),
				zap.String("chat_id", chatID))
		}
	})
	w.pending[k] = req
	return model.Pending
}

// Resolved drops the request for chatID once its membership was settled
// by an event.
func (w *Workflow) Resolved(accountID, chatID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := key{accountID, chatID}
	if req, ok := w.pending[k]; ok {
		req.timer.Stop()
		delete(w.pending, k)
	}
}

// Forget drops every request of accountID.
func (w *Workflow) Forget(accountID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, req := range w.pending {
		if k.accountID == accountID {
			req.timer.Stop()
			delete(w.pending, k)
		}
	}
}

// Pending lists the outstanding requests of accountID.
func (w *Workflow) Pending(accountID string) []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Request
	for k, req := range w.pending {
		if k.accountID == accountID {
			out = append(out, req.Request)
		}
	}
	return out
}
