// Package registry owns the accounts and the active-account pointer. It
// creates accounts, drives them through login, restores persisted
// sessions and tears everything down again on removal.
package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/login"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/store"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxAuthRetries bounds rejected codes or passwords in AddAccount.
const MaxAuthRetries = 5

// Tokens persists session tokens.
type Tokens interface {
	Save(ctx context.Context, rec store.TokenRecord) (store.TokenRecord, error)
	List(ctx context.Context) ([]store.TokenRecord, error)
	Delete(ctx context.Context, accountID string) error
}

// Chats owns each account's chat partition.
type Chats interface {
	EnsureAccount(accountID string)
	FailPending(accountID string) int
	Purge(accountID string)
}

// Streams runs the live event streams.
type Streams interface {
	Open(accountID, token string)
	Close(accountID string)
}

// Authorizer holds the bearer tokens of the REST client.
type Authorizer interface {
	Authorize(accountID, token string)
	Forget(accountID string)
}

// Joins drops an account's outstanding join requests.
type Joins interface {
	Forget(accountID string)
}

// Authenticator supplies the code and password for AddAccount.
type Authenticator struct {
	Code     func(ctx context.Context, acct model.Account) (string, error)
	Password func(ctx context.Context, acct model.Account) (string, error)
}

// Deps are the registry's collaborators. Joins may be nil; Streams may be
// attached later with SetStreams.
type Deps struct {
	LoginBackend login.Backend
	Tokens       Tokens
	Chats        Chats
	Streams      Streams
	Auth         Authorizer
	Joins        Joins
	Bus          *bus.Bus
	Clock        clockwork.Clock
	Logger       *zap.Logger
	// NewID generates account ids.
	NewID func() string
}

// Registry is the single owner of accounts.
type Registry struct {
	deps   Deps
	login  *login.Manager
	clock  clockwork.Clock
	logger *zap.Logger

	// lifecycle orders login completion against removal, so a removed
	// account never gets its token, stream or bearer token back.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	accounts map[string]*model.Account
	active   string
}

// New creates a registry.
func New(d Deps) *Registry {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.NewID == nil {
		d.NewID = func() string { return ksuid.New().String() }
	}
	r := &Registry{
		deps:     d,
		clock:    d.Clock,
		logger:   d.Logger.With(zap.String("component", "registry")),
		accounts: make(map[string]*model.Account),
	}
	r.login = login.New(d.LoginBackend, d.Bus, login.Hooks{
		OnTransition: r.onTransition,
		OnComplete:   r.onComplete,
	}, d.Logger)
	return r
}

// SetStreams attaches the stream owner. It must be called before Start.
func (r *Registry) SetStreams(s Streams) {
	r.deps.Streams = s
}

// Login exposes the login manager for state queries.
func (r *Registry) Login() *login.Manager {
	return r.login
}

// Begin creates an account for phone and submits the phone. A phone that
// belongs to an account whose login failed restarts that login instead.
func (r *Registry) Begin(ctx context.Context, phone string) (model.Account, error) {
	acct, _, err := r.begin(ctx, phone)
	return acct, err
}

// begin also reports whether the account was created by this call.
func (r *Registry) begin(ctx context.Context, phone string) (model.Account, bool, error) {
	const op = "registry.begin"
	if err := r.login.ValidatePhone(phone); err != nil {
		return model.Account{}, false, err
	}

	r.mu.Lock()
	var acct *model.Account
	for _, a := range r.accounts {
		if a.Phone != phone {
			continue
		}
		if a.Status != model.StepError && a.Status != model.StepIdle {
			r.mu.Unlock()
			return model.Account{}, false, errs.ConflictError(op, "phone %s is already in use by account %s", phone, a.ID)
		}
		acct = a
	}
	created := acct == nil
	if created {
		acct = &model.Account{
			ID:        r.deps.NewID(),
			Phone:     phone,
			Status:    model.StepIdle,
			CreatedAt: r.clock.Now(),
		}
		r.accounts[acct.ID] = acct
	}
	id := acct.ID
	snap := *acct
	r.mu.Unlock()

	if created {
		r.deps.Chats.EnsureAccount(id)
		r.publish(bus.AccountAdded, snap)
		r.logger.Info("account created", zap.String("account_id", id))
	}

	if _, err := r.login.SubmitPhone(ctx, id, phone); err != nil {
		a, _ := r.Account(id)
		return a, created, err
	}
	a, err := r.Account(id)
	return a, created, err
}

// AddAccount runs a whole login for phone, asking auth for the code and
// password. Rejected codes or passwords are asked again up to
// MaxAuthRetries times. On failure an account created by this call is
// removed again; a restarted account is left in error.
func (r *Registry) AddAccount(ctx context.Context, phone string, auth Authenticator) (model.Account, error) {
	acct, created, err := r.begin(ctx, phone)
	if err != nil {
		if created {
			_ = r.RemoveAccount(ctx, acct.ID)
		}
		return model.Account{}, err
	}
	id := acct.ID

	abort := func(err error) (model.Account, error) {
		if created {
			_ = r.RemoveAccount(ctx, id)
			return model.Account{}, err
		}
		r.login.Cancel(id)
		_, _ = r.update("registry.add_account", id, func(a *model.Account) {
			if a.Status != model.StepComplete {
				a.Status = model.StepError
			}
		})
		return model.Account{}, err
	}

	for {
		st, ok := r.login.State(id)
		if !ok {
			return r.Account(id)
		}
		if st.Retries >= MaxAuthRetries {
			return abort(errs.AuthError("registry.add_account", "too many rejected attempts"))
		}

		var (
			next login.State
			err  error
		)
		step := st.Step
		if step == model.StepError {
			step = st.Resume
		}
		switch step {
		case model.StepCodeSent, model.StepAwaitingCode:
			if auth.Code == nil {
				return abort(errs.ValidationError("registry.add_account", "a code is required"))
			}
			code, cerr := auth.Code(ctx, acct)
			if cerr != nil {
				return abort(cerr)
			}
			next, err = r.login.SubmitCode(ctx, id, code)
		case model.StepPasswordRequired:
			if auth.Password == nil {
				return abort(errs.ValidationError("registry.add_account", "a password is required"))
			}
			pw, perr := auth.Password(ctx, acct)
			if perr != nil {
				return abort(perr)
			}
			next, err = r.login.SubmitPassword(ctx, id, pw)
		default:
			return abort(errs.ConflictError("registry.add_account", "unexpected login state %s", st.Step))
		}
		if err != nil && !errs.Is(err, errs.Auth) {
			return abort(err)
		}
		if next.Step == model.StepComplete {
			return r.Account(id)
		}
	}
}

// SubmitCode forwards a code to accountID's login.
func (r *Registry) SubmitCode(ctx context.Context, accountID, code string) (login.State, error) {
	if _, err := r.Account(accountID); err != nil {
		return login.State{}, err
	}
	return r.login.SubmitCode(ctx, accountID, code)
}

// SubmitPassword forwards a password to accountID's login.
func (r *Registry) SubmitPassword(ctx context.Context, accountID, password string) (login.State, error) {
	if _, err := r.Account(accountID); err != nil {
		return login.State{}, err
	}
	return r.login.SubmitPassword(ctx, accountID, password)
}

// RemoveAccount cancels the login, closes the stream, fails pending sends,
// drops the chats and deletes the persisted token. Unknown ids are a no-op.
func (r *Registry) RemoveAccount(ctx context.Context, accountID string) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	acct, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.accounts, accountID)
	wasActive := r.active == accountID
	if wasActive {
		r.active = ""
	}
	snap := *acct
	r.mu.Unlock()

	r.login.Cancel(accountID)
	if r.deps.Streams != nil {
		r.deps.Streams.Close(accountID)
	}
	if r.deps.Joins != nil {
		r.deps.Joins.Forget(accountID)
	}
	failed := r.deps.Chats.FailPending(accountID)
	r.deps.Chats.Purge(accountID)
	r.deps.Auth.Forget(accountID)
	err := r.deps.Tokens.Delete(ctx, accountID)

	r.publish(bus.AccountRemoved, snap)
	if wasActive {
		r.publishActive("")
	}
	r.logger.Info("account removed",
		zap.String("account_id", accountID),
		zap.Int("failed_sends", failed))
	return err
}

// SetActiveAccount switches the active-account pointer.
func (r *Registry) SetActiveAccount(accountID string) error {
	r.mu.Lock()
	if _, ok := r.accounts[accountID]; !ok {
		r.mu.Unlock()
		return errs.NotFoundError("registry.set_active", "unknown account %s", accountID)
	}
	r.active = accountID
	r.mu.Unlock()
	r.publishActive(accountID)
	return nil
}

// ActiveAccount returns the active account, if any.
func (r *Registry) ActiveAccount() (model.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[r.active]
	if !ok {
		return model.Account{}, false
	}
	return *a, true
}

// Account returns one account.
func (r *Registry) Account(accountID string) (model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return model.Account{}, errs.NotFoundError("registry.account", "unknown account %s", accountID)
	}
	return *a, nil
}

// Accounts returns all accounts, oldest first.
func (r *Registry) Accounts() []model.Account {
	r.mu.RLock()
	out := make([]model.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Account) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// RestoreFromPersistedSessions recreates authenticated accounts from the
// token store without logging in again and opens their streams. Returns
// how many accounts were restored.
func (r *Registry) RestoreFromPersistedSessions(ctx context.Context) (int, error) {
	recs, err := r.deps.Tokens.List(ctx)
	if err != nil {
		return 0, err
	}

	var restored []store.TokenRecord
	r.mu.Lock()
	for _, rec := range recs {
		if _, ok := r.accounts[rec.AccountID]; ok {
			continue
		}
		r.accounts[rec.AccountID] = &model.Account{
			ID:          rec.AccountID,
			DisplayName: rec.DisplayName,
			Phone:       rec.Phone,
			Status:      model.StepComplete,
			CreatedAt:   rec.CreatedAt,
		}
		restored = append(restored, rec)
	}
	if r.active == "" && len(restored) > 0 {
		r.active = restored[0].AccountID
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range restored {
		g.Go(func() error {
			r.deps.Chats.EnsureAccount(rec.AccountID)
			r.deps.Auth.Authorize(rec.AccountID, rec.Token)
			if r.deps.Streams != nil {
				r.deps.Streams.Open(rec.AccountID, rec.Token)
			}
			acct, _ := r.Account(rec.AccountID)
			r.publish(bus.AccountAdded, acct)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(restored), err
	}
	r.logger.Info("sessions restored", zap.Int("accounts", len(restored)))
	return len(restored), nil
}

// SetAccountMuted sets the local per-account mute flag.
func (r *Registry) SetAccountMuted(accountID string, muted bool) (model.Account, error) {
	return r.update("registry.mute", accountID, func(a *model.Account) { a.Muted = muted })
}

// ApplyAccountPatch merges an AccountUpdated event. A remote logout is
// handled like a rejected token. The stream that delivered it stops on its
// own.
func (r *Registry) ApplyAccountPatch(accountID string, patch model.AccountPatch) error {
	if _, err := r.update("registry.apply_patch", accountID, patch.Apply); err != nil {
		return err
	}
	if patch.LoggedOut != nil && *patch.LoggedOut {
		r.revoke(accountID, errs.AuthError("registry.apply_patch", "session logged out remotely"))
	}
	return nil
}

// MarkUnauthorized records that the server rejected accountID's token.
// The persisted token is dropped so the next start does not reuse it.
func (r *Registry) MarkUnauthorized(accountID string, cause error) {
	if _, err := r.update("registry.unauthorized", accountID, func(a *model.Account) {
		a.Status = model.StepError
	}); err != nil {
		return
	}
	r.revoke(accountID, cause)
}

func (r *Registry) revoke(accountID string, cause error) {
	r.deps.Auth.Forget(accountID)
	if err := r.deps.Tokens.Delete(context.Background(), accountID); err != nil {
		r.logger.Error("failed to delete rejected token", zap.String("account_id", accountID), zap.Error(err))
	}
	r.logger.Warn("account session rejected", zap.String("account_id", accountID), zap.Error(cause))
}

func (r *Registry) update(op, accountID string, fn func(*model.Account)) (model.Account, error) {
	r.mu.Lock()
	a, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return model.Account{}, errs.NotFoundError(op, "unknown account %s", accountID)
	}
	fn(a)
	snap := *a
	r.mu.Unlock()
	r.publish(bus.AccountUpdated, snap)
	return snap, nil
}

func (r *Registry) onTransition(st login.State) {
	r.mu.Lock()
	if a, ok := r.accounts[st.AccountID]; ok {
		a.Status = st.Step
	}
	r.mu.Unlock()
}

// onComplete persists the token, authorizes the REST client and opens the
// stream. It runs under lifecycle, so it either finishes before a removal
// starts or finds the account gone.
func (r *Registry) onComplete(ctx context.Context, st login.State, token string) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	acct, err := r.Account(st.AccountID)
	if err != nil {
		r.logger.Info("login completed for removed account", zap.String("account_id", st.AccountID))
		return err
	}
	if _, err := r.deps.Tokens.Save(ctx, store.TokenRecord{
		AccountID:   acct.ID,
		Phone:       acct.Phone,
		DisplayName: acct.DisplayName,
		Token:       token,
	}); err != nil {
		_, _ = r.update("registry.complete", acct.ID, func(a *model.Account) { a.Status = model.StepError })
		return err
	}
	r.deps.Auth.Authorize(acct.ID, token)
	if r.deps.Streams != nil {
		r.deps.Streams.Open(acct.ID, token)
	}

	r.mu.Lock()
	setActive := r.active == ""
	if setActive {
		r.active = acct.ID
	}
	r.mu.Unlock()
	if setActive {
		r.publishActive(acct.ID)
	}
	_, _ = r.update("registry.complete", acct.ID, func(a *model.Account) { a.Status = model.StepComplete })
	return nil
}

func (r *Registry) publish(kind string, a model.Account) {
	r.deps.Bus.Publish(bus.Event{
		Kind:      kind,
		AccountID: a.ID,
		Timestamp: r.clock.Now(),
		Payload:   a,
	})
}

func (r *Registry) publishActive(accountID string) {
	r.deps.Bus.Publish(bus.Event{
		Kind:      bus.AccountActive,
		AccountID: accountID,
		Timestamp: r.clock.Now(),
	})
}
