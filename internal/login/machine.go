// Package login drives each account from unauthenticated to authenticated.
//
// One Manager holds a small state machine per account:
//
//	idle -> phone_submitted -> code_sent -> awaiting_code -> password_required -> complete
//	                                                      \-> complete
//
// Any backend failure moves the machine to error. An error remembers the
// step to resume from, so a mistyped code is retried with SubmitCode and a
// wrong password with SubmitPassword; SubmitPhone restarts from scratch.
package login

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/multichat/internal/backend"
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"go.uber.org/zap"
)

// Backend is the subset of the REST client used for login.
type Backend interface {
	StartLogin(ctx context.Context, accountID, phone string) (string, error)
	CompleteLogin(ctx context.Context, accountID, phone, phoneCodeHash, code string) (backend.LoginResult, error)
	SubmitPassword(ctx context.Context, accountID, password string) (string, error)
}

// State is a snapshot of one account's login machine.
type State struct {
	AccountID string
	Step      model.LoginStep
	// Resume is the step a retry continues from while Step is error.
	Resume  model.LoginStep
	Phone   string
	Retries int
	Err     error
}

// Hooks are called outside the manager's lock. OnTransition sees every
// state change of an account in order; OnComplete runs once the backend
// issued a token.
type Hooks struct {
	OnTransition func(State)
	OnComplete   func(ctx context.Context, st State, token string) error
}

type machine struct {
	accountID string
	step      model.LoginStep
	resume    model.LoginStep
	phone     string
	hash      string
	retries   int
	lastErr   error
	busy      bool
	cancel    context.CancelFunc
}

func (mc *machine) snapshot() State {
	return State{
		AccountID: mc.accountID,
		Step:      mc.step,
		Resume:    mc.resume,
		Phone:     mc.phone,
		Retries:   mc.retries,
		Err:       mc.lastErr,
	}
}

// Manager owns the login machines of all accounts.
type Manager struct {
	backend  Backend
	bus      *bus.Bus
	hooks    Hooks
	logger   *zap.Logger
	validate *validator.Validate

	mu       sync.Mutex
	machines map[string]*machine
}

// New creates a login manager.
func New(be Backend, b *bus.Bus, hooks Hooks, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:  be,
		bus:      b,
		hooks:    hooks,
		logger:   logger.With(zap.String("component", "login")),
		validate: validator.New(),
		machines: make(map[string]*machine),
	}
}

// State returns the current login state of accountID, if a login is in
// progress.
func (m *Manager) State(accountID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[accountID]
	if !ok {
		return State{}, false
	}
	return mc.snapshot(), true
}

// ValidatePhone reports whether phone is in E.164 form.
func (m *Manager) ValidatePhone(phone string) error {
	if err := m.validate.Var(phone, "required,e164"); err != nil {
		return errs.ValidationError("login.submit_phone", "phone %q is not in E.164 format", phone)
	}
	return nil
}

// SubmitPhone starts (or restarts) a login. Valid from idle and error.
func (m *Manager) SubmitPhone(ctx context.Context, accountID, phone string) (State, error) {
	const op = "login.submit_phone"
	if err := m.ValidatePhone(phone); err != nil {
		return State{}, err
	}
	mc, runCtx, err := m.acquire(ctx, op, accountID, true, func(mc *machine) bool {
		return mc.step == model.StepIdle || mc.step == model.StepError
	})
	if err != nil {
		return State{}, err
	}

	m.update(mc, false, func(mc *machine) {
		mc.step = model.StepPhoneSubmitted
		mc.resume = ""
		mc.phone = phone
		mc.hash = ""
		mc.retries = 0
		mc.lastErr = nil
	})

	hash, err := m.backend.StartLogin(runCtx, accountID, phone)
	if err != nil {
		return m.fail(mc, op, model.StepIdle, err)
	}

	m.update(mc, false, func(mc *machine) {
		mc.step = model.StepCodeSent
		mc.hash = hash
	})
	st, ok := m.update(mc, true, func(mc *machine) {
		mc.step = model.StepAwaitingCode
	})
	if !ok {
		return State{}, canceled(op, accountID)
	}
	return st, nil
}

// SubmitCode verifies the code sent to the phone. Valid from code_sent,
// awaiting_code, and error resuming awaiting_code.
func (m *Manager) SubmitCode(ctx context.Context, accountID, code string) (State, error) {
	const op = "login.submit_code"
	if code == "" {
		return State{}, errs.ValidationError(op, "code is required")
	}
	mc, runCtx, err := m.acquire(ctx, op, accountID, false, func(mc *machine) bool {
		switch mc.step {
		case model.StepCodeSent, model.StepAwaitingCode:
			return true
		case model.StepError:
			return mc.resume == model.StepAwaitingCode
		}
		return false
	})
	if err != nil {
		return State{}, err
	}

	phone, hash := mc.phone, mc.hash
	res, err := m.backend.CompleteLogin(runCtx, accountID, phone, hash, code)
	if err != nil {
		return m.fail(mc, op, model.StepAwaitingCode, err)
	}
	switch {
	case res.Token != "":
		return m.complete(ctx, mc, op, res.Token)
	case res.Requires2FA:
		st, ok := m.update(mc, true, func(mc *machine) {
			mc.step = model.StepPasswordRequired
			mc.resume = ""
			mc.lastErr = nil
		})
		if !ok {
			return State{}, canceled(op, accountID)
		}
		return st, nil
	default:
		return m.fail(mc, op, model.StepAwaitingCode,
			errs.E(errs.Network, op, "backend returned neither token nor 2FA challenge"))
	}
}

// SubmitPassword completes a two-factor login. Valid from password_required
// and error resuming it.
func (m *Manager) SubmitPassword(ctx context.Context, accountID, password string) (State, error) {
	const op = "login.submit_password"
	if password == "" {
		return State{}, errs.ValidationError(op, "password is required")
	}
	mc, runCtx, err := m.acquire(ctx, op, accountID, false, func(mc *machine) bool {
		return mc.step == model.StepPasswordRequired ||
			(mc.step == model.StepError && mc.resume == model.StepPasswordRequired)
	})
	if err != nil {
		return State{}, err
	}

	token, err := m.backend.SubmitPassword(runCtx, accountID, password)
	if err == nil && token == "" {
		err = errs.E(errs.Network, op, "backend returned an empty token")
	}
	if err != nil {
		return m.fail(mc, op, model.StepPasswordRequired, err)
	}
	return m.complete(ctx, mc, op, token)
}

// Cancel aborts any in-flight backend call for accountID and discards its
// machine. Unknown accounts are ignored.
func (m *Manager) Cancel(accountID string) {
	m.mu.Lock()
	mc, ok := m.machines[accountID]
	if ok {
		delete(m.machines, accountID)
		if mc.cancel != nil {
			mc.cancel()
		}
	}
	m.mu.Unlock()
	if ok {
		m.logger.Debug("login canceled", zap.String("account_id", accountID))
	}
}

// acquire marks mc busy for one backend round trip. The returned context
// is canceled by Cancel or when the attempt finishes.
func (m *Manager) acquire(parent context.Context, op, accountID string, create bool, valid func(*machine) bool) (*machine, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.machines[accountID]
	if !ok {
		if !create {
			return nil, nil, errs.ConflictError(op, "no login in progress for account %s", accountID)
		}
		mc = &machine{accountID: accountID, step: model.StepIdle}
		m.machines[accountID] = mc
	}
	if mc.busy {
		return nil, nil, errs.ConflictError(op, "a login attempt is already in flight for account %s", accountID)
	}
	if !valid(mc) {
		return nil, nil, errs.ConflictError(op, "not allowed in state %s", mc.step)
	}
	ctx, cancel := context.WithCancel(parent)
	mc.busy = true
	mc.cancel = cancel
	return mc, ctx, nil
}

// update mutates mc if it is still registered and publishes the new state.
// done ends the current attempt. It reports false when the machine was
// discarded by Cancel in the meantime.
func (m *Manager) update(mc *machine, done bool, fn func(*machine)) (State, bool) {
	m.mu.Lock()
	if m.machines[mc.accountID] != mc {
		m.mu.Unlock()
		return State{}, false
	}
	fn(mc)
	if done {
		mc.busy = false
		if mc.cancel != nil {
			mc.cancel()
			mc.cancel = nil
		}
	}
	if mc.step == model.StepComplete {
		delete(m.machines, mc.accountID)
	}
	st := mc.snapshot()
	m.mu.Unlock()

	m.bus.Publish(bus.Event{
		Kind:      bus.AccountLoginState,
		AccountID: st.AccountID,
		Payload:   st,
	})
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(st)
	}
	return st, true
}

func (m *Manager) fail(mc *machine, op string, resume model.LoginStep, cause error) (State, error) {
	st, ok := m.update(mc, true, func(mc *machine) {
		mc.step = model.StepError
		mc.resume = resume
		mc.lastErr = cause
		if errs.Is(cause, errs.Auth) {
			mc.retries++
		}
	})
	if !ok {
		return State{}, canceled(op, mc.accountID)
	}
	m.logger.Info("login step failed",
		zap.String("account_id", mc.accountID),
		zap.String("op", op),
		zap.String("resume", string(resume)),
		zap.Int("retries", st.Retries),
		zap.Error(cause))
	return st, cause
}

func (m *Manager) complete(ctx context.Context, mc *machine, op, token string) (State, error) {
	st, ok := m.update(mc, true, func(mc *machine) {
		mc.step = model.StepComplete
		mc.resume = ""
		mc.lastErr = nil
	})
	if !ok {
		return State{}, canceled(op, mc.accountID)
	}
	m.logger.Info("login complete", zap.String("account_id", mc.accountID))
	if m.hooks.OnComplete != nil {
		if err := m.hooks.OnComplete(ctx, st, token); err != nil {
			m.logger.Error("login completion hook failed",
				zap.String("account_id", mc.accountID),
				zap.Error(err))
			return st, err
		}
	}
	return st, nil
}

func canceled(op, accountID string) error {
	return errs.ConflictError(op, "login for account %s was canceled", accountID)
}
