package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/backend"
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/store"
)

type fakeLogin struct {
	startErr error
}

func (f *fakeLogin) StartLogin(ctx context.Context, accountID, phone string) (string, error) {
	return "h1", f.startErr
}

func (f *fakeLogin) CompleteLogin(ctx context.Context, accountID, phone, hash, code string) (backend.LoginResult, error) {
	if code != "12345" {
		return backend.LoginResult{}, errs.AuthError("login.complete", "invalid code")
	}
	return backend.LoginResult{Requires2FA: true}, nil
}

func (f *fakeLogin) SubmitPassword(ctx context.Context, accountID, password string) (string, error) {
	if password != "secret" {
		return "", errs.AuthError("login.2fa", "wrong password")
	}
	return "tok-" + accountID, nil
}

type fakeTokens struct {
	mu   sync.Mutex
	recs map[string]store.TokenRecord
	// When saving is set, Save signals it and waits for release.
	saving  chan struct{}
	release chan struct{}
}

func (f *fakeTokens) Save(ctx context.Context, rec store.TokenRecord) (store.TokenRecord, error) {
	if f.saving != nil {
		f.saving <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.AccountID] = rec
	return rec, nil
}

func (f *fakeTokens) List(ctx context.Context) ([]store.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TokenRecord
	for _, r := range f.recs {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeTokens) Delete(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, accountID)
	return nil
}

type fakeCollab struct {
	mu      sync.Mutex
	parts   map[string]bool
	opened  map[string]string
	closed  []string
	authed  map[string]string
	failed  []string
	forgets []string
}

func newCollab() *fakeCollab {
	return &fakeCollab{parts: map[string]bool{}, opened: map[string]string{}, authed: map[string]string{}}
}

func (f *fakeCollab) EnsureAccount(id string) { f.mu.Lock(); f.parts[id] = true; f.mu.Unlock() }
func (f *fakeCollab) FailPending(id string) int {
	f.mu.Lock()
	f.failed = append(f.failed, id)
	f.mu.Unlock()
	return 0
}
func (f *fakeCollab) Purge(id string) { f.mu.Lock(); delete(f.parts, id); f.mu.Unlock() }
func (f *fakeCollab) Open(id, token string) { f.mu.Lock(); f.opened[id] = token; f.mu.Unlock() }
func (f *fakeCollab) Close(id string) { f.mu.Lock(); f.closed = append(f.closed, id); f.mu.Unlock() }
func (f *fakeCollab) Authorize(id, token string) { f.mu.Lock(); f.authed[id] = token; f.mu.Unlock() }
func (f *fakeCollab) Forget(id string) { f.mu.Lock(); delete(f.authed, id); f.forgets = append(f.forgets, id); f.mu.Unlock() }

type fixture struct {
	reg    *Registry
	tokens *fakeTokens
	collab *fakeCollab
	login  *fakeLogin
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tokens: &fakeTokens{recs: map[string]store.TokenRecord{}},
		collab: newCollab(),
		login:  &fakeLogin{},
		clock:  clockwork.NewFakeClockAt(time.Unix(1000, 0)),
	}
	n := 0
	f.reg = New(Deps{
		LoginBackend: f.login,
		Tokens:       f.tokens,
		Chats:        f.collab,
		Streams:      f.collab,
		Auth:         f.collab,
		Bus:          bus.New(),
		Clock:        f.clock,
		NewID: func() string {
			n++
			return fmt.Sprintf("acct-%d", n)
		},
	})
	return f
}

func codeAuth(codes ...string) Authenticator {
	i := 0
	return Authenticator{
		Code: func(ctx context.Context, acct model.Account) (string, error) {
			c := codes[min(i, len(codes)-1)]
			i++
			return c, nil
		},
		Password: func(ctx context.Context, acct model.Account) (string, error) {
			return "secret", nil
		},
	}
}

func TestAddAccountCompletesAndPersists(t *testing.T) {
	f := newFixture(t)

	acct, err := f.reg.AddAccount(context.Background(), "+15551234567", codeAuth("00000", "12345"))
	if err != nil {
		t.Fatal(err)
	}
	if acct.Status != model.StepComplete {
		t.Errorf("status = %s, want complete", acct.Status)
	}
	if rec := f.tokens.recs[acct.ID]; rec.Token != "tok-"+acct.ID {
		t.Errorf("persisted = %+v", rec)
	}
	if f.collab.opened[acct.ID] != "tok-"+acct.ID {
		t.Error("stream not opened")
	}
	if active, ok := f.reg.ActiveAccount(); !ok || active.ID != acct.ID {
		t.Errorf("active = %+v, %v", active, ok)
	}
}

func TestBeginRejectsInvalidPhoneWithoutAccount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.Begin(context.Background(), "12345"); !errs.Is(err, errs.Validation) {
		t.Errorf("err = %v, want ValidationError", err)
	}
	if n := len(f.reg.Accounts()); n != 0 {
		t.Errorf("accounts = %d, want 0", n)
	}
}

func TestBeginDuplicatePhoneIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reg.Begin(ctx, "+15551234567"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Begin(ctx, "+15551234567"); !errs.Is(err, errs.Conflict) {
		t.Errorf("second Begin err = %v, want ConflictError", err)
	}
}

func TestBeginRestartsFailedLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login.startErr = errs.NetworkError("login.start", errors.New("down"))

	first, err := f.reg.Begin(ctx, "+15551234567")
	if !errs.Is(err, errs.Network) || first.Status != model.StepError {
		t.Fatalf("Begin() = %+v, %v", first, err)
	}

	f.login.startErr = nil
	second, err := f.reg.Begin(ctx, "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Status != model.StepAwaitingCode {
		t.Errorf("restart = %+v", second)
	}
}

func TestAddAccountGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.AddAccount(context.Background(), "+15551234567", codeAuth("bad"))
	if !errs.Is(err, errs.Auth) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if n := len(f.reg.Accounts()); n != 0 {
		t.Errorf("failed account left behind: %d", n)
	}
}

func TestRemoveAccountCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.reg.AddAccount(ctx, "+15551234567", codeAuth("12345"))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.reg.RemoveAccount(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Account(acct.ID); !errs.Is(err, errs.NotFound) {
		t.Errorf("account still present: %v", err)
	}
	if _, ok := f.reg.ActiveAccount(); ok {
		t.Error("active pointer not cleared")
	}
	if _, ok := f.tokens.recs[acct.ID]; ok {
		t.Error("token not deleted")
	}
	if len(f.collab.closed) != 1 || f.collab.parts[acct.ID] || len(f.collab.failed) != 1 {
		t.Errorf("collaborators = %+v", f.collab)
	}

	if err := f.reg.RemoveAccount(ctx, acct.ID); err != nil {
		t.Errorf("second RemoveAccount() = %v, want nil", err)
	}
}

func TestSetActiveUnknownIsNotFound(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.SetActiveAccount("nope"); !errs.Is(err, errs.NotFound) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestRestoreFromPersistedSessions(t *testing.T) {
	f := newFixture(t)
	f.tokens.recs["b"] = store.TokenRecord{AccountID: "b", Phone: "+2", Token: "tok-b", CreatedAt: time.Unix(20, 0)}
	f.tokens.recs["a"] = store.TokenRecord{AccountID: "a", Phone: "+1", Token: "tok-a", CreatedAt: time.Unix(10, 0)}

	n, err := f.reg.RestoreFromPersistedSessions(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("restore = %d, %v", n, err)
	}
	accounts := f.reg.Accounts()
	if len(accounts) != 2 || accounts[0].ID != "a" || accounts[1].ID != "b" {
		t.Fatalf("accounts = %+v", accounts)
	}
	for _, a := range accounts {
		if a.Status != model.StepComplete {
			t.Errorf("%s status = %s", a.ID, a.Status)
		}
		if f.collab.opened[a.ID] != "tok-"+a.ID || f.collab.authed[a.ID] != "tok-"+a.ID {
			t.Errorf("%s not opened/authorized", a.ID)
		}
	}
}

func TestMarkUnauthorizedDropsToken(t *testing.T) {
	f := newFixture(t)
	f.tokens.recs["a"] = store.TokenRecord{AccountID: "a", Phone: "+1", Token: "tok-a"}
	if _, err := f.reg.RestoreFromPersistedSessions(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.reg.MarkUnauthorized("a", errs.AuthError("stream.dial", "rejected"))
	a, _ := f.reg.Account("a")
	if a.Status != model.StepError {
		t.Errorf("status = %s, want error", a.Status)
	}
	if _, ok := f.tokens.recs["a"]; ok {
		t.Error("rejected token kept")
	}
}

func TestAccountPatchAndMute(t *testing.T) {
	f := newFixture(t)
	f.tokens.recs["a"] = store.TokenRecord{AccountID: "a", Phone: "+1", Token: "tok-a"}
	_, _ = f.reg.RestoreFromPersistedSessions(context.Background())

	name := "Alice"
	if err := f.reg.ApplyAccountPatch("a", model.AccountPatch{DisplayName: &name}); err != nil {
		t.Fatal(err)
	}
	a, err := f.reg.SetAccountMuted("a", true)
	if err != nil {
		t.Fatal(err)
	}
	if a.DisplayName != "Alice" || !a.Muted {
		t.Errorf("account = %+v", a)
	}
	if err := f.reg.ApplyAccountPatch("zz", model.AccountPatch{}); !errs.Is(err, errs.NotFound) {
		t.Errorf("unknown account err = %v", err)
	}
}

func TestRemoveDuringCompletionLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.reg.Begin(ctx, "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.SubmitCode(ctx, acct.ID, "12345"); err != nil {
		t.Fatal(err)
	}

	f.tokens.saving = make(chan struct{})
	f.tokens.release = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.reg.SubmitPassword(ctx, acct.ID, "secret")
	}()
	<-f.tokens.saving

	removed := make(chan error, 1)
	go func() { removed <- f.reg.RemoveAccount(ctx, acct.ID) }()
	select {
	case err := <-removed:
		t.Fatalf("RemoveAccount() = %v while the token was being saved", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(f.tokens.release)

	if err := <-removed; err != nil {
		t.Fatal(err)
	}
	<-done

	if _, err := f.reg.Account(acct.ID); !errs.Is(err, errs.NotFound) {
		t.Errorf("account still present: %v", err)
	}
	if _, ok := f.tokens.recs[acct.ID]; ok {
		t.Error("token persisted for removed account")
	}
	if _, ok := f.collab.authed[acct.ID]; ok {
		t.Error("bearer token still registered for removed account")
	}
	if len(f.collab.closed) != 1 || f.collab.closed[0] != acct.ID {
		t.Errorf("closed = %v, want the stream opened on completion closed", f.collab.closed)
	}

	again := New(Deps{Tokens: f.tokens, Chats: newCollab(), Auth: newCollab(), Bus: bus.New()})
	if n, err := again.RestoreFromPersistedSessions(ctx); err != nil || n != 0 {
		t.Errorf("restore after removal = %d, %v, want 0", n, err)
	}
}

func TestRemoteLogoutDropsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tokens.recs["a"] = store.TokenRecord{AccountID: "a", Phone: "+1", Token: "tok-a"}
	if _, err := f.reg.RestoreFromPersistedSessions(ctx); err != nil {
		t.Fatal(err)
	}

	yes := true
	if err := f.reg.ApplyAccountPatch("a", model.AccountPatch{LoggedOut: &yes}); err != nil {
		t.Fatal(err)
	}
	a, _ := f.reg.Account("a")
	if a.Status != model.StepError {
		t.Errorf("status = %s, want error", a.Status)
	}
	if _, ok := f.tokens.recs["a"]; ok {
		t.Error("revoked token kept")
	}
	if _, ok := f.collab.authed["a"]; ok {
		t.Error("revoked bearer token still registered")
	}

	again := New(Deps{Tokens: f.tokens, Chats: newCollab(), Auth: newCollab(), Bus: bus.New()})
	if n, err := again.RestoreFromPersistedSessions(ctx); err != nil || n != 0 {
		t.Errorf("restore after logout = %d, %v, want 0", n, err)
	}
}

func TestAddAccountKeepsRestartedAccountOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login.startErr = errs.NetworkError("login.start", errors.New("down"))
	first, _ := f.reg.Begin(ctx, "+15551234567")
	if first.ID == "" {
		t.Fatal("Begin did not create the account")
	}

	if _, err := f.reg.AddAccount(ctx, "+15551234567", codeAuth("12345")); !errs.Is(err, errs.Network) {
		t.Fatalf("AddAccount() err = %v, want NetworkError", err)
	}
	if a, err := f.reg.Account(first.ID); err != nil || a.Status != model.StepError {
		t.Fatalf("restarted account = %+v, %v, want kept in error", a, err)
	}

	f.login.startErr = nil
	if _, err := f.reg.AddAccount(ctx, "+15551234567", codeAuth("bad")); !errs.Is(err, errs.Auth) {
		t.Fatalf("AddAccount() err = %v, want AuthError", err)
	}
	if a, err := f.reg.Account(first.ID); err != nil || a.Status != model.StepError {
		t.Fatalf("restarted account = %+v, %v, want kept in error", a, err)
	}
	if len(f.collab.failed) != 0 {
		t.Error("restarted account was torn down")
	}

	if _, err := f.reg.Begin(ctx, "+15551234567"); err != nil {
		t.Errorf("restart after failure: %v", err)
	}
}

func TestSetActiveKeepsStreamsOpen(t *testing.T) {
	f := newFixture(t)
	f.tokens.recs["a"] = store.TokenRecord{AccountID: "a", Phone: "+1", Token: "tok-a", CreatedAt: time.Unix(10, 0)}
	f.tokens.recs["b"] = store.TokenRecord{AccountID: "b", Phone: "+2", Token: "tok-b", CreatedAt: time.Unix(20, 0)}
	if _, err := f.reg.RestoreFromPersistedSessions(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := f.reg.SetActiveAccount("b"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetActiveAccount("a"); err != nil {
		t.Fatal(err)
	}
	if len(f.collab.closed) != 0 {
		t.Errorf("closed = %v, want no stream closed by switching", f.collab.closed)
	}
	if len(f.collab.opened) != 2 {
		t.Errorf("opened = %v", f.collab.opened)
	}
}
