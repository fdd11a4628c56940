package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/backend"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/registry"
	"github.com/matheus3301/multichat/internal/sealed"
	"github.com/matheus3301/multichat/internal/store"
	"go.uber.org/zap/zaptest"
)

// fakeServer answers the login and chat-list endpoints for one phone.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	fail := func(w http.ResponseWriter, status int, msg string) {
		w.WriteHeader(status)
		reply(w, map[string]string{"error": msg})
	}
	body := func(r *http.Request) map[string]string {
		var m map[string]string
		_ = json.NewDecoder(r.Body).Decode(&m)
		return m
	}

	mux.HandleFunc("POST /login/start", func(w http.ResponseWriter, r *http.Request) {
		if body(r)["phone"] != "+15551234567" {
			fail(w, http.StatusBadRequest, "unknown phone")
			return
		}
		reply(w, map[string]string{"phoneCodeHash": "h1"})
	})
	mux.HandleFunc("POST /login/complete", func(w http.ResponseWriter, r *http.Request) {
		b := body(r)
		if b["phoneCodeHash"] != "h1" || b["code"] != "12345" {
			fail(w, http.StatusUnauthorized, "invalid code")
			return
		}
		reply(w, map[string]bool{"requires2FA": true})
	})
	mux.HandleFunc("POST /login/2fa", func(w http.ResponseWriter, r *http.Request) {
		if body(r)["password"] != "secret" {
			fail(w, http.StatusUnauthorized, "wrong password")
			return
		}
		reply(w, map[string]string{"token": "tok-A"})
	})
	mux.HandleFunc("GET /chats", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-A" {
			fail(w, http.StatusUnauthorized, "no session")
			return
		}
		reply(w, []backend.Chat{{
			ID: "c1", Title: "General", Kind: "group", Privacy: "public", Membership: "member",
		}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type chanStream struct {
	frames chan backend.Envelope
}

func (s *chanStream) Next(ctx context.Context) (backend.Envelope, error) {
	select {
	case env := <-s.frames:
		return env, nil
	case <-ctx.Done():
		return backend.Envelope{}, ctx.Err()
	}
}

func (s *chanStream) Close() error { return nil }

type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	stream *chanStream
}

func (d *fakeDialer) Dial(ctx context.Context, accountID, token string) (backend.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	return d.stream, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func openTokens(t *testing.T, dir string, clock clockwork.Clock) *store.Tokens {
	t.Helper()
	s, err := sealed.LoadOrCreate(filepath.Join(dir, "token.key"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.Open(filepath.Join(dir, "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewTokens(db, s, clock, 0, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoginStreamAndRestore(t *testing.T) {
	srv := fakeServer(t)
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	dialer := &fakeDialer{stream: &chanStream{frames: make(chan backend.Envelope, 8)}}
	tokens := openTokens(t, dir, clock)
	eng := New(backend.NewClient(srv.URL, 5*time.Second, nil), dialer, tokens, nil, Config{}, clock, zaptest.NewLogger(t))
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}

	codes := []string{"99999", "12345"}
	acct, err := eng.Registry().AddAccount(ctx, "+15551234567", registry.Authenticator{
		Code: func(ctx context.Context, a model.Account) (string, error) {
			c := codes[0]
			codes = codes[1:]
			return c, nil
		},
		Password: func(ctx context.Context, a model.Account) (string, error) {
			return "secret", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if acct.Status != model.StepComplete {
		t.Fatalf("status = %s, want complete", acct.Status)
	}

	rec, err := tokens.Get(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Token != "tok-A" || rec.Phone != "+15551234567" {
		t.Errorf("persisted = %+v", rec)
	}

	waitFor(t, "chat list refresh", func() bool {
		_, err := eng.Chats().Chat(acct.ID, "c1")
		return err == nil
	})

	m1 := backend.Envelope{
		Type:      backend.TypeNewMessage,
		AccountID: acct.ID,
		ChatID:    "c1",
		Message:   &backend.Message{ID: "m1", Text: "hello", SenderID: "u2", Timestamp: clock.Now().UnixMilli()},
	}
	m2 := m1
	m2.Message = &backend.Message{ID: "m2", Text: "again", SenderID: "u2", Timestamp: clock.Now().UnixMilli() + 1}
	dialer.stream.frames <- m1
	dialer.stream.frames <- m1
	dialer.stream.frames <- m2

	var msgs []model.Message
	waitFor(t, "second message", func() bool {
		msgs, _ = eng.Chats().ListMessages(acct.ID, "c1")
		return len(msgs) > 0 && msgs[len(msgs)-1].ID == "m2"
	})
	if len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v, want m1 once then m2", msgs)
	}
	chat, _ := eng.Chats().Chat(acct.ID, "c1")
	if chat.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", chat.UnreadCount)
	}
	b, err := eng.Badges().Badges(acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.UnreadMessages != 2 || b.UnreadChats != 1 {
		t.Errorf("badges = %+v, want 2 unread in 1 chat", b)
	}
	eng.Close()

	// A second engine on the same token store restores the session
	// without logging in again.
	dialer2 := &fakeDialer{stream: &chanStream{frames: make(chan backend.Envelope, 1)}}
	eng2 := New(backend.NewClient(srv.URL, 5*time.Second, nil), dialer2, tokens, nil, Config{}, clock, nil)
	if err := eng2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer eng2.Close()

	restored, err := eng2.Account(acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Status != model.StepComplete || restored.Phone != "+15551234567" {
		t.Errorf("restored = %+v", restored)
	}
	if active, ok := eng2.Registry().ActiveAccount(); !ok || active.ID != acct.ID {
		t.Errorf("active = %+v, %v", active, ok)
	}
	waitFor(t, "restored stream", func() bool {
		d := dialer2.dialed()
		return len(d) == 1 && d[0] == "tok-A"
	})
}

func TestRemoveAccountDropsPersistedSession(t *testing.T) {
	srv := fakeServer(t)
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	dialer := &fakeDialer{stream: &chanStream{frames: make(chan backend.Envelope)}}
	tokens := openTokens(t, t.TempDir(), clock)

	eng := New(backend.NewClient(srv.URL, 5*time.Second, nil), dialer, tokens, nil, Config{}, clock, zaptest.NewLogger(t))
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	acct, err := eng.Registry().AddAccount(ctx, "+15551234567", registry.Authenticator{
		Code:     func(context.Context, model.Account) (string, error) { return "12345", nil },
		Password: func(context.Context, model.Account) (string, error) { return "secret", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Registry().RemoveAccount(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.Get(ctx, acct.ID); !errs.Is(err, errs.NotFound) {
		t.Errorf("token after remove: %v", err)
	}
	if _, err := eng.Chats().ListChats(acct.ID); !errs.Is(err, errs.NotFound) {
		t.Errorf("chats after remove: %v", err)
	}
	if _, ok := eng.Reconciler().Status(acct.ID); ok {
		t.Error("stream still registered")
	}
}
