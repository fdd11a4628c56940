package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/sealed"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testTokens(t *testing.T) (*Tokens, *clockwork.FakeClock) {
	t.Helper()
	s, err := sealed.Generate()
	if err != nil {
		t.Fatal(err)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewTokens(testDB(t), s, clock, 0, nil), clock
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestTokenSaveGet(t *testing.T) {
	tokens, clock := testTokens(t)
	ctx := context.Background()

	saved, err := tokens.Save(ctx, TokenRecord{AccountID: "a1", Phone: "+15551234567", Token: "tok-A"})
	if err != nil {
		t.Fatal(err)
	}
	if want := clock.Now().Add(DefaultTokenTTL); !saved.ExpiresAt.Equal(want) {
		t.Errorf("expires = %v, want %v", saved.ExpiresAt, want)
	}

	got, err := tokens.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "tok-A" || got.Phone != "+15551234567" {
		t.Errorf("Get() = %+v", got)
	}

	var raw string
	if err := tokens.db.Get(&raw, `SELECT sealed_token FROM tokens WHERE account_id = 'a1'`); err != nil {
		t.Fatal(err)
	}
	if raw == "tok-A" {
		t.Error("token stored in plaintext")
	}
}

func TestTokenExpiry(t *testing.T) {
	tokens, clock := testTokens(t)
	ctx := context.Background()

	if _, err := tokens.Save(ctx, TokenRecord{AccountID: "a1", Phone: "+1", Token: "tok-A"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultTokenTTL + time.Second)

	if _, err := tokens.Get(ctx, "a1"); !errs.Is(err, errs.NotFound) {
		t.Errorf("Get() after expiry err = %v, want NotFoundError", err)
	}
	list, err := tokens.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("List() = %d records, want 0", len(list))
	}

	n, err := tokens.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}
}

func TestTokenJWTExpiryClamps(t *testing.T) {
	tokens, clock := testTokens(t)
	exp := clock.Now().Add(2 * time.Hour)
	jwtToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}

	saved, err := tokens.Save(context.Background(), TokenRecord{AccountID: "a1", Phone: "+1", Token: jwtToken})
	if err != nil {
		t.Fatal(err)
	}
	if !saved.ExpiresAt.Equal(exp) {
		t.Errorf("expires = %v, want %v", saved.ExpiresAt, exp)
	}
}

func TestTokenListOrderAndDelete(t *testing.T) {
	tokens, clock := testTokens(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if _, err := tokens.Save(ctx, TokenRecord{AccountID: id, Phone: "+1" + id, Token: "tok-" + id}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}

	list, err := tokens.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].AccountID != "b" || list[1].AccountID != "a" {
		t.Fatalf("List() = %+v", list)
	}

	if err := tokens.Delete(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := tokens.Delete(ctx, "b"); err != nil {
		t.Errorf("second Delete() = %v, want nil", err)
	}
	if _, err := tokens.Get(ctx, "b"); !errs.Is(err, errs.NotFound) {
		t.Errorf("Get() after delete err = %v", err)
	}
}

func TestTokenSaveValidates(t *testing.T) {
	tokens, _ := testTokens(t)
	if _, err := tokens.Save(context.Background(), TokenRecord{AccountID: "a1"}); !errs.Is(err, errs.Validation) {
		t.Errorf("Save() without token err = %v, want ValidationError", err)
	}
}
