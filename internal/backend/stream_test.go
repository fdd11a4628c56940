package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/matheus3301/multichat/internal/errs"
)

func TestDecodeFrameJSONIgnoresUnknownFields(t *testing.T) {
	env, err := DecodeFrame(false, []byte(`{"type":"ChatUpdated","accountId":"a1","chatId":"c1","patch":{"title":"New","color":"red"},"extra":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeChatUpdated || env.ChatID != "c1" {
		t.Errorf("env = %+v", env)
	}
	p := env.Patch.ChatPatch()
	if p.Title == nil || *p.Title != "New" {
		t.Errorf("patch title = %v", p.Title)
	}
}

func TestDecodeFrameCBOR(t *testing.T) {
	data, err := cbor.Marshal(Envelope{
		Type:      TypeNewMessage,
		AccountID: "a1",
		ChatID:    "c1",
		Message:   &Message{ID: "m1", Text: "hi", Timestamp: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	env, err := DecodeFrame(true, data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Message == nil || env.Message.ID != "m1" || env.Message.Text != "hi" {
		t.Errorf("env = %+v", env)
	}
}

func TestDecodeFrameRejectsMissingType(t *testing.T) {
	if _, err := DecodeFrame(false, []byte(`{"accountId":"a1"}`)); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := DecodeFrame(false, []byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestPatchDropsUnknownEnums(t *testing.T) {
	bad := "banned"
	p := (&Patch{Membership: &bad}).ChatPatch()
	if p.Membership != nil {
		t.Errorf("membership = %v, want nil", *p.Membership)
	}
	var nilPatch *Patch
	if got := nilPatch.AccountPatch(); got.Muted != nil {
		t.Error("nil patch produced fields")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialerStreamsFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-A" || r.URL.Query().Get("accountId") != "a1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Mentioned","accountId":"a1","chatId":"c1"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`garbage`))
		bin, _ := cbor.Marshal(Envelope{Type: TypeMessageRead, AccountID: "a1", ChatID: "c1", MessageIDs: []string{"m1"}})
		_ = conn.Write(ctx, websocket.MessageBinary, bin)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewDialer(wsURL(srv)).Dial(ctx, "a1", "tok-A")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	env, err := s.Next(ctx)
	if err != nil || env.Type != TypeMentioned {
		t.Fatalf("first frame = %+v, %v", env, err)
	}

	_, err = s.Next(ctx)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("second frame err = %v, want FrameError", err)
	}

	env, err = s.Next(ctx)
	if err != nil || env.Type != TypeMessageRead || len(env.MessageIDs) != 1 {
		t.Fatalf("third frame = %+v, %v", env, err)
	}

	if _, err := s.Next(ctx); !errs.Is(err, errs.Network) {
		t.Errorf("after close err = %v, want NetworkError", err)
	}
}

func TestDialerRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewDialer(wsURL(srv)).Dial(context.Background(), "a1", "bad")
	if !errs.Is(err, errs.Auth) {
		t.Errorf("err = %v, want AuthError", err)
	}
}
