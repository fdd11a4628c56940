package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/matheus3301/multichat/internal/errs"
)

// maxFrameSize bounds a single event frame.
const maxFrameSize = 1 << 20

// Stream is one live event connection for one account.
type Stream interface {
	// Next blocks until the next frame arrives. A decode failure returns a
	// *FrameError and leaves the stream usable; any other error means the
	// connection is gone.
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// FrameError reports a frame that could not be decoded.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string { return "malformed frame: " + e.Err.Error() }
func (e *FrameError) Unwrap() error { return e.Err }

// Dialer opens event streams over WebSocket.
type Dialer struct {
	streamURL string
}

// NewDialer creates a dialer for the stream endpoint at streamURL
// (ws:// or wss://).
func NewDialer(streamURL string) *Dialer {
	return &Dialer{streamURL: streamURL}
}

// Dial connects accountID's stream. A token the server rejects yields an
// AuthError so the caller stops reconnecting.
func (d *Dialer) Dial(ctx context.Context, accountID, token string) (Stream, error) {
	u, err := url.Parse(d.streamURL)
	if err != nil {
		return nil, errs.ValidationError("stream.dial", "invalid stream url: %v", err)
	}
	q := u.Query()
	q.Set("accountId", accountID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.Wrap(errs.Auth, "stream.dial", err)
		}
		return nil, errs.NetworkError("stream.dial", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(ctx context.Context) (Envelope, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return Envelope{}, errs.NetworkError("stream.read", err)
	}
	env, err := DecodeFrame(typ == websocket.MessageBinary, data)
	if err != nil {
		return Envelope{}, &FrameError{Err: err}
	}
	return env, nil
}

func (s *wsStream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}

// DecodeFrame decodes a text (JSON) or binary (CBOR) frame.
func DecodeFrame(binary bool, data []byte) (Envelope, error) {
	var env Envelope
	if binary {
		if err := cbor.Unmarshal(data, &env); err != nil {
			return Envelope{}, fmt.Errorf("cbor: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, fmt.Errorf("json: %w", err)
		}
	}
	if env.Type == "" {
		return Envelope{}, errors.New("missing event type")
	}
	return env, nil
}
