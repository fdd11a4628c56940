package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"go.uber.org/zap"
)

// APIError is the structured error body returned by the backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to the REST half of the backend. Authenticated calls use the
// bearer token registered for the account with Authorize.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu     sync.RWMutex
	tokens map[string]string
}

// NewClient creates a client for the backend rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "backend")),
		tokens:  make(map[string]string),
	}
}

// Authorize registers the session token used for accountID's requests.
func (c *Client) Authorize(accountID, token string) {
	c.mu.Lock()
	c.tokens[accountID] = token
	c.mu.Unlock()
}

// Forget drops accountID's session token.
func (c *Client) Forget(accountID string) {
	c.mu.Lock()
	delete(c.tokens, accountID)
	c.mu.Unlock()
}

func (c *Client) token(accountID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[accountID]
}

// StartLogin requests a login code for phone. Returns the phone-code-hash.
func (c *Client) StartLogin(ctx context.Context, accountID, phone string) (string, error) {
	var resp struct {
		PhoneCodeHash string `json:"phoneCodeHash"`
	}
	err := c.do(ctx, "login.start", http.MethodPost, "/login/start", "", map[string]string{
		"accountId": accountID,
		"phone":     phone,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.PhoneCodeHash, nil
}

// CompleteLogin submits the received code.
func (c *Client) CompleteLogin(ctx context.Context, accountID, phone, phoneCodeHash, code string) (LoginResult, error) {
	var resp struct {
		Token       string `json:"token"`
		Requires2FA bool   `json:"requires2FA"`
	}
	err := c.do(ctx, "login.complete", http.MethodPost, "/login/complete", "", map[string]string{
		"accountId":     accountID,
		"phone":         phone,
		"phoneCodeHash": phoneCodeHash,
		"code":          code,
	}, &resp)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: resp.Token, Requires2FA: resp.Requires2FA}, nil
}

// SubmitPassword completes a two-factor login.
func (c *Client) SubmitPassword(ctx context.Context, accountID, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, "login.2fa", http.MethodPost, "/login/2fa", "", map[string]string{
		"accountId": accountID,
		"password":  password,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ListChats fetches the account's chat list.
func (c *Client) ListChats(ctx context.Context, accountID string) ([]model.Chat, error) {
	var resp []Chat
	q := url.Values{"accountId": {accountID}}
	if err := c.do(ctx, "chats.list", http.MethodGet, "/chats?"+q.Encode(), accountID, nil, &resp); err != nil {
		return nil, err
	}
	chats := make([]model.Chat, 0, len(resp))
	for _, wc := range resp {
		if wc.ID == "" {
			continue
		}
		chats = append(chats, wc.ToModel(accountID))
	}
	return chats, nil
}

// ListMessages fetches the page older than cursor. An empty cursor asks
// for the newest page.
func (c *Client) ListMessages(ctx context.Context, accountID, chatID, cursor string) (Page, error) {
	var resp struct {
		Items      []Message `json:"items"`
		HasMore    bool      `json:"hasMore"`
		NextCursor string    `json:"nextCursor"`
	}
	q := url.Values{"accountId": {accountID}, "chatId": {chatID}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if err := c.do(ctx, "messages.list", http.MethodGet, "/messages?"+q.Encode(), accountID, nil, &resp); err != nil {
		return Page{}, err
	}
	page := Page{HasMore: resp.HasMore, NextCursor: resp.NextCursor}
	for _, wm := range resp.Items {
		if wm.ID == "" {
			continue
		}
		page.Items = append(page.Items, wm.ToModel(chatID))
	}
	return page, nil
}

// SendMessage sends body to chatID. clientID lets the server echo the
// correlation id on the live stream.
func (c *Client) SendMessage(ctx context.Context, accountID, chatID, body, clientID string) (model.Message, error) {
	var resp Message
	err := c.do(ctx, "messages.send", http.MethodPost, "/messages/send", accountID, map[string]string{
		"accountId": accountID,
		"chatId":    chatID,
		"body":      body,
		"clientId":  clientID,
	}, &resp)
	if err != nil {
		return model.Message{}, err
	}
	if resp.ID == "" {
		return model.Message{}, errs.NetworkError("messages.send", errors.New("acknowledgment without message id"))
	}
	if resp.ClientID == "" {
		resp.ClientID = clientID
	}
	return resp.ToModel(chatID), nil
}

// MarkRead reports messageIDs of chatID as read.
func (c *Client) MarkRead(ctx context.Context, accountID, chatID string, messageIDs []string) error {
	return c.do(ctx, "messages.read", http.MethodPost, "/messages/read", accountID, map[string]any{
		"accountId":  accountID,
		"chatId":     chatID,
		"messageIds": messageIDs,
	}, nil)
}

// MuteChat sets the server-side mute flag.
func (c *Client) MuteChat(ctx context.Context, accountID, chatID string, mute bool) error {
	return c.do(ctx, "chats.mute", http.MethodPost, "/chats/mute", accountID, map[string]any{
		"accountId": accountID,
		"chatId":    chatID,
		"mute":      mute,
	}, nil)
}

// PinChat sets the server-side pin flag.
func (c *Client) PinChat(ctx context.Context, accountID, chatID string, pin bool) error {
	return c.do(ctx, "chats.pin", http.MethodPost, "/chats/pin", accountID, map[string]any{
		"accountId": accountID,
		"chatId":    chatID,
		"pin":       pin,
	}, nil)
}

// JoinChat asks to join chatID. Public chats answer member, private ones
// pending until approved.
func (c *Client) JoinChat(ctx context.Context, accountID, chatID string) (model.Membership, error) {
	var resp struct {
		Membership string `json:"membership"`
	}
	err := c.do(ctx, "chats.join", http.MethodPost, "/chats/join", accountID, map[string]string{
		"accountId": accountID,
		"chatId":    chatID,
	}, &resp)
	if err != nil {
		return "", err
	}
	switch m := model.Membership(resp.Membership); m {
	case model.Member, model.Pending, model.NotMember:
		return m, nil
	}
	return "", errs.NetworkError("chats.join", fmt.Errorf("unexpected membership %q", resp.Membership))
}

func (c *Client) do(ctx context.Context, op, method, path, accountID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accountID != "" {
		if tok := c.token(accountID); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.NetworkError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		c.logger.Debug("backend request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code))
		return errs.Wrap(kindForStatus(resp.StatusCode), op, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.NetworkError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func kindForStatus(code int) errs.Kind {
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return errs.Validation
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.Auth
	case code == http.StatusNotFound:
		return errs.NotFound
	case code == http.StatusConflict:
		return errs.Conflict
	default:
		return errs.Network
	}
}
