package chatstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/timeout"
	"go.uber.org/zap"
)

const pendingPrefix = "local:"

// ReasonAccountRemoved is the failure reason of sends cut short by
// account removal.
const ReasonAccountRemoved = "account removed"

// SendMessage shows body in the chat immediately as a pending message and
// sends it. The returned message is confirmed (with the server id) or
// failed (with the reason); it is never dropped.
func (s *Store) SendMessage(ctx context.Context, accountID, chatID, body string) (model.Message, error) {
	const op = "chatstore.send"
	if strings.TrimSpace(body) == "" {
		return model.Message{}, errs.ValidationError(op, "message body is empty")
	}

	p, err := s.lock(op, accountID)
	if err != nil {
		return model.Message{}, err
	}
	cs, err := p.chat(op, chatID)
	if err != nil {
		p.mu.Unlock()
		return model.Message{}, err
	}
	clientID := s.newClientID()
	pending, _ := cs.upsert(model.Message{
		ID:        pendingPrefix + clientID,
		ClientID:  clientID,
		Body:      body,
		Timestamp: s.clock.Now(),
		Read:      true,
		FromMe:    true,
		Status:    model.StatusPending,
	}, false)
	s.publishMessage(bus.MessageUpserted, accountID, pending)
	s.publishChat(cs.chat)
	p.mu.Unlock()

	return s.deliver(ctx, op, accountID, chatID, clientID, body)
}

// RetrySend re-sends a failed message. Only failed messages can be retried.
func (s *Store) RetrySend(ctx context.Context, accountID, chatID, clientID string) (model.Message, error) {
	const op = "chatstore.retry_send"
	p, err := s.lock(op, accountID)
	if err != nil {
		return model.Message{}, err
	}
	cs, err := p.chat(op, chatID)
	if err != nil {
		p.mu.Unlock()
		return model.Message{}, err
	}
	m, ok := cs.msgs[cs.byClient[clientID]]
	if !ok {
		p.mu.Unlock()
		return model.Message{}, errs.NotFoundError(op, "no message with client id %s", clientID)
	}
	if m.Status != model.StatusFailed {
		p.mu.Unlock()
		return model.Message{}, errs.ConflictError(op, "message %s is %s, only failed messages can be retried", clientID, m.Status)
	}
	m.Status = model.StatusPending
	m.FailReason = ""
	body := m.Body
	s.publishMessage(bus.MessageUpserted, accountID, *m)
	p.mu.Unlock()

	return s.deliver(ctx, op, accountID, chatID, clientID, body)
}

func (s *Store) deliver(ctx context.Context, op, accountID, chatID, clientID, body string) (model.Message, error) {
	sendCtx, cancel := timeout.With(ctx, s.clock, s.sendTimeout)
	defer cancel()

	sent, err := s.backend.SendMessage(sendCtx, accountID, chatID, body, clientID)
	if err != nil {
		reason := err.Error()
		if timeout.Expired(sendCtx) {
			reason = fmt.Sprintf("send timed out after %s", s.sendTimeout)
			err = errs.NetworkError(op, fmt.Errorf("send timed out after %s", s.sendTimeout))
		}
		s.logger.Warn("send failed",
			zap.String("account_id", accountID),
			zap.String("chat_id", chatID),
			zap.String("client_id", clientID),
			zap.Error(err))
		failed, ferr := s.fail(accountID, chatID, clientID, reason)
		if ferr != nil {
			return model.Message{}, err
		}
		return failed, err
	}

	sent.ClientID = clientID
	sent.FromMe = true
	sent.Read = true
	return s.promote(op, accountID, chatID, sent)
}

// promote replaces the pending message with the server-confirmed one. If
// the stream echo already did so, the stored message is returned as is.
func (s *Store) promote(op, accountID, chatID string, sent model.Message) (model.Message, error) {
	p, err := s.lock(op, accountID)
	if err != nil {
		return sent, err
	}
	defer p.mu.Unlock()
	cs, err := p.chat(op, chatID)
	if err != nil {
		return sent, err
	}
	stored, changed := cs.upsert(sent, false)
	if changed {
		s.publishMessage(bus.MessageUpserted, accountID, stored)
		s.publishChat(cs.chat)
	}
	s.logger.Debug("message confirmed",
		zap.String("account_id", accountID),
		zap.String("client_id", sent.ClientID),
		zap.String("message_id", stored.ID))
	return stored, nil
}

// fail marks the message with clientID failed if it is still pending.
func (s *Store) fail(accountID, chatID, clientID, reason string) (model.Message, error) {
	const op = "chatstore.fail"
	p, err := s.lock(op, accountID)
	if err != nil {
		return model.Message{}, err
	}
	defer p.mu.Unlock()
	cs, err := p.chat(op, chatID)
	if err != nil {
		return model.Message{}, err
	}
	m, ok := cs.msgs[cs.byClient[clientID]]
	if !ok {
		return model.Message{}, errs.NotFoundError(op, "no message with client id %s", clientID)
	}
	if m.Status == model.StatusPending {
		m.Status = model.StatusFailed
		m.FailReason = reason
		s.publishMessage(bus.MessageFailed, accountID, *m)
	}
	return *m, nil
}

// FailPending marks every pending send of accountID failed. Returns how
// many messages changed.
func (s *Store) FailPending(accountID string) int {
	p, err := s.lock("chatstore.fail_pending", accountID)
	if err != nil {
		return 0
	}
	defer p.mu.Unlock()

	n := 0
	for _, cs := range p.chats {
		for _, m := range cs.msgs {
			if m.Status != model.StatusPending {
				continue
			}
			m.Status = model.StatusFailed
			m.FailReason = ReasonAccountRemoved
			s.publishMessage(bus.MessageFailed, accountID, *m)
			n++
		}
	}
	return n
}
