package chatstore

import (
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
)

// BeginJoin moves a chat from not_member to pending. Any other membership
// is a ConflictError, which keeps at most one request per chat.
func (s *Store) BeginJoin(accountID, chatID string) (model.Chat, error) {
	const op = "chatstore.begin_join"
	p, err := s.lock(op, accountID)
	if err != nil {
		return model.Chat{}, err
	}
	defer p.mu.Unlock()
	cs, err := p.chat(op, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	if cs.chat.Membership != model.NotMember {
		return model.Chat{}, errs.ConflictError(op, "chat %s membership is %s", chatID, cs.chat.Membership)
	}
	cs.chat.Membership = model.Pending
	s.publishMembership(accountID, chatID, model.NotMember, model.Pending)
	s.publishChat(cs.chat)
	return cloneChat(cs.chat), nil
}

// ResolveJoin moves a pending chat to membership to. It reports false,
// changing nothing, when the chat is no longer pending.
func (s *Store) ResolveJoin(accountID, chatID string, to model.Membership) bool {
	const op = "chatstore.resolve_join"
	p, err := s.lock(op, accountID)
	if err != nil {
		return false
	}
	defer p.mu.Unlock()
	cs, err := p.chat(op, chatID)
	if err != nil || cs.chat.Membership != model.Pending || to == model.Pending {
		return false
	}
	cs.chat.Membership = to
	s.publishMembership(accountID, chatID, model.Pending, to)
	s.publishChat(cs.chat)
	return true
}
