package chatstore

import (
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/model"
	"go.uber.org/zap"
)

const previewLen = 80

// upsert merges m into the chat. A confirmed message carrying the client
// id of a local pending or failed send replaces it. Redelivery of a known
// id only applies edits and read flags. live marks stream deliveries,
// which count toward the unread total.
func (cs *chatState) upsert(m model.Message, live bool) (model.Message, bool) {
	m.ChatID = cs.chat.ID
	if m.Status == "" {
		m.Status = model.StatusConfirmed
	}

	if m.ClientID != "" && m.Status == model.StatusConfirmed {
		if key, ok := cs.byClient[m.ClientID]; ok && key != m.ID {
			if local, ok := cs.msgs[key]; ok && local.Status != model.StatusConfirmed {
				delete(cs.msgs, key)
				cs.byClient[m.ClientID] = m.ID
				if cs.chat.LastMessage != nil && cs.chat.LastMessage.ID == key {
					cs.chat.LastMessage = nil
					cs.recomputeLast()
				}
				if existing, ok := cs.msgs[m.ID]; ok {
					existing.ClientID = m.ClientID
					return *existing, true
				}
				m.FromMe = true
				cs.msgs[m.ID] = &m
				cs.touch(m)
				return m, true
			}
		}
	}

	if existing, ok := cs.msgs[m.ID]; ok {
		changed := false
		if m.Edited && existing.Body != m.Body {
			existing.Body = m.Body
			existing.Edited = true
			changed = true
		}
		if m.Read && !existing.Read {
			existing.Read = true
			changed = true
		}
		return *existing, changed
	}

	cs.msgs[m.ID] = &m
	if m.ClientID != "" {
		cs.byClient[m.ClientID] = m.ID
	}
	if live && !m.FromMe && !m.Read {
		cs.chat.UnreadCount++
	}
	cs.touch(m)
	return m, true
}

// touch moves the chat's last message pointer forward to m.
func (cs *chatState) touch(m model.Message) {
	ref := &model.MessageRef{ID: m.ID, Timestamp: m.Timestamp, Preview: preview(m.Body)}
	if newer(ref, cs.chat.LastMessage) {
		cs.chat.LastMessage = ref
	}
}

func (cs *chatState) recomputeLast() {
	for _, m := range cs.msgs {
		cs.touch(*m)
	}
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewLen {
		return body
	}
	return string(r[:previewLen]) + "…"
}

// InsertMessage applies a message delivered by the event stream. Unknown
// chats get a member stub.
func (s *Store) InsertMessage(accountID, chatID string, m model.Message) (model.Message, error) {
	p, err := s.lock("chatstore.insert_message", accountID)
	if err != nil {
		return model.Message{}, err
	}
	defer p.mu.Unlock()

	cs, created := p.ensureChat(chatID)
	stored, changed := cs.upsert(m, true)
	if changed {
		s.publishMessage(bus.MessageUpserted, accountID, stored)
	}
	if created || changed {
		s.publishChat(cs.chat)
	}
	return stored, nil
}

// MarkMessagesRead applies a read receipt. Each id not already known as
// read lowers the unread count by one, never below zero. Mention flags are
// left alone.
func (s *Store) MarkMessagesRead(accountID, chatID string, messageIDs []string) error {
	p, err := s.lock("chatstore.messages_read", accountID)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	cs, ok := p.chats[chatID]
	if !ok {
		s.logger.Debug("read receipt for unknown chat",
			zap.String("account_id", accountID),
			zap.String("chat_id", chatID))
		return nil
	}

	dec := 0
	for _, id := range messageIDs {
		m, ok := cs.msgs[id]
		if !ok {
			dec++
			continue
		}
		if m.Read {
			continue
		}
		m.Read = true
		if !m.FromMe {
			dec++
		}
		s.publishMessage(bus.MessageUpserted, accountID, *m)
	}
	cs.chat.UnreadCount = max(cs.chat.UnreadCount-dec, 0)
	s.publishChat(cs.chat)
	return nil
}

// SetMention flags chatID as mentioning the account. Only MarkRead clears it.
func (s *Store) SetMention(accountID, chatID string) error {
	p, err := s.lock("chatstore.set_mention", accountID)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	cs, created := p.ensureChat(chatID)
	if cs.chat.HasMention && !created {
		return nil
	}
	cs.chat.HasMention = true
	s.publishChat(cs.chat)
	return nil
}

// ApplyChatPatch merges a field-level update. A patch for an unknown chat
// creates it.
func (s *Store) ApplyChatPatch(accountID, chatID string, patch model.ChatPatch) (model.Chat, error) {
	p, err := s.lock("chatstore.apply_patch", accountID)
	if err != nil {
		return model.Chat{}, err
	}
	defer p.mu.Unlock()

	cs, _ := p.ensureChat(chatID)
	prev := cs.chat.Membership
	patch.Apply(&cs.chat)
	if cs.chat.Membership != prev {
		s.publishMembership(accountID, chatID, prev, cs.chat.Membership)
	}
	s.publishChat(cs.chat)
	return cloneChat(cs.chat), nil
}
