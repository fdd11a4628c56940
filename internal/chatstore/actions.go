package chatstore

import (
	"context"

	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/model"
)

// MarkRead clears the chat's mention flag and unread count, marks loaded
// messages read and reports them to the backend. The local state stays
// read even when the backend call fails.
func (s *Store) MarkRead(ctx context.Context, accountID, chatID string) error {
	const op = "chatstore.mark_read"
	p, err := s.lock(op, accountID)
	if err != nil {
		return err
	}
	cs, err := p.chat(op, chatID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	var ids []string
	for _, m := range cs.msgs {
		if m.Read || m.Status != model.StatusConfirmed {
			continue
		}
		m.Read = true
		ids = append(ids, m.ID)
		s.publishMessage(bus.MessageUpserted, accountID, *m)
	}
	if len(ids) == 0 && cs.chat.LastMessage != nil && cs.chat.UnreadCount > 0 {
		ids = append(ids, cs.chat.LastMessage.ID)
	}
	cs.clearMention()
	cs.chat.UnreadCount = 0
	s.publishChat(cs.chat)
	p.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return s.backend.MarkRead(ctx, accountID, chatID, ids)
}

// clearMention is the only place a chat's mention flag is reset.
func (cs *chatState) clearMention() {
	cs.chat.HasMention = false
}

// SetChatMuted mutes or unmutes a chat on the backend, then locally.
// Muting never clears the mention flag.
func (s *Store) SetChatMuted(ctx context.Context, accountID, chatID string, muted bool) (model.Chat, error) {
	const op = "chatstore.mute"
	if _, err := s.Chat(accountID, chatID); err != nil {
		return model.Chat{}, err
	}
	if err := s.backend.MuteChat(ctx, accountID, chatID, muted); err != nil {
		return model.Chat{}, err
	}
	return s.setFlag(op, accountID, chatID, func(c *model.Chat) { c.Muted = muted })
}

// SetChatPinned pins or unpins a chat on the backend, then locally.
func (s *Store) SetChatPinned(ctx context.Context, accountID, chatID string, pinned bool) (model.Chat, error) {
	const op = "chatstore.pin"
	if _, err := s.Chat(accountID, chatID); err != nil {
		return model.Chat{}, err
	}
	if err := s.backend.PinChat(ctx, accountID, chatID, pinned); err != nil {
		return model.Chat{}, err
	}
	return s.setFlag(op, accountID, chatID, func(c *model.Chat) { c.Pinned = pinned })
}

func (s *Store) setFlag(op, accountID, chatID string, fn func(*model.Chat)) (model.Chat, error) {
	p, err := s.lock(op, accountID)
	if err != nil {
		return model.Chat{}, err
	}
	defer p.mu.Unlock()
	cs, err := p.chat(op, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	fn(&cs.chat)
	s.publishChat(cs.chat)
	return cloneChat(cs.chat), nil
}
