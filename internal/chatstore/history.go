package chatstore

import (
	"context"

	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/errs"
	"go.uber.org/zap"
)

// LoadOlderMessages fetches the page before the chat's cursor and merges
// it. Concurrent calls for the same chat share one fetch. It reports
// whether older history remains. On failure the cursor is unchanged.
func (s *Store) LoadOlderMessages(ctx context.Context, accountID, chatID string) (bool, error) {
	v, err, shared := s.loads.Do(accountID+"\x00"+chatID, func() (any, error) {
		return s.loadOlder(ctx, accountID, chatID)
	})
	if shared {
		s.logger.Debug("page load shared",
			zap.String("account_id", accountID),
			zap.String("chat_id", chatID))
	}
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Store) loadOlder(ctx context.Context, accountID, chatID string) (bool, error) {
	const op = "chatstore.load_older"

	p, err := s.lock(op, accountID)
	if err != nil {
		return false, err
	}
	cs, err := p.chat(op, chatID)
	if err != nil {
		p.mu.Unlock()
		return false, err
	}
	cursor, done := cs.chat.Cursor, cs.chat.HistoryDone
	p.mu.Unlock()
	if done {
		return false, nil
	}

	page, err := s.backend.ListMessages(ctx, accountID, chatID, cursor)
	if err != nil {
		if errs.KindOf(err) == errs.Unknown {
			err = errs.NetworkError(op, err)
		}
		return false, err
	}

	p, err = s.lock(op, accountID)
	if err != nil {
		return false, err
	}
	defer p.mu.Unlock()
	cs, err = p.chat(op, chatID)
	if err != nil {
		return false, err
	}

	added := 0
	for _, m := range page.Items {
		stored, changed := cs.upsert(m, false)
		if changed {
			added++
			s.publishMessage(bus.MessageUpserted, accountID, stored)
		}
	}
	if cs.chat.Cursor == cursor {
		cs.chat.Cursor = page.NextCursor
		cs.chat.HistoryDone = !page.HasMore
	}
	s.publishChat(cs.chat)
	s.logger.Debug("history page merged",
		zap.String("account_id", accountID),
		zap.String("chat_id", chatID),
		zap.Int("items", len(page.Items)),
		zap.Int("added", added),
		zap.Bool("has_more", page.HasMore))
	return !cs.chat.HistoryDone, nil
}
