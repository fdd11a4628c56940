// Package notify derives badge state from account and chat snapshots.
// Nothing here is stored: every value is recomputed from the current
// snapshots when asked.
package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/model"
	"go.uber.org/zap"
)

// AccountHasMention reports whether an account should show a mention
// badge: some unmuted chat has a mention and the account itself is not
// muted.
func AccountHasMention(account model.Account, chats []model.Chat) bool {
	if account.Muted {
		return false
	}
	for _, c := range chats {
		if c.HasMention && !c.Muted {
			return true
		}
	}
	return false
}

// Compute derives the badges of one account.
func Compute(account model.Account, chats []model.Chat) model.Badges {
	b := model.Badges{
		AccountID:  account.ID,
		Muted:      account.Muted,
		HasMention: AccountHasMention(account, chats),
	}
	for _, c := range chats {
		if c.Membership == model.Pending {
			b.PendingJoins++
		}
		if account.Muted || c.Muted || c.UnreadCount == 0 {
			continue
		}
		b.UnreadChats++
		b.UnreadMessages += c.UnreadCount
	}
	return b
}

// Source supplies the snapshots badges are derived from.
type Source interface {
	Account(id string) (model.Account, error)
	Accounts() []model.Account
	ListChats(accountID string) ([]model.Chat, error)
}

// Aggregator computes badges on demand and, while watching, publishes
// badge.changed whenever an account's badges change.
type Aggregator struct {
	src    Source
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]model.Badges
}

// NewAggregator creates an aggregator over src.
func NewAggregator(src Source, b *bus.Bus, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		src:    src,
		bus:    b,
		logger: logger.With(zap.String("component", "notify")),
		last:   make(map[string]model.Badges),
	}
}

// Badges returns the current badges of accountID.
func (a *Aggregator) Badges(accountID string) (model.Badges, error) {
	acct, err := a.src.Account(accountID)
	if err != nil {
		return model.Badges{}, err
	}
	chats, err := a.src.ListChats(accountID)
	if err != nil {
		return model.Badges{}, err
	}
	return Compute(acct, chats), nil
}

// All returns the badges of every account.
func (a *Aggregator) All() []model.Badges {
	accounts := a.src.Accounts()
	out := make([]model.Badges, 0, len(accounts))
	for _, acct := range accounts {
		chats, err := a.src.ListChats(acct.ID)
		if err != nil {
			continue
		}
		out = append(out, Compute(acct, chats))
	}
	return out
}

// Watch recomputes badges on chat and account events until ctx ends.
func (a *Aggregator) Watch(ctx context.Context) {
	ch, unsub := a.bus.Subscribe("", 256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if evt.AccountID == "" || !relevant(evt.Kind) {
				continue
			}
			a.refresh(evt.AccountID, evt.Kind == bus.AccountRemoved)
		}
	}
}

func relevant(kind string) bool {
	return strings.HasPrefix(kind, "chat.") || strings.HasPrefix(kind, "account.")
}

// refresh publishes badge.changed if accountID's badges differ from the
// last published value.
func (a *Aggregator) refresh(accountID string, removed bool) {
	if removed {
		a.mu.Lock()
		delete(a.last, accountID)
		a.mu.Unlock()
		return
	}
	b, err := a.Badges(accountID)
	if err != nil {
		return
	}
	a.mu.Lock()
	prev, seen := a.last[accountID]
	changed := !seen || prev != b
	if changed {
		a.last[accountID] = b
	}
	a.mu.Unlock()
	if !changed {
		return
	}
	a.logger.Debug("badges changed",
		zap.String("account_id", accountID),
		zap.Bool("mention", b.HasMention),
		zap.Int("unread", b.UnreadMessages))
	a.bus.Publish(bus.Event{
		Kind:      bus.BadgeChanged,
		AccountID: accountID,
		Payload:   b,
	})
}
