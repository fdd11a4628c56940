// Package chatstore holds the canonical chats and messages of every account.
//
// State is partitioned by account. Each partition has its own mutex which
// guards every mutation for its whole duration; backend calls are made
// outside it so one slow account never blocks another. Every mutation is
// published on the bus.
package chatstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/multichat/internal/backend"
	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSendTimeout bounds one send attempt.
const DefaultSendTimeout = 30 * time.Second

// Backend is the subset of the REST client the store calls.
type Backend interface {
	ListMessages(ctx context.Context, accountID, chatID, cursor string) (backend.Page, error)
	SendMessage(ctx context.Context, accountID, chatID, body, clientID string) (model.Message, error)
	MarkRead(ctx context.Context, accountID, chatID string, messageIDs []string) error
	MuteChat(ctx context.Context, accountID, chatID string, mute bool) error
	PinChat(ctx context.Context, accountID, chatID string, pin bool) error
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	SendTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *zap.Logger
	// NewClientID generates send correlation ids.
	NewClientID func() string
}

// Store is the single writer for chats and messages.
type Store struct {
	backend     Backend
	bus         *bus.Bus
	clock       clockwork.Clock
	logger      *zap.Logger
	sendTimeout time.Duration
	newClientID func() string
	loads       singleflight.Group

	mu    sync.Mutex
	parts map[string]*partition
}

type partition struct {
	mu        sync.Mutex
	accountID string
	chats     map[string]*chatState
}

type chatState struct {
	chat model.Chat
	msgs map[string]*model.Message
	// byClient maps a send correlation id to the key of its message in msgs.
	byClient map[string]string
}

// MembershipChange is the payload of chat.membership events.
type MembershipChange struct {
	ChatID string
	From   model.Membership
	To     model.Membership
}

// New creates a store.
func New(be Backend, b *bus.Bus, opts Options) *Store {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewClientID == nil {
		opts.NewClientID = uuid.NewString
	}
	return &Store{
		backend:     be,
		bus:         b,
		clock:       opts.Clock,
		logger:      opts.Logger.With(zap.String("component", "chatstore")),
		sendTimeout: opts.SendTimeout,
		newClientID: opts.NewClientID,
		parts:       make(map[string]*partition),
	}
}

// EnsureAccount creates accountID's partition if it does not exist.
func (s *Store) EnsureAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[accountID]; !ok {
		s.parts[accountID] = &partition{accountID: accountID, chats: make(map[string]*chatState)}
	}
}

// Purge drops accountID's partition with all its chats and messages.
func (s *Store) Purge(accountID string) {
	s.mu.Lock()
	p, ok := s.parts[accountID]
	delete(s.parts, accountID)
	s.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.chats = make(map[string]*chatState)
	p.mu.Unlock()
	s.logger.Debug("partition purged", zap.String("account_id", accountID))
}

func (s *Store) partition(op, accountID string) (*partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[accountID]
	if !ok {
		return nil, errs.NotFoundError(op, "unknown account %s", accountID)
	}
	return p, nil
}

// lock locks accountID's partition. Callers must call p.mu.Unlock.
func (s *Store) lock(op, accountID string) (*partition, error) {
	p, err := s.partition(op, accountID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	// Purge may have won the race for the partition.
	s.mu.Lock()
	live := s.parts[accountID] == p
	s.mu.Unlock()
	if !live {
		p.mu.Unlock()
		return nil, errs.NotFoundError(op, "unknown account %s", accountID)
	}
	return p, nil
}

func (p *partition) chat(op, chatID string) (*chatState, error) {
	cs, ok := p.chats[chatID]
	if !ok {
		return nil, errs.NotFoundError(op, "unknown chat %s", chatID)
	}
	return cs, nil
}

// ensureChat returns chatID's state, creating a member stub for chats the
// account learned about from a live event.
func (p *partition) ensureChat(chatID string) (*chatState, bool) {
	if cs, ok := p.chats[chatID]; ok {
		return cs, false
	}
	cs := newChatState(model.Chat{
		ID:         chatID,
		AccountID:  p.accountID,
		Kind:       model.KindPrivate,
		Privacy:    model.PrivacyPrivate,
		Membership: model.Member,
	})
	p.chats[chatID] = cs
	return cs, true
}

func newChatState(c model.Chat) *chatState {
	return &chatState{
		chat:     c,
		msgs:     make(map[string]*model.Message),
		byClient: make(map[string]string),
	}
}

// ListChats returns accountID's chats: pinned first, then most recent
// activity, then id.
func (s *Store) ListChats(accountID string) ([]model.Chat, error) {
	p, err := s.lock("chatstore.list_chats", accountID)
	if err != nil {
		return nil, err
	}
	defer p.mu.Unlock()

	out := make([]model.Chat, 0, len(p.chats))
	for _, cs := range p.chats {
		out = append(out, cloneChat(cs.chat))
	}
	slices.SortFunc(out, model.CompareChats)
	return out, nil
}

// Chat returns one chat.
func (s *Store) Chat(accountID, chatID string) (model.Chat, error) {
	const op = "chatstore.chat"
	p, err := s.lock(op, accountID)
	if err != nil {
		return model.Chat{}, err
	}
	defer p.mu.Unlock()
	cs, err := p.chat(op, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	return cloneChat(cs.chat), nil
}

// ListMessages returns the loaded messages of a chat in timestamp order.
func (s *Store) ListMessages(accountID, chatID string) ([]model.Message, error) {
	const op = "chatstore.list_messages"
	p, err := s.lock(op, accountID)
	if err != nil {
		return nil, err
	}
	defer p.mu.Unlock()
	cs, err := p.chat(op, chatID)
	if err != nil {
		return nil, err
	}
	return cs.sorted(), nil
}

// MergeChats upserts chat metadata from a list fetch. Loaded messages,
// mention flags and pagination state are kept. A pending join is kept
// until a definitive membership arrives.
func (s *Store) MergeChats(accountID string, chats []model.Chat) error {
	p, err := s.lock("chatstore.merge_chats", accountID)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	for _, in := range chats {
		if in.ID == "" {
			continue
		}
		in.AccountID = accountID
		cs, ok := p.chats[in.ID]
		if !ok {
			in.Cursor, in.HistoryDone = "", false
			p.chats[in.ID] = newChatState(in)
			s.publishChat(in)
			continue
		}
		prev := cs.chat
		next := in
		next.HasMention = prev.HasMention || in.HasMention
		next.Cursor = prev.Cursor
		next.HistoryDone = prev.HistoryDone
		if newer(prev.LastMessage, in.LastMessage) {
			next.LastMessage = prev.LastMessage
		}
		if prev.Membership == model.Pending && in.Membership == model.NotMember {
			next.Membership = model.Pending
		}
		cs.chat = next
		if prev.Membership != next.Membership {
			s.publishMembership(accountID, in.ID, prev.Membership, next.Membership)
		}
		s.publishChat(cs.chat)
	}
	return nil
}

// newer reports whether a is a later message than b.
func newer(a, b *model.MessageRef) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c > 0
	}
	return a.ID > b.ID
}

func (cs *chatState) sorted() []model.Message {
	out := make([]model.Message, 0, len(cs.msgs))
	for _, m := range cs.msgs {
		out = append(out, *m)
	}
	slices.SortFunc(out, model.CompareMessages)
	return out
}

func cloneChat(c model.Chat) model.Chat {
	if c.LastMessage != nil {
		ref := *c.LastMessage
		c.LastMessage = &ref
	}
	return c
}

func (s *Store) publishChat(c model.Chat) {
	s.bus.Publish(bus.Event{
		Kind:      bus.ChatUpdated,
		AccountID: c.AccountID,
		ChatID:    c.ID,
		Timestamp: s.clock.Now(),
		Payload:   cloneChat(c),
	})
}

func (s *Store) publishMessage(kind, accountID string, m model.Message) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		AccountID: accountID,
		ChatID:    m.ChatID,
		Timestamp: s.clock.Now(),
		Payload:   m,
	})
}

func (s *Store) publishMembership(accountID, chatID string, from, to model.Membership) {
	s.bus.Publish(bus.Event{
		Kind:      bus.ChatMembership,
		AccountID: accountID,
		ChatID:    chatID,
		Timestamp: s.clock.Now(),
		Payload:   MembershipChange{ChatID: chatID, From: from, To: to},
	})
}
