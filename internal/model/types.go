package model

import (
	"cmp"
	"time"
)

// LoginStep is a state of the per-account login state machine.
type LoginStep string

const (
	StepIdle             LoginStep = "idle"
	StepPhoneSubmitted   LoginStep = "phone_submitted"
	StepCodeSent         LoginStep = "code_sent"
	StepAwaitingCode     LoginStep = "awaiting_code"
	StepPasswordRequired LoginStep = "password_required"
	StepComplete         LoginStep = "complete"
	StepError            LoginStep = "error"
)

// Account is one messaging identity managed by the engine.
type Account struct {
	ID          string
	DisplayName string
	Phone       string
	Status      LoginStep
	Muted       bool
	// HasMention is derived by the notification aggregator on read and is
	// never stored.
	HasMention bool
	CreatedAt  time.Time
}

// ChatKind is the conversation type.
type ChatKind string

const (
	KindPrivate ChatKind = "private"
	KindGroup   ChatKind = "group"
	KindChannel ChatKind = "channel"
)

// Privacy controls whether joining needs approval.
type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

// Membership is the account's membership status in a chat.
type Membership string

const (
	NotMember Membership = "not_member"
	Pending   Membership = "pending"
	Member    Membership = "member"
)

// MessageRef points at the newest known message of a chat.
type MessageRef struct {
	ID        string
	Timestamp time.Time
	Preview   string
}

// Chat is a conversation scoped to one account.
type Chat struct {
	ID          string
	AccountID   string
	Title       string
	Kind        ChatKind
	Privacy     Privacy
	Membership  Membership
	Muted       bool
	Pinned      bool
	HasMention  bool
	UnreadCount int
	LastMessage *MessageRef
	// Cursor is the opaque pagination position of the oldest loaded page.
	// Empty means unknown: the next load starts from the newest page.
	Cursor string
	// HistoryDone is set once the backend reported no older pages.
	HistoryDone bool
}

// DeliveryStatus tracks locally originated sends.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is one entry of a chat's history.
type Message struct {
	ID     string
	ChatID string
	// ClientID correlates a locally sent message with its server echo.
	ClientID   string
	SenderID   string
	SenderName string
	Body       string
	MediaKind  string
	Timestamp  time.Time
	Read       bool
	Edited     bool
	Forwarded  bool
	FromMe     bool
	Status     DeliveryStatus
	FailReason string
}

// CompareMessages orders messages by timestamp, then id.
func CompareMessages(a, b Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// CompareChats orders pinned chats first, then newest activity, then id.
func CompareChats(a, b Chat) int {
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return -1
		}
		return 1
	}
	at, bt := lastActivity(a), lastActivity(b)
	if c := bt.Compare(at); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func lastActivity(c Chat) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.Timestamp
}

// Badges is the derived notification state of one account.
type Badges struct {
	AccountID      string
	HasMention     bool
	Muted          bool
	UnreadChats    int
	UnreadMessages int
	PendingJoins   int
}
