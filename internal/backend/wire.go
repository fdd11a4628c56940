package backend

import (
	"time"

	"github.com/matheus3301/multichat/internal/model"
)

// Message is the wire form of a message. Timestamps are unix milliseconds.
type Message struct {
	ID         string `json:"id" cbor:"id"`
	ChatID     string `json:"chatId,omitempty" cbor:"chatId,omitempty"`
	ClientID   string `json:"clientId,omitempty" cbor:"clientId,omitempty"`
	SenderID   string `json:"senderId,omitempty" cbor:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty" cbor:"senderName,omitempty"`
	Text       string `json:"text,omitempty" cbor:"text,omitempty"`
	MediaKind  string `json:"mediaKind,omitempty" cbor:"mediaKind,omitempty"`
	Timestamp  int64  `json:"timestamp" cbor:"timestamp"`
	Read       bool   `json:"read,omitempty" cbor:"read,omitempty"`
	Edited     bool   `json:"edited,omitempty" cbor:"edited,omitempty"`
	Forwarded  bool   `json:"forwarded,omitempty" cbor:"forwarded,omitempty"`
	FromMe     bool   `json:"fromMe,omitempty" cbor:"fromMe,omitempty"`
}

// ToModel converts a wire message into a confirmed model message.
func (m Message) ToModel(chatID string) model.Message {
	if m.ChatID != "" {
		chatID = m.ChatID
	}
	return model.Message{
		ID:         m.ID,
		ChatID:     chatID,
		ClientID:   m.ClientID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Text,
		MediaKind:  m.MediaKind,
		Timestamp:  time.UnixMilli(m.Timestamp),
		Read:       m.Read,
		Edited:     m.Edited,
		Forwarded:  m.Forwarded,
		FromMe:     m.FromMe,
		Status:     model.StatusConfirmed,
	}
}

// MessageRef is the wire form of a chat's last message pointer.
type MessageRef struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Preview   string `json:"preview,omitempty"`
}

// Chat is the wire form of a chat.
type Chat struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Kind        string      `json:"kind"`
	Privacy     string      `json:"privacy"`
	Membership  string      `json:"membership"`
	Muted       bool        `json:"muted"`
	Pinned      bool        `json:"pinned"`
	UnreadCount int         `json:"unreadCount"`
	LastMessage *MessageRef `json:"lastMessage,omitempty"`
}

// ToModel converts a wire chat into a model chat owned by accountID.
// Unknown enum values fall back to the most restrictive interpretation.
func (c Chat) ToModel(accountID string) model.Chat {
	out := model.Chat{
		ID:          c.ID,
		AccountID:   accountID,
		Title:       c.Title,
		Kind:        model.KindPrivate,
		Privacy:     model.PrivacyPrivate,
		Membership:  model.Member,
		Muted:       c.Muted,
		Pinned:      c.Pinned,
		UnreadCount: max(c.UnreadCount, 0),
	}
	switch k := model.ChatKind(c.Kind); k {
	case model.KindPrivate, model.KindGroup, model.KindChannel:
		out.Kind = k
	}
	if model.Privacy(c.Privacy) == model.PrivacyPublic {
		out.Privacy = model.PrivacyPublic
	}
	switch m := model.Membership(c.Membership); m {
	case model.NotMember, model.Pending, model.Member:
		out.Membership = m
	}
	if c.LastMessage != nil {
		out.LastMessage = &model.MessageRef{
			ID:        c.LastMessage.ID,
			Timestamp: time.UnixMilli(c.LastMessage.Timestamp),
			Preview:   c.LastMessage.Preview,
		}
	}
	return out
}

// Page is one page of older history.
type Page struct {
	Items      []model.Message
	HasMore    bool
	NextCursor string
}

// LoginResult is the outcome of login/complete.
type LoginResult struct {
	Token       string
	Requires2FA bool
}
