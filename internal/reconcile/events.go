package reconcile

import (
	"errors"
	"fmt"

	"github.com/matheus3301/multichat/internal/backend"
	"github.com/matheus3301/multichat/internal/model"
)

// Event is one normalized inbound event. The set is closed: NewMessage,
// MessageRead, ChatUpdated, AccountUpdated and Mentioned.
type Event interface {
	event()
}

type NewMessage struct {
	ChatID  string
	Message model.Message
}

type MessageRead struct {
	ChatID     string
	MessageIDs []string
}

type ChatUpdated struct {
	ChatID string
	Patch  model.ChatPatch
}

type AccountUpdated struct {
	Patch model.AccountPatch
}

type Mentioned struct {
	ChatID string
}

func (NewMessage) event()     {}
func (MessageRead) event()    {}
func (ChatUpdated) event()    {}
func (AccountUpdated) event() {}
func (Mentioned) event()      {}

// Normalize converts a decoded frame into an Event.
func Normalize(env backend.Envelope) (Event, error) {
	switch env.Type {
	case backend.TypeNewMessage:
		if env.Message == nil || env.Message.ID == "" {
			return nil, errors.New("NewMessage without message id")
		}
		chatID := env.ChatID
		if chatID == "" {
			chatID = env.Message.ChatID
		}
		if chatID == "" {
			return nil, errors.New("NewMessage without chat id")
		}
		return NewMessage{ChatID: chatID, Message: env.Message.ToModel(chatID)}, nil
	case backend.TypeMessageRead:
		if env.ChatID == "" {
			return nil, errors.New("MessageRead without chat id")
		}
		return MessageRead{ChatID: env.ChatID, MessageIDs: env.MessageIDs}, nil
	case backend.TypeChatUpdated:
		if env.ChatID == "" {
			return nil, errors.New("ChatUpdated without chat id")
		}
		return ChatUpdated{ChatID: env.ChatID, Patch: env.Patch.ChatPatch()}, nil
	case backend.TypeAccountUpdated:
		return AccountUpdated{Patch: env.Patch.AccountPatch()}, nil
	case backend.TypeMentioned:
		if env.ChatID == "" {
			return nil, errors.New("Mentioned without chat id")
		}
		return Mentioned{ChatID: env.ChatID}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
