package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "chat." receives chat.updated and chat.membership.
const (
	AccountAdded      = "account.added"
	AccountRemoved    = "account.removed"
	AccountUpdated    = "account.updated"
	AccountLoginState = "account.login_state"
	AccountActive     = "account.active"

	ChatUpdated    = "chat.updated"
	ChatMembership = "chat.membership"

	MessageUpserted = "message.upserted"
	MessageFailed   = "message.failed"

	StreamStatus = "stream.status"

	BadgeChanged = "badge.changed"
)

// Event is a domain notification published on the bus.
type Event struct {
	Kind      string
	AccountID string
	ChatID    string
	Timestamp time.Time
	Payload   any
}
