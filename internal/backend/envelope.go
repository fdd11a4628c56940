package backend

import "github.com/matheus3301/multichat/internal/model"

// Event type discriminators carried in Envelope.Type.
const (
	TypeNewMessage     = "NewMessage"
	TypeMessageRead    = "MessageRead"
	TypeChatUpdated    = "ChatUpdated"
	TypeAccountUpdated = "AccountUpdated"
	TypeMentioned      = "Mentioned"
)

// Envelope is one frame of the inbound event stream, shared by the JSON
// (text frame) and CBOR (binary frame) encodings.
type Envelope struct {
	Type       string   `json:"type" cbor:"type"`
	AccountID  string   `json:"accountId" cbor:"accountId"`
	ChatID     string   `json:"chatId,omitempty" cbor:"chatId,omitempty"`
	Message    *Message `json:"message,omitempty" cbor:"message,omitempty"`
	Patch      *Patch   `json:"patch,omitempty" cbor:"patch,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty" cbor:"messageIds,omitempty"`
}

// Patch is the union of chat and account patch fields. Fields the target
// entity does not have are ignored, as are fields this client does not know.
type Patch struct {
	Title       *string `json:"title,omitempty" cbor:"title,omitempty"`
	Kind        *string `json:"kind,omitempty" cbor:"kind,omitempty"`
	Privacy     *string `json:"privacy,omitempty" cbor:"privacy,omitempty"`
	Membership  *string `json:"membership,omitempty" cbor:"membership,omitempty"`
	Muted       *bool   `json:"muted,omitempty" cbor:"muted,omitempty"`
	Pinned      *bool   `json:"pinned,omitempty" cbor:"pinned,omitempty"`
	UnreadCount *int    `json:"unreadCount,omitempty" cbor:"unreadCount,omitempty"`
	DisplayName *string `json:"displayName,omitempty" cbor:"displayName,omitempty"`
	LoggedOut   *bool   `json:"loggedOut,omitempty" cbor:"loggedOut,omitempty"`
}

// ChatPatch extracts the chat fields. Enum values outside the known set
// are dropped rather than applied.
func (p *Patch) ChatPatch() model.ChatPatch {
	if p == nil {
		return model.ChatPatch{}
	}
	out := model.ChatPatch{
		Title:       p.Title,
		Muted:       p.Muted,
		Pinned:      p.Pinned,
		UnreadCount: p.UnreadCount,
	}
	if p.Kind != nil {
		switch k := model.ChatKind(*p.Kind); k {
		case model.KindPrivate, model.KindGroup, model.KindChannel:
			out.Kind = &k
		}
	}
	if p.Privacy != nil {
		switch v := model.Privacy(*p.Privacy); v {
		case model.PrivacyPublic, model.PrivacyPrivate:
			out.Privacy = &v
		}
	}
	if p.Membership != nil {
		switch m := model.Membership(*p.Membership); m {
		case model.NotMember, model.Pending, model.Member:
			out.Membership = &m
		}
	}
	return out
}

// AccountPatch extracts the account fields.
func (p *Patch) AccountPatch() model.AccountPatch {
	if p == nil {
		return model.AccountPatch{}
	}
	return model.AccountPatch{
		DisplayName: p.DisplayName,
		Muted:       p.Muted,
		LoggedOut:   p.LoggedOut,
	}
}
