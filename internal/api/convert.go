package api

import (
	"time"

	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/chatstore"
	"github.com/matheus3301/multichat/internal/errs"
	"github.com/matheus3301/multichat/internal/login"
	"github.com/matheus3301/multichat/internal/model"
	"github.com/matheus3301/multichat/internal/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func ms(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func accountFields(a model.Account) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"displayName": a.DisplayName,
		"phone":       a.Phone,
		"status":      string(a.Status),
		"muted":       a.Muted,
		"hasMention":  a.HasMention,
		"createdAt":   ms(a.CreatedAt),
	}
}

func chatFields(c model.Chat) map[string]any {
	m := map[string]any{
		"id":          c.ID,
		"accountId":   c.AccountID,
		"title":       c.Title,
		"kind":        string(c.Kind),
		"privacy":     string(c.Privacy),
		"membership":  string(c.Membership),
		"muted":       c.Muted,
		"pinned":      c.Pinned,
		"hasMention":  c.HasMention,
		"unreadCount": c.UnreadCount,
		"historyDone": c.HistoryDone,
	}
	if c.LastMessage != nil {
		m["lastMessage"] = map[string]any{
			"id":        c.LastMessage.ID,
			"timestamp": ms(c.LastMessage.Timestamp),
			"preview":   c.LastMessage.Preview,
		}
	}
	return m
}

func messageFields(msg model.Message) map[string]any {
	m := map[string]any{
		"id":         msg.ID,
		"chatId":     msg.ChatID,
		"clientId":   msg.ClientID,
		"senderId":   msg.SenderID,
		"senderName": msg.SenderName,
		"text":       msg.Body,
		"timestamp":  ms(msg.Timestamp),
		"read":       msg.Read,
		"edited":     msg.Edited,
		"forwarded":  msg.Forwarded,
		"fromMe":     msg.FromMe,
		"status":     string(msg.Status),
	}
	if msg.MediaKind != "" {
		m["mediaKind"] = msg.MediaKind
	}
	if msg.FailReason != "" {
		m["failReason"] = msg.FailReason
	}
	return m
}

func badgeFields(b model.Badges) map[string]any {
	return map[string]any{
		"accountId":      b.AccountID,
		"hasMention":     b.HasMention,
		"muted":          b.Muted,
		"unreadChats":    b.UnreadChats,
		"unreadMessages": b.UnreadMessages,
		"pendingJoins":   b.PendingJoins,
	}
}

func loginFields(st login.State) map[string]any {
	m := map[string]any{
		"accountId": st.AccountID,
		"step":      string(st.Step),
		"retries":   st.Retries,
	}
	if st.Resume != "" {
		m["resume"] = string(st.Resume)
	}
	if st.Err != nil {
		m["error"] = st.Err.Error()
		m["errorKind"] = string(errs.KindOf(st.Err))
	}
	return m
}

// eventFields renders a bus event for Watch. Unknown payloads are sent
// without a payload field.
func eventFields(evt bus.Event) map[string]any {
	m := map[string]any{
		"kind":      evt.Kind,
		"accountId": evt.AccountID,
		"timestamp": ms(evt.Timestamp),
	}
	if evt.ChatID != "" {
		m["chatId"] = evt.ChatID
	}
	var payload map[string]any
	switch p := evt.Payload.(type) {
	case model.Account:
		payload = accountFields(p)
	case model.Chat:
		payload = chatFields(p)
	case model.Message:
		payload = messageFields(p)
	case model.Badges:
		payload = badgeFields(p)
	case login.State:
		payload = loginFields(p)
	case chatstore.MembershipChange:
		payload = map[string]any{"chatId": p.ChatID, "from": string(p.From), "to": string(p.To)}
	case status.StatusChange:
		payload = map[string]any{"from": string(p.From), "to": string(p.To)}
	}
	if payload != nil {
		m["payload"] = payload
	}
	return m
}

func list[T any](items []T, fn func(T) map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

// toStruct converts fields into a Struct. Every value produced by the
// *Fields helpers is representable, so a failure is a programming error.
func toStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errs.E(errs.Unknown, "api.encode", "%v", err)
	}
	return s, nil
}

// stringArg reads a required string field.
func stringArg(op string, req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok || v.GetStringValue() == "" {
		return "", errs.ValidationError(op, "%s is required", name)
	}
	return v.GetStringValue(), nil
}

// boolArg reads a required bool field.
func boolArg(op string, req *structpb.Struct, name string) (bool, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return false, errs.ValidationError(op, "%s is required", name)
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return false, errs.ValidationError(op, "%s must be a boolean", name)
	}
	return v.GetBoolValue(), nil
}
