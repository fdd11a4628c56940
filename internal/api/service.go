package api

import (
	"context"

	"github.com/matheus3301/multichat/internal/bus"
	"github.com/matheus3301/multichat/internal/engine"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// watchBuffer is the per-subscriber bus buffer for Watch.
const watchBuffer = 256

// Service implements multichat.v1.Engine on top of one engine.
type Service struct {
	eng    *engine.Engine
	logger *zap.Logger
}

// NewService creates the control API service.
func NewService(eng *engine.Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{eng: eng, logger: logger.With(zap.String("component", "api"))}
}

// reply wraps a handler result: engine errors become status errors.
func reply(fields map[string]any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(fields)
}

func ok() map[string]any { return map[string]any{"ok": true} }

func (s *Service) listAccounts(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	active, _ := s.eng.Registry().ActiveAccount()
	return reply(map[string]any{
		"accounts": list(s.eng.Accounts(), accountFields),
		"activeId": active.ID,
	}, nil)
}

func (s *Service) beginLogin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	phone, err := stringArg("api.begin_login", req, "phone")
	if err != nil {
		return reply(nil, err)
	}
	acct, err := s.eng.Registry().Begin(ctx, phone)
	return reply(map[string]any{"account": accountFields(acct)}, err)
}

func (s *Service) submitCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const op = "api.submit_code"
	id, err := stringArg(op, req, "accountId")
	if err != nil {
		return reply(nil, err)
	}
	code, err := stringArg(op, req, "code")
	if err != nil {
		return reply(nil, err)
	}
	st, err := s.eng.Registry().SubmitCode(ctx, id, code)
	return reply(map[string]any{"login": loginFields(st)}, err)
}

func (s *Service) submitPassword(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const op = "api.submit_password"
	id, err := stringArg(op, req, "accountId")
	if err != nil {
		return reply(nil, err)
	}
	pw, err := stringArg(op, req, "password")
	if err != nil {
		return reply(nil, err)
	}
	st, err := s.eng.Registry().SubmitPassword(ctx, id, pw)
	return reply(map[string]any{"login": loginFields(st)}, err)
}

func (s *Service) removeAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringArg("api.remove_account", req, "accountId")
	if err != nil {
		return reply(nil, err)
	}
	return reply(ok(), s.eng.Registry().RemoveAccount(ctx, id))
}

func (s *Service) setActive(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringArg("api.set_active", req, "accountId")
	if err != nil {
		return reply(nil, err)
	}
	return reply(ok(), s.eng.Registry().SetActiveAccount(id))
}

func (s *Service) muteAccount(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const op = "api.mute_account"
	id, err := stringArg(op, req, "accountId")
	if err != nil {
		return reply(nil, err)
	}
	muted, err := boolArg(op, req, "muted")
	if err != nil {
		return reply(nil, err)
	}
	if _, err := s.eng.Registry().SetAccountMuted(id, muted); err != nil {
		return reply(nil, err)
	}
	acct, err := s.eng.Account(id)
	return reply(map[string]any{"account": accountFields(acct)}, err)
}

func (s *Service) listChats(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringArg("api.list_chats", req, "accountId")
	if err != nil {
		return reply(nil, err)
	}
	chats, err := s.eng.Chats().ListChats(id)
	return reply(map[string]any{"chats": list(chats, chatFields)}, err)
}

// chatArgs reads the accountId and chatId every chat-scoped call takes.
func chatArgs(op string, req *structpb.Struct) (string, string, error) {
	accountID, err := stringArg(op, req, "accountId")
	if err != nil {
		return "", "", err
	}
	chatID, err := stringArg(op, req, "chatId")
	if err != nil {
		return "", "", err
	}
	return accountID, chatID, nil
}

func (s *Service) listMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, chatID, err := chatArgs("api.list_messages", req)
	if err != nil {
		return reply(nil, err)
	}
	msgs, err := s.eng.Chats().ListMessages(accountID, chatID)
	return reply(map[string]any{"messages": list(msgs, messageFields)}, err)
}

func (s *Service) loadOlder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, chatID, err := chatArgs("api.load_older", req)
	if err != nil {
		return reply(nil, err)
	}
	hasMore, err := s.eng.Chats().LoadOlderMessages(ctx, accountID, chatID)
	return reply(map[string]any{"hasMore": hasMore}, err)
}

func (s *Service) sendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const op = "api.send_message"
	accountID, chatID, err := chatArgs(op, req)
	if err != nil {
		return reply(nil, err)
	}
	body, err := stringArg(op, req, "body")
	if err != nil {
		return reply(nil, err)
	}
	msg, err := s.eng.Chats().SendMessage(ctx, accountID, chatID, body)
	return reply(map[string]any{"message": messageFields(msg)}, err)
}

func (s *Service) retrySend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const op = "api.retry_send"
	accountID, chatID, err := chatArgs(op, req)
	if err != nil {
		return reply(nil, err)
	}
	clientID, err := stringArg(op, req, "clientId")
	if err != nil {
		return reply(nil, err)
	}
	msg, err := s.eng.Chats().RetrySend(ctx, accountID, chatID, clientID)
	return reply(map[string]any{"message": messageFields(msg)}, err)
}

func (s *Service) markRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, chatID, err := chatArgs("api.mark_read", req)
	if err != nil {
		return reply(nil, err)
	}
	return reply(ok(), s.eng.Chats().MarkRead(ctx, accountID, chatID))
}

func (s *Service) muteChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const op = "api.mute_chat"
	accountID, chatID, err := chatArgs(op, req)
	if err != nil {
		return reply(nil, err)
	}
	muted, err := boolArg(op, req, "muted")
	if err != nil {
		return reply(nil, err)
	}
	chat, err := s.eng.Chats().SetChatMuted(ctx, accountID, chatID, muted)
	return reply(map[string]any{"chat": chatFields(chat)}, err)
}

func (s *Service) pinChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const op = "api.pin_chat"
	accountID, chatID, err := chatArgs(op, req)
	if err != nil {
		return reply(nil, err)
	}
	pinned, err := boolArg(op, req, "pinned")
	if err != nil {
		return reply(nil, err)
	}
	chat, err := s.eng.Chats().SetChatPinned(ctx, accountID, chatID, pinned)
	return reply(map[string]any{"chat": chatFields(chat)}, err)
}

func (s *Service) requestJoin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID, chatID, err := chatArgs("api.request_join", req)
	if err != nil {
		return reply(nil, err)
	}
	m, err := s.eng.Joins().RequestJoin(ctx, accountID, chatID)
	return reply(map[string]any{"membership": string(m)}, err)
}

func (s *Service) badges(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringArg("api.badges", req, "accountId")
	if err != nil {
		return reply(nil, err)
	}
	b, err := s.eng.Badges().Badges(id)
	return reply(map[string]any{"badges": badgeFields(b)}, err)
}

// Watch relays bus events whose kind starts with the requested namespace
// (all events when empty) until the client goes away. An accountId field
// narrows the relay to one account.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	fields := req.GetFields()
	namespace := fields["namespace"].GetStringValue()
	accountID := fields["accountId"].GetStringValue()

	var (
		ch    <-chan bus.Event
		unsub func()
	)
	if accountID != "" {
		ch, unsub = s.eng.Bus().SubscribeAccount(namespace, accountID, watchBuffer)
	} else {
		ch, unsub = s.eng.Bus().Subscribe(namespace, watchBuffer)
	}
	defer unsub()
	s.logger.Debug("watch started", zap.String("namespace", namespace), zap.String("account_id", accountID))

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(eventFields(evt))
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
