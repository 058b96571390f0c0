package order

import (
	"context"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"marketchat/internal/chat"
)

// historyLimit caps how many messages one history request returns.
const historyLimit = 50

// Publisher fans an event out on a conversation channel.
type Publisher interface {
	Send(ctx context.Context, conversationID string, env chat.Envelope) error
}

type Service struct {
	repo      *Repository
	publisher Publisher
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(repo *Repository, publisher Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		now:       time.Now,
	}
}

// PlaceOrder creates the order and the conversation that belongs to it.
func (s *Service) PlaceOrder(ctx context.Context, customerID string, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	o := &Order{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		ShopID:     req.ShopID,
		Summary:    s.sanitizer.Sanitize(req.Summary),
		Total:      req.Total,
		Status:     StatusPlaced,
		CreatedAt:  s.now().UTC(),
	}
	convID := uuid.NewString()
	if err := s.repo.CreateWithConversation(ctx, o, convID); err != nil {
		return nil, err
	}
	s.logger.Info("order placed",
		zap.String("order_id", o.ID),
		zap.String("conversation_id", convID),
		zap.String("user_id", customerID))

	stored, err := s.repo.GetOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return &PlaceOrderResponse{Order: stored, ConversationID: convID}, nil
}

// OrderForChat returns the order snapshot and conversation id a chat window
// needs, provided userID is one of the two parties.
func (s *Service) OrderForChat(ctx context.Context, userID, orderID string) (chat.OrderSnapshot, string, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return chat.OrderSnapshot{}, "", err
	}
	conv, err := s.repo.GetConversationByOrder(ctx, orderID)
	if err != nil {
		return chat.OrderSnapshot{}, "", err
	}
	if !conv.Has(userID) {
		return chat.OrderSnapshot{}, "", ErrNotParticipant
	}
	return o.Snapshot(), conv.ID, nil
}

func (s *Service) Conversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID, conversationID string) ([]chat.Message, error) {
	if _, err := s.participant(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID, historyLimit)
}

// SendMessage stores a message from userID and publishes message-created on
// the conversation channel. A failed publish is logged; the message is stored
// and shows up on the next fetch.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID, body string) (chat.Message, error) {
	conv, err := s.participant(ctx, userID, conversationID)
	if err != nil {
		return chat.Message{}, err
	}

	// Bodies are plain text: markup is stripped and the escaping the policy
	// adds is undone so "a < b" is stored as typed.
	clean := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(body)))
	if clean == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(clean) > MaxMessageLength {
		return chat.Message{}, ErrMessageTooLong
	}

	m := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       userID,
		Body:           clean,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.InsertMessage(ctx, &m); err != nil {
		return chat.Message{}, err
	}

	env, err := chat.NewEnvelope(chat.EventMessageCreated, conversationID, chat.MessagePayload{Message: m, OrderID: conv.OrderID}, m.CreatedAt)
	if err == nil {
		err = s.publisher.Send(ctx, conversationID, env)
	}
	if err != nil {
		s.logger.Warn("publish message failed",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", m.ID),
			zap.Error(err))
	}
	return m, nil
}

// MarkRead persists that userID has read the conversation up to upTo.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string, upTo time.Time) error {
	if _, err := s.participant(ctx, userID, conversationID); err != nil {
		return err
	}
	n, err := s.repo.MarkRead(ctx, conversationID, userID, upTo, s.now().UTC())
	if err != nil {
		return err
	}
	s.logger.Debug("messages marked read",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Int64("count", n))
	return nil
}

func (s *Service) participant(ctx context.Context, userID, conversationID string) (*ConversationRef, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Has(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// Backend is the order service seen from one user's chat session.
type Backend struct {
	svc    *Service
	userID string
}

func (s *Service) ForUser(userID string) *Backend {
	return &Backend{svc: s, userID: userID}
}

func (b *Backend) FetchConversations(ctx context.Context) ([]chat.Conversation, error) {
	return b.svc.Conversations(ctx, b.userID)
}

func (b *Backend) SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	return b.svc.SendMessage(ctx, b.userID, conversationID, content)
}

func (b *Backend) MarkRead(ctx context.Context, conversationID string, upTo time.Time) error {
	return b.svc.MarkRead(ctx, b.userID, conversationID, upTo)
}
