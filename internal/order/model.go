package order

import (
	"errors"
	"time"

	"marketchat/internal/chat"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not part of this conversation")
	ErrMessageTooLong       = errors.New("message is too long")
	ErrEmptyMessage         = errors.New("message is empty")
)

// MaxMessageLength is the longest message body accepted, in characters.
const MaxMessageLength = 20000

const StatusPlaced = "placed"

type Order struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	ShopID     string    `json:"shop_id"`
	ShopName   string    `json:"shop_name"`
	Summary    string    `json:"summary"`
	Total      int64     `json:"total"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (o *Order) Snapshot() chat.OrderSnapshot {
	return chat.OrderSnapshot{
		ID:        o.ID,
		ShopName:  o.ShopName,
		Status:    o.Status,
		Total:     o.Total,
		CreatedAt: o.CreatedAt,
	}
}

// ConversationRef is the stored pairing of a conversation with its order and
// the two users allowed to talk in it.
type ConversationRef struct {
	ID         string
	OrderID    string
	CustomerID string
	ShopID     string
}

func (c *ConversationRef) Has(userID string) bool {
	return userID != "" && (userID == c.CustomerID || userID == c.ShopID)
}

type PlaceOrderRequest struct {
	ShopID  string `json:"shop_id" validate:"required"`
	Summary string `json:"summary" validate:"required,max=500"`
	Total   int64  `json:"total" validate:"gte=0"`
}

type PlaceOrderResponse struct {
	Order          *Order `json:"order"`
	ConversationID string `json:"conversation_id"`
}
