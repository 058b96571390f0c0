package chat

import "time"

// Participant is the display summary of one side of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Conversation is the 1:1 thread attached to an order. Unread is the count as
// reported by whoever produced the value (server summary or store view).
type Conversation struct {
	ID            string      `json:"id"`
	OrderID       string      `json:"order_id"`
	Shop          Participant `json:"shop"`
	Customer      Participant `json:"customer"`
	LatestMessage string      `json:"latest_message"`
	LastActivity  time.Time   `json:"last_activity"`
	Unread        int         `json:"unread"`
}

// Counterpart returns the participant that is not selfID.
func (c Conversation) Counterpart(selfID string) Participant {
	if c.Shop.ID == selfID {
		return c.Customer
	}
	return c.Shop
}

// Message is a single chat line. ReadAt is nil until the message is read.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// OrderSnapshot is the order data a chat window displays next to the thread.
type OrderSnapshot struct {
	ID        string    `json:"id"`
	ShopName  string    `json:"shop_name"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// ConnectionStatus is the health of the real-time subscription.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// CanInitiateChat reports whether new chats may be opened under this status.
func (s ConnectionStatus) CanInitiateChat() bool {
	return s != StatusDisconnected && s != StatusError
}

// Valid reports whether s is one of the known statuses.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusDisconnected, StatusError:
		return true
	}
	return false
}

// Presence is the last known online state of a user.
type Presence struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}
