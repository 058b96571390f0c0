package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType names an event carried on a conversation channel.
type EventType string

const (
	EventMessageCreated          EventType = "message-created"
	EventTypingStarted           EventType = "typing-started"
	EventTypingStopped           EventType = "typing-stopped"
	EventReadReceipt             EventType = "read-receipt"
	EventPresenceChanged         EventType = "presence-changed"
	EventConnectionStatusChanged EventType = "connection-status-changed"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMalformedEvent = errors.New("malformed event")
)

// Envelope is the wire format of every transport event.
type Envelope struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	SentAt         time.Time       `json:"sent_at"`
}

type TypingPayload struct {
	User Participant `json:"user"`
}

type ReadReceiptPayload struct {
	ReaderID string    `json:"reader_id"`
	UpTo     time.Time `json:"up_to"`
}

type PresencePayload struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type StatusPayload struct {
	Status ConnectionStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// MessagePayload carries the order id alongside the message so a conversation
// first seen through an event can still be paired with its order.
type MessagePayload struct {
	Message
	OrderID string `json:"order_id,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t EventType, conversationID string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, ConversationID: conversationID, Payload: raw, SentAt: at}, nil
}

// Decode parses and validates the payload. The concrete type depends on Type:
// MessagePayload, TypingPayload, ReadReceiptPayload, PresencePayload or
// StatusPayload. Anything that does not validate yields ErrMalformedEvent.
func (e Envelope) Decode() (any, error) {
	switch e.Type {
	case EventMessageCreated:
		var p MessagePayload
		if err := e.unmarshal(&p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			p.ConversationID = e.ConversationID
		}
		if p.ID == "" || p.ConversationID == "" || p.SenderID == "" || p.CreatedAt.IsZero() {
			return nil, fmt.Errorf("%w: message-created missing fields", ErrMalformedEvent)
		}
		if e.ConversationID != "" && p.ConversationID != e.ConversationID {
			return nil, fmt.Errorf("%w: message for %s on channel of %s", ErrMalformedEvent, p.ConversationID, e.ConversationID)
		}
		return p, nil

	case EventTypingStarted, EventTypingStopped:
		var p TypingPayload
		if err := e.unmarshal(&p); err != nil {
			return nil, err
		}
		if e.ConversationID == "" || p.User.ID == "" {
			return nil, fmt.Errorf("%w: %s missing fields", ErrMalformedEvent, e.Type)
		}
		return p, nil

	case EventReadReceipt:
		var p ReadReceiptPayload
		if err := e.unmarshal(&p); err != nil {
			return nil, err
		}
		if e.ConversationID == "" || p.ReaderID == "" || p.UpTo.IsZero() {
			return nil, fmt.Errorf("%w: read-receipt missing fields", ErrMalformedEvent)
		}
		return p, nil

	case EventPresenceChanged:
		var p PresencePayload
		if err := e.unmarshal(&p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: presence-changed missing user", ErrMalformedEvent)
		}
		return p, nil

	case EventConnectionStatusChanged:
		var p StatusPayload
		if err := e.unmarshal(&p); err != nil {
			return nil, err
		}
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: status %q", ErrMalformedEvent, p.Status)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
}

func (e Envelope) unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
