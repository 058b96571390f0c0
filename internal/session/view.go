package session

import (
	"marketchat/internal/chat"
	"marketchat/internal/window"
)

type UpdateType string

const (
	UpdateSnapshot   UpdateType = "snapshot"
	UpdateSendFailed UpdateType = "send_failed"
	UpdateError      UpdateType = "error"
)

// Update is pushed to subscribers after state changes.
type Update struct {
	Type           UpdateType `json:"type"`
	Snapshot       *Snapshot  `json:"snapshot,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Snapshot is everything a chat UI renders.
type Snapshot struct {
	Status               chat.ConnectionStatus `json:"status"`
	CanInitiateChat      bool                  `json:"can_initiate_chat"`
	TotalUnread          int                   `json:"total_unread"`
	ConversationListOpen bool                  `json:"conversation_list_open"`
	Conversations        []ConversationView    `json:"conversations"`
	Windows              []WindowView          `json:"windows"`
}

type ConversationView struct {
	chat.Conversation
	Counterpart chat.Participant   `json:"counterpart"`
	Online      bool               `json:"online"`
	Typing      []chat.Participant `json:"typing,omitempty"`
}

type WindowView struct {
	window.Window
	Unread        int                `json:"unread"`
	LatestMessage string             `json:"latest_message"`
	Messages      []chat.Message     `json:"messages"`
	Typing        []chat.Participant `json:"typing,omitempty"`
	Draft         string             `json:"draft"`
	Sending       bool               `json:"sending"`
	LastError     string             `json:"last_error,omitempty"`
}

func (s *Session) snapshot() *Snapshot {
	status := s.windows.ConnectionStatus()
	snap := &Snapshot{
		Status:               status,
		CanInitiateChat:      status.CanInitiateChat(),
		TotalUnread:          s.unread.Total(),
		ConversationListOpen: s.windows.ConversationListOpen(),
	}

	for _, c := range s.store.ListConversations() {
		peer := c.Counterpart(s.user.ID)
		snap.Conversations = append(snap.Conversations, ConversationView{
			Conversation: c,
			Counterpart:  peer,
			Online:       s.presence[peer.ID].Online,
			Typing:       s.typing.TypingUsers(c.ID),
		})
	}

	for _, w := range s.windows.Windows() {
		v := WindowView{
			Window:   w,
			Unread:   s.store.UnreadCount(w.ConversationID),
			Messages: s.store.Messages(w.ConversationID),
			Typing:   s.typing.TypingUsers(w.ConversationID),
		}
		if c, ok := s.store.Conversation(w.ConversationID); ok {
			v.LatestMessage = c.LatestMessage
		}
		if c, ok := s.composers[w.ConversationID]; ok {
			v.Draft = c.Draft()
			v.Sending = c.InFlight()
			if err := c.LastError(); err != nil {
				v.LastError = err.Error()
			}
		}
		snap.Windows = append(snap.Windows, v)
	}
	return snap
}

// Subscribe returns a channel of updates starting with the current snapshot.
// A subscriber that falls behind loses its oldest updates. The channel is
// closed by cancel or when the session stops.
func (s *Session) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuf)
	var id int
	registered := false
	err := s.do(func() {
		s.nextSub++
		id = s.nextSub
		s.subs[id] = ch
		registered = true
		ch <- Update{Type: UpdateSnapshot, Snapshot: s.snapshot()}
	})
	if err != nil {
		// Once registered, teardown owns closing ch.
		if !registered {
			close(ch)
		}
		return ch, func() {}
	}
	cancel := func() {
		s.post(func() {
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (s *Session) broadcast(u Update) {
	for _, ch := range s.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
