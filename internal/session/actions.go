package session

import (
	"context"

	"go.uber.org/zap"

	"marketchat/internal/chat"
	"marketchat/internal/composer"
	"marketchat/internal/window"
)

// OpenChat opens or re-maximizes the window of an order. It fails with
// window.ErrChatUnavailable while the transport is down.
func (s *Session) OpenChat(conversationID string, order chat.OrderSnapshot) (window.Window, error) {
	var (
		w   window.Window
		err error
	)
	if derr := s.do(func() {
		w, err = s.windows.Open(conversationID, order)
		if err != nil {
			return
		}
		s.store.PairOrder(conversationID, order.ID)
		s.join(conversationID)
		s.dirty = true
	}); derr != nil {
		return window.Window{}, derr
	}
	return w, err
}

// CloseChat removes the window of an order and cancels the typing and draft
// timers of its conversation. A send already in flight completes.
func (s *Session) CloseChat(orderID string) error {
	return s.do(func() {
		w, ok := s.windows.Window(orderID)
		if !ok {
			return
		}
		s.windows.Close(orderID)
		if c, ok := s.composers[w.ConversationID]; ok {
			c.Close()
			delete(s.composers, w.ConversationID)
		}
		s.typing.Release(w.ConversationID)
		s.dirty = true
	})
}

func (s *Session) MinimizeChat(orderID string) error {
	return s.do(func() {
		s.windows.Minimize(orderID)
		s.dirty = true
	})
}

func (s *Session) MaximizeChat(orderID string) error {
	return s.do(func() {
		s.windows.Maximize(orderID)
		s.dirty = true
	})
}

func (s *Session) ShowConversationList() error {
	return s.do(func() {
		s.windows.ShowConversationList()
		s.dirty = true
	})
}

func (s *Session) HideConversationList() error {
	return s.do(func() {
		s.windows.HideConversationList()
		s.dirty = true
	})
}

// MarkRead zeroes the unread count of a conversation at once and then tells
// the other side. Publishing failures are logged and never undo the local
// state.
func (s *Session) MarkRead(conversationID string) error {
	return s.do(func() {
		upTo, ok := s.store.MarkConversationRead(conversationID)
		if !ok {
			return
		}
		s.dirty = true

		env, err := chat.NewEnvelope(chat.EventReadReceipt, conversationID,
			chat.ReadReceiptPayload{ReaderID: s.user.ID, UpTo: upTo}, s.clock.Now())
		if err != nil {
			return
		}
		s.publish(env)
		if rm, ok := s.backend.(ReadMarker); ok {
			s.goAsync(func(ctx context.Context) {
				if err := rm.MarkRead(ctx, conversationID, upTo); err != nil {
					s.logger.Warn("mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
				}
			})
		}
	})
}

// UpdateDraft replaces the draft of a conversation.
func (s *Session) UpdateDraft(conversationID, text string) error {
	return s.do(func() {
		s.composerFor(conversationID).SetDraft(text)
	})
}

// Key applies a key press to the composer of a conversation. A plain Enter
// starts a send whose outcome arrives as an update.
func (s *Session) Key(conversationID string, k composer.KeyEvent) error {
	return s.do(func() {
		c := s.composerFor(conversationID)
		if c.HandleKey(k) {
			s.startSend(conversationID, c, nil)
			return
		}
		s.dirty = true
	})
}

type sendResult struct {
	msg chat.Message
	err error
}

// Send sends the current draft of a conversation and waits for the outcome.
func (s *Session) Send(ctx context.Context, conversationID string) (chat.Message, error) {
	res := make(chan sendResult, 1)
	var begin error
	if err := s.do(func() {
		begin = s.startSend(conversationID, s.composerFor(conversationID), res)
	}); err != nil {
		return chat.Message{}, err
	}
	if begin != nil {
		return chat.Message{}, begin
	}
	select {
	case r := <-res:
		return r.msg, r.err
	case <-s.stopped:
		return chat.Message{}, ErrClosed
	case <-ctx.Done():
		return chat.Message{}, ctx.Err()
	}
}

// startSend runs on the loop. The backend call runs off it and its result is
// posted back.
func (s *Session) startSend(conversationID string, c *composer.Composer, res chan<- sendResult) error {
	body, err := c.BeginSend()
	if err != nil {
		s.failSend(conversationID, err)
		return err
	}
	if !s.windows.CanOpen() {
		c.FinishSend(window.ErrChatUnavailable)
		s.failSend(conversationID, window.ErrChatUnavailable)
		return window.ErrChatUnavailable
	}
	s.dirty = true

	s.goAsync(func(ctx context.Context) {
		msg, err := s.backend.SendMessage(ctx, conversationID, body)
		s.post(func() {
			c.FinishSend(err)
			if err != nil {
				s.logger.Warn("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
				s.failSend(conversationID, err)
			} else {
				s.store.ApplyInboundMessage(msg)
			}
			s.dirty = true
			if res != nil {
				res <- sendResult{msg: msg, err: err}
			}
		})
	})
	return nil
}

func (s *Session) failSend(conversationID string, err error) {
	s.broadcast(Update{Type: UpdateSendFailed, ConversationID: conversationID, Error: err.Error()})
}

func (s *Session) Conversations() ([]chat.Conversation, error) {
	var out []chat.Conversation
	err := s.do(func() { out = s.store.ListConversations() })
	return out, err
}

func (s *Session) Messages(conversationID string) ([]chat.Message, error) {
	var out []chat.Message
	err := s.do(func() { out = s.store.Messages(conversationID) })
	return out, err
}

func (s *Session) UnreadCount(conversationID string) (int, error) {
	var n int
	err := s.do(func() { n = s.store.UnreadCount(conversationID) })
	return n, err
}

func (s *Session) TotalUnread() (int, error) {
	var n int
	err := s.do(func() { n = s.unread.Total() })
	return n, err
}

func (s *Session) TypingUsers(conversationID string) ([]chat.Participant, error) {
	var out []chat.Participant
	err := s.do(func() { out = s.typing.TypingUsers(conversationID) })
	return out, err
}

func (s *Session) Windows() ([]window.Window, error) {
	var out []window.Window
	err := s.do(func() { out = s.windows.Windows() })
	return out, err
}

func (s *Session) ConnectionStatus() (chat.ConnectionStatus, error) {
	var st chat.ConnectionStatus
	err := s.do(func() { st = s.windows.ConnectionStatus() })
	return st, err
}

func (s *Session) ConversationListOpen() (bool, error) {
	var open bool
	err := s.do(func() { open = s.windows.ConversationListOpen() })
	return open, err
}

func (s *Session) Draft(conversationID string) (string, error) {
	var d string
	err := s.do(func() {
		if c, ok := s.composers[conversationID]; ok {
			d = c.Draft()
		}
	})
	return d, err
}

func (s *Session) Presence(userID string) (chat.Presence, bool, error) {
	var (
		p  chat.Presence
		ok bool
	)
	err := s.do(func() { p, ok = s.presence[userID] })
	return p, ok, err
}

func (s *Session) Snapshot() (*Snapshot, error) {
	var snap *Snapshot
	err := s.do(func() { snap = s.snapshot() })
	return snap, err
}
