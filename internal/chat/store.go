package chat

import (
	"sort"
	"time"
)

// Store holds the canonical conversation summaries and the messages seen during
// the session. It is not safe for concurrent use: the session loop is its only
// caller, which is what lets every mutation run to completion.
type Store struct {
	selfID    string
	now       func() time.Time
	convs     map[string]*entry
	byOrder   map[string]string
	unreadGen uint64
}

type entry struct {
	conv     Conversation
	messages map[string]*Message

	// seed is the unread count the server reported for history this session
	// never received as messages; seedAsOf is the activity time of that report.
	// Held messages at or before seedAsOf are already inside seed.
	seed     int
	seedAsOf time.Time
	seeded   bool

	// unread counts held messages outside the seed; reported is the last
	// seed+unread total the generation counter saw.
	unread   int
	reported int
}

// NewStore returns an empty store for the user selfID.
func NewStore(selfID string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		selfID:  selfID,
		now:     now,
		convs:   make(map[string]*entry),
		byOrder: make(map[string]string),
	}
}

// SelfID is the user the store counts unread messages for.
func (s *Store) SelfID() string {
	return s.selfID
}

// UnreadGeneration changes whenever any unread count or the set of
// conversations changes.
func (s *Store) UnreadGeneration() uint64 {
	return s.unreadGen
}

// Len is the number of known conversations.
func (s *Store) Len() int {
	return len(s.convs)
}

// Load merges server summaries into the store, typically the result of the
// initial fetch. Conversations already created by earlier events keep their
// messages; the summary fills in what the events could not know.
func (s *Store) Load(summaries []Conversation) {
	for _, sum := range summaries {
		if sum.ID == "" {
			continue
		}
		e := s.ensure(sum.ID)
		if sum.OrderID != "" && e.conv.OrderID == "" {
			s.pairOrder(e, sum.OrderID)
		}
		if e.conv.Shop.ID == "" {
			e.conv.Shop = sum.Shop
		}
		if e.conv.Customer.ID == "" {
			e.conv.Customer = sum.Customer
		}
		if sum.LastActivity.After(e.conv.LastActivity) {
			e.conv.LastActivity = sum.LastActivity
			e.conv.LatestMessage = sum.LatestMessage
		}
		if !e.seeded {
			e.seeded = true
			e.seed = max(sum.Unread, 0)
			e.seedAsOf = sum.LastActivity
		}
		s.recount(e)
	}
	s.unreadGen++
}

// PairOrder records the order a conversation belongs to if it is not known yet.
func (s *Store) PairOrder(conversationID, orderID string) {
	e, ok := s.convs[conversationID]
	if !ok || orderID == "" || e.conv.OrderID != "" {
		return
	}
	s.pairOrder(e, orderID)
}

// ListConversations returns every conversation, most recent activity first.
// Equal timestamps are ordered by conversation id.
func (s *Store) ListConversations() []Conversation {
	out := make([]Conversation, 0, len(s.convs))
	for _, e := range s.convs {
		c := e.conv
		c.Unread = e.seed + e.unread
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one conversation with its current unread count.
func (s *Store) Conversation(id string) (Conversation, bool) {
	e, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	c := e.conv
	c.Unread = e.seed + e.unread
	return c, true
}

// ConversationByOrder finds the conversation paired with orderID.
func (s *Store) ConversationByOrder(orderID string) (Conversation, bool) {
	id, ok := s.byOrder[orderID]
	if !ok {
		return Conversation{}, false
	}
	return s.Conversation(id)
}

// Messages returns the held messages of a conversation in chronological order.
func (s *Store) Messages(conversationID string) []Message {
	e, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(e.messages))
	for _, m := range e.messages {
		out = append(out, copyMessage(*m))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadCount is the number of messages in the conversation not sent by the
// current user and not read yet. Unknown conversations have none.
func (s *Store) UnreadCount(conversationID string) int {
	e, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	return e.seed + e.unread
}

// ApplyInboundMessage inserts msg or merges it into the copy already held.
// Applying the same message id twice never counts it twice. It reports whether
// the store changed.
func (s *Store) ApplyInboundMessage(msg Message) bool {
	if msg.ID == "" || msg.ConversationID == "" {
		return false
	}
	e := s.ensure(msg.ConversationID)

	if held, ok := e.messages[msg.ID]; ok {
		// ReadAt only ever goes from nil to set.
		if held.ReadAt != nil || msg.ReadAt == nil {
			return false
		}
		t := *msg.ReadAt
		held.ReadAt = &t
		s.recount(e)
		return true
	}

	m := copyMessage(msg)
	e.messages[m.ID] = &m
	if !m.CreatedAt.Before(e.conv.LastActivity) {
		e.conv.LastActivity = m.CreatedAt
		e.conv.LatestMessage = m.Body
	}
	s.recount(e)
	return true
}

// ApplyReadReceipt marks every message at or before upTo that readerID did not
// author as read. A receipt from the current user clears the covered unread
// messages; one from the counterpart only stamps our outgoing messages.
func (s *Store) ApplyReadReceipt(conversationID, readerID string, upTo time.Time) bool {
	e, ok := s.convs[conversationID]
	if !ok || readerID == "" {
		return false
	}
	changed := false
	for _, m := range e.messages {
		if m.SenderID == readerID || m.ReadAt != nil || m.CreatedAt.After(upTo) {
			continue
		}
		t := upTo
		m.ReadAt = &t
		changed = true
	}
	if readerID == s.selfID && e.seed > 0 && !upTo.Before(e.seedAsOf) {
		e.seed = 0
		changed = true
	}
	if changed {
		s.recount(e)
	}
	return changed
}

// MarkConversationRead zeroes the unread count of a conversation right away and
// returns the timestamp the read receipt should cover. The caller publishes the
// receipt; if that fails nothing here is rolled back. Read state favours a
// responsive badge over strict agreement with the server.
func (s *Store) MarkConversationRead(conversationID string) (time.Time, bool) {
	e, ok := s.convs[conversationID]
	if !ok {
		return time.Time{}, false
	}
	now := s.now()
	upTo := e.conv.LastActivity
	if upTo.IsZero() {
		upTo = now
	}
	for _, m := range e.messages {
		if m.SenderID == s.selfID || m.ReadAt != nil {
			continue
		}
		t := now
		m.ReadAt = &t
	}
	e.seed = 0
	s.recount(e)
	return upTo, true
}

func (s *Store) ensure(id string) *entry {
	if e, ok := s.convs[id]; ok {
		return e
	}
	e := &entry{
		conv:     Conversation{ID: id},
		messages: make(map[string]*Message),
	}
	s.convs[id] = e
	s.unreadGen++
	return e
}

func (s *Store) pairOrder(e *entry, orderID string) {
	e.conv.OrderID = orderID
	s.byOrder[orderID] = e.conv.ID
}

func (s *Store) recount(e *entry) {
	n := 0
	for _, m := range e.messages {
		if m.SenderID == s.selfID || m.ReadAt != nil {
			continue
		}
		if e.seeded && !m.CreatedAt.After(e.seedAsOf) {
			continue
		}
		n++
	}
	e.unread = n
	if total := e.seed + n; total != e.reported {
		e.reported = total
		s.unreadGen++
	}
}

func copyMessage(m Message) Message {
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	return m
}
