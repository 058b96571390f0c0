package chat

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	self = "customer-1"
	shop = "shop-1"
)

var t0 = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0.Add(time.Hour) }

func msg(id, conv, sender string, at time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Body:           "body " + id,
		CreatedAt:      t0.Add(at),
	}
}

func TestApplyInboundMessageCountsOnlyCounterpart(t *testing.T) {
	s := NewStore(self, fixedNow)

	assert.True(t, s.ApplyInboundMessage(msg("m1", "c1", shop, time.Minute)))
	assert.True(t, s.ApplyInboundMessage(msg("m2", "c1", self, 2*time.Minute)))
	assert.True(t, s.ApplyInboundMessage(msg("m3", "c1", shop, 3*time.Minute)))

	assert.Equal(t, 2, s.UnreadCount("c1"))
	c, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "body m3", c.LatestMessage)
	assert.Equal(t, t0.Add(3*time.Minute), c.LastActivity)
}

func TestOwnMessagesNeverUnread(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	s := NewStore(self, fixedNow)

	for i := 0; i < 500; i++ {
		sender := self
		if r.Intn(3) == 0 {
			sender = shop
		}
		conv := fmt.Sprintf("c%d", r.Intn(4))
		id := fmt.Sprintf("m%d", r.Intn(200))
		s.ApplyInboundMessage(msg(id, conv, sender, time.Duration(r.Intn(1000))*time.Second))

		for _, c := range s.ListConversations() {
			counted := 0
			for _, m := range s.Messages(c.ID) {
				if m.SenderID != self && m.ReadAt == nil {
					counted++
				}
			}
			require.Equal(t, counted, s.UnreadCount(c.ID), "conversation %s after step %d", c.ID, i)
		}
	}
}

func TestApplyInboundMessageIdempotent(t *testing.T) {
	s := NewStore(self, fixedNow)
	m := msg("m1", "c1", shop, time.Minute)

	assert.True(t, s.ApplyInboundMessage(m))
	gen := s.UnreadGeneration()
	assert.False(t, s.ApplyInboundMessage(m))

	assert.Equal(t, 1, s.UnreadCount("c1"))
	assert.Equal(t, gen, s.UnreadGeneration())
	assert.Len(t, s.Messages("c1"), 1)
}

func TestDuplicateNeverClearsReadAt(t *testing.T) {
	s := NewStore(self, fixedNow)
	read := t0.Add(5 * time.Minute)
	m := msg("m1", "c1", shop, time.Minute)
	m.ReadAt = &read
	s.ApplyInboundMessage(m)

	m.ReadAt = nil
	assert.False(t, s.ApplyInboundMessage(m))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ReadAt)
	assert.Equal(t, read, *got[0].ReadAt)
	assert.Equal(t, 0, s.UnreadCount("c1"))
}

func TestOutOfOrderMessageKeepsLatestPreview(t *testing.T) {
	s := NewStore(self, fixedNow)
	s.ApplyInboundMessage(msg("late", "c1", shop, 10*time.Minute))
	s.ApplyInboundMessage(msg("early", "c1", shop, time.Minute))

	c, _ := s.Conversation("c1")
	assert.Equal(t, "body late", c.LatestMessage)
	assert.Equal(t, t0.Add(10*time.Minute), c.LastActivity)
	assert.Equal(t, 2, c.Unread)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[0].ID)
}

func TestListConversationsOrdering(t *testing.T) {
	s := NewStore(self, fixedNow)
	s.ApplyInboundMessage(msg("m1", "b", shop, time.Minute))
	s.ApplyInboundMessage(msg("m2", "a", shop, time.Minute))
	s.ApplyInboundMessage(msg("m3", "c", shop, 2*time.Minute))

	var ids []string
	for _, c := range s.ListConversations() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestApplyReadReceiptFromSelf(t *testing.T) {
	s := NewStore(self, fixedNow)
	s.ApplyInboundMessage(msg("m1", "c1", shop, time.Minute))
	s.ApplyInboundMessage(msg("m2", "c1", shop, 2*time.Minute))
	s.ApplyInboundMessage(msg("m3", "c1", shop, 3*time.Minute))

	assert.True(t, s.ApplyReadReceipt("c1", self, t0.Add(2*time.Minute)))
	assert.Equal(t, 1, s.UnreadCount("c1"))

	// Same receipt again changes nothing.
	assert.False(t, s.ApplyReadReceipt("c1", self, t0.Add(2*time.Minute)))
	assert.Equal(t, 1, s.UnreadCount("c1"))
}

func TestApplyReadReceiptFromCounterpartStampsOwnMessages(t *testing.T) {
	s := NewStore(self, fixedNow)
	s.ApplyInboundMessage(msg("mine", "c1", self, time.Minute))
	s.ApplyInboundMessage(msg("theirs", "c1", shop, 2*time.Minute))

	assert.True(t, s.ApplyReadReceipt("c1", shop, t0.Add(5*time.Minute)))
	assert.Equal(t, 1, s.UnreadCount("c1"))

	for _, m := range s.Messages("c1") {
		if m.ID == "mine" {
			require.NotNil(t, m.ReadAt)
		} else {
			assert.Nil(t, m.ReadAt)
		}
	}
}

func TestApplyReadReceiptUnknownConversation(t *testing.T) {
	s := NewStore(self, fixedNow)
	assert.False(t, s.ApplyReadReceipt("nope", self, t0))
	assert.Equal(t, 0, s.Len())
}

func TestMarkConversationReadIsImmediate(t *testing.T) {
	s := NewStore(self, fixedNow)
	for i := 1; i <= 3; i++ {
		s.ApplyInboundMessage(msg(fmt.Sprintf("m%d", i), "c1", shop, time.Duration(i)*time.Minute))
	}
	require.Equal(t, 3, s.UnreadCount("c1"))

	upTo, ok := s.MarkConversationRead("c1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Minute), upTo)
	assert.Equal(t, 0, s.UnreadCount("c1"))

	for _, m := range s.Messages("c1") {
		require.NotNil(t, m.ReadAt)
		assert.Equal(t, fixedNow(), *m.ReadAt)
	}
}

func TestMarkConversationReadUnknown(t *testing.T) {
	s := NewStore(self, fixedNow)
	_, ok := s.MarkConversationRead("missing")
	assert.False(t, ok)
}

func TestLoadSeedsUnreadFromSummary(t *testing.T) {
	s := NewStore(self, fixedNow)
	s.Load([]Conversation{{
		ID:            "c1",
		OrderID:       "o1",
		Shop:          Participant{ID: shop, Name: "Bakery"},
		Customer:      Participant{ID: self, Name: "Ann"},
		LatestMessage: "see you",
		LastActivity:  t0.Add(10 * time.Minute),
		Unread:        4,
	}})

	assert.Equal(t, 4, s.UnreadCount("c1"))
	c, ok := s.ConversationByOrder("o1")
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "Bakery", c.Counterpart(self).Name)

	// A replay of history already inside the summary is not counted again.
	s.ApplyInboundMessage(msg("old", "c1", shop, 5*time.Minute))
	assert.Equal(t, 4, s.UnreadCount("c1"))

	s.ApplyInboundMessage(msg("new", "c1", shop, 11*time.Minute))
	assert.Equal(t, 5, s.UnreadCount("c1"))

	s.ApplyReadReceipt("c1", self, t0.Add(10*time.Minute))
	assert.Equal(t, 1, s.UnreadCount("c1"))
}

func TestLoadAfterEventsMergesSummary(t *testing.T) {
	s := NewStore(self, fixedNow)
	s.ApplyInboundMessage(msg("m1", "c1", shop, 20*time.Minute))

	s.Load([]Conversation{{ID: "c1", OrderID: "o1", LastActivity: t0.Add(10 * time.Minute), LatestMessage: "older", Unread: 2}})

	c, _ := s.Conversation("c1")
	assert.Equal(t, "o1", c.OrderID)
	assert.Equal(t, "body m1", c.LatestMessage)
	assert.Equal(t, 3, c.Unread)
}

func TestPairOrderOnlyOnce(t *testing.T) {
	s := NewStore(self, fixedNow)
	s.ApplyInboundMessage(msg("m1", "c1", shop, time.Minute))
	s.PairOrder("c1", "o1")
	s.PairOrder("c1", "o2")

	c, ok := s.ConversationByOrder("o1")
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)
	_, ok = s.ConversationByOrder("o2")
	assert.False(t, ok)
}

func TestApplyInboundMessageRejectsIncomplete(t *testing.T) {
	s := NewStore(self, fixedNow)
	assert.False(t, s.ApplyInboundMessage(Message{ID: "m1"}))
	assert.False(t, s.ApplyInboundMessage(Message{ConversationID: "c1"}))
	assert.Equal(t, 0, s.Len())
}
