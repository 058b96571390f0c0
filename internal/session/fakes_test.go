package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/chat"
	"marketchat/internal/sched"
)

var (
	t0       = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	customer = chat.Participant{ID: "customer-1", Name: "Ann"}
	vendor   = chat.Participant{ID: "vendor-1", Name: "Bakery"}
)

type fakeTransport struct {
	events chan chat.Envelope

	mu         sync.Mutex
	sent       []chat.Envelope
	subscribed []string
	sendErr    error
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan chat.Envelope, 64)}
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, channel)
	return nil
}

func (f *fakeTransport) Unsubscribe(context.Context, string) error { return nil }

func (f *fakeTransport) Events() <-chan chat.Envelope { return f.events }

func (f *fakeTransport) Send(_ context.Context, _ string, env chat.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return f.sendErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// sentTypes lists the types of sent envelopes, skipping presence.
func (f *fakeTransport) sentTypes(conversationID string) []chat.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.EventType
	for _, env := range f.sent {
		if env.Type == chat.EventPresenceChanged || env.ConversationID != conversationID {
			continue
		}
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeTransport) channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBackend struct {
	mu       sync.Mutex
	convs    []chat.Conversation
	sendErr  error
	gate     chan struct{}
	sent     []string
	marked   []string
	sequence int
}

func (b *fakeBackend) FetchConversations(context.Context) ([]chat.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.Conversation(nil), b.convs...), nil
}

func (b *fakeBackend) SendMessage(_ context.Context, conversationID, content string) (chat.Message, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return chat.Message{}, b.sendErr
	}
	b.sequence++
	b.sent = append(b.sent, content)
	return chat.Message{
		ID:             "sent-" + string(rune('a'+b.sequence)),
		ConversationID: conversationID,
		SenderID:       customer.ID,
		Body:           content,
		CreatedAt:      t0.Add(time.Duration(b.sequence) * time.Hour),
	}, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, conversationID string, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, conversationID)
	return errors.New("database unavailable")
}

func (b *fakeBackend) markedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.marked...)
}

type harness struct {
	s   *Session
	tr  *fakeTransport
	be  *fakeBackend
	clk *sched.Manual
}

func start(t *testing.T, convs ...chat.Conversation) *harness {
	t.Helper()
	h := &harness{
		tr:  newFakeTransport(),
		be:  &fakeBackend{convs: convs},
		clk: sched.NewManual(t0),
	}
	h.s = New(customer, h.tr, h.be, Options{Clock: h.clk})
	go h.s.Run(context.Background())
	t.Cleanup(func() { h.s.Close() })

	require.Eventually(t, func() bool {
		got, err := h.s.Conversations()
		return err == nil && len(got) == len(convs)
	}, time.Second, 5*time.Millisecond)
	return h
}

// push delivers an event and waits until the loop has handled it.
func (h *harness) push(t *testing.T, typ chat.EventType, conversationID string, payload any) {
	t.Helper()
	env, err := chat.NewEnvelope(typ, conversationID, payload, h.clk.Now())
	require.NoError(t, err)
	h.pushRaw(t, env)
}

func (h *harness) pushRaw(t *testing.T, env chat.Envelope) {
	t.Helper()
	h.tr.events <- env
	require.Eventually(t, func() bool { return len(h.tr.events) == 0 }, time.Second, time.Millisecond)
	// The loop has taken the event; a round trip through it waits for the
	// handler to finish.
	require.NoError(t, h.s.do(func() {}))
}

func conversation(id, orderID string, unread int, last time.Time) chat.Conversation {
	return chat.Conversation{
		ID:           id,
		OrderID:      orderID,
		Shop:         vendor,
		Customer:     customer,
		LastActivity: last,
		Unread:       unread,
	}
}

func inbound(id, conversationID string, sender chat.Participant, at time.Time) chat.MessagePayload {
	return chat.MessagePayload{Message: chat.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender.ID,
		Body:           "body " + id,
		CreatedAt:      at,
	}}
}
