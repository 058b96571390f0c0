// Package window keeps the state of the floating chat windows: which order
// chats are open, where they sit and whether they are minimized.
package window

import (
	"errors"
	"sort"

	"marketchat/internal/chat"
)

var ErrChatUnavailable = errors.New("chat is unavailable while disconnected")

const (
	DefaultOrigin  = 24
	DefaultStagger = 50
)

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Window is one open order chat.
type Window struct {
	OrderID        string             `json:"order_id"`
	ConversationID string             `json:"conversation_id"`
	Order          chat.OrderSnapshot `json:"order"`
	Minimized      bool               `json:"minimized"`
	Position       Position           `json:"position"`

	slot   int
	opened uint64
}

// Layout places new windows at Origin + slot*Stagger on both axes.
type Layout struct {
	Origin  Position
	Stagger int
}

func DefaultLayout() Layout {
	return Layout{Origin: Position{X: DefaultOrigin, Y: DefaultOrigin}, Stagger: DefaultStagger}
}

// Coordinator is the window registry. At most one window exists per order id.
type Coordinator struct {
	layout   Layout
	windows  map[string]*Window
	seq      uint64
	listOpen bool
	status   chat.ConnectionStatus
}

func NewCoordinator(layout Layout) *Coordinator {
	return &Coordinator{
		layout:  layout,
		windows: make(map[string]*Window),
		status:  chat.StatusConnecting,
	}
}

// SetConnectionStatus records the transport health that gates Open.
func (c *Coordinator) SetConnectionStatus(s chat.ConnectionStatus) {
	c.status = s
}

func (c *Coordinator) ConnectionStatus() chat.ConnectionStatus {
	return c.status
}

func (c *Coordinator) CanOpen() bool {
	return c.status.CanInitiateChat()
}

// Open shows the chat for an order. An existing window is maximized in place;
// a new one is staggered past every open window. Either way the conversation list
// overlay is hidden.
func (c *Coordinator) Open(conversationID string, order chat.OrderSnapshot) (Window, error) {
	if !c.CanOpen() {
		return Window{}, ErrChatUnavailable
	}
	c.listOpen = false

	if w, ok := c.windows[order.ID]; ok {
		w.Minimized = false
		if conversationID != "" {
			w.ConversationID = conversationID
		}
		w.Order = order
		return *w, nil
	}

	slot := c.nextSlot()
	offset := slot * c.layout.Stagger
	c.seq++
	w := &Window{
		OrderID:        order.ID,
		ConversationID: conversationID,
		Order:          order,
		Position:       Position{X: c.layout.Origin.X + offset, Y: c.layout.Origin.Y + offset},
		slot:           slot,
		opened:         c.seq,
	}
	c.windows[order.ID] = w
	return *w, nil
}

// nextSlot is one past the highest slot in use, so a new window always lands
// further along the stagger than every open one. It restarts at 0 once all
// windows are closed.
func (c *Coordinator) nextSlot() int {
	slot := 0
	for _, w := range c.windows {
		if w.slot >= slot {
			slot = w.slot + 1
		}
	}
	return slot
}

func (c *Coordinator) Close(orderID string) {
	delete(c.windows, orderID)
}

func (c *Coordinator) Minimize(orderID string) {
	if w, ok := c.windows[orderID]; ok {
		w.Minimized = true
	}
}

func (c *Coordinator) Maximize(orderID string) {
	if w, ok := c.windows[orderID]; ok {
		w.Minimized = false
	}
}

func (c *Coordinator) ShowConversationList() {
	c.listOpen = true
}

func (c *Coordinator) HideConversationList() {
	c.listOpen = false
}

func (c *Coordinator) ConversationListOpen() bool {
	return c.listOpen
}

// Window returns a copy of the window for orderID.
func (c *Coordinator) Window(orderID string) (Window, bool) {
	w, ok := c.windows[orderID]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Windows returns copies of every open window in the order they were opened.
func (c *Coordinator) Windows() []Window {
	out := make([]Window, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].opened < out[j].opened })
	return out
}

// ByConversation finds the window showing a conversation.
func (c *Coordinator) ByConversation(conversationID string) (Window, bool) {
	for _, w := range c.windows {
		if w.ConversationID == conversationID {
			return *w, true
		}
	}
	return Window{}, false
}
