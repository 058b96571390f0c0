// Package composer holds the draft of one conversation and turns keystrokes
// into typing signals and send requests.
package composer

import (
	"errors"
	"strings"
	"time"

	"marketchat/internal/sched"
)

// DefaultIdle is how long after the last edit typing-stopped is emitted.
const DefaultIdle = 2000 * time.Millisecond

var (
	ErrEmptyDraft   = errors.New("message is empty")
	ErrSendInFlight = errors.New("a message is already being sent")
)

// KeyEvent is a key press in the message input.
type KeyEvent struct {
	Key   string `json:"key"`
	Shift bool   `json:"shift"`
	Ctrl  bool   `json:"ctrl"`
	Alt   bool   `json:"alt"`
	Meta  bool   `json:"meta"`
}

func (k KeyEvent) modified() bool {
	return k.Shift || k.Ctrl || k.Alt || k.Meta
}

// Composer is not safe for concurrent use.
type Composer struct {
	conversationID string
	clock          sched.Clock
	idle           time.Duration
	emit           func(typing bool)

	draft       string
	outstanding bool
	timer       sched.Timer
	gen         uint64

	inFlight bool
	sending  string
	lastErr  error
}

// New returns a composer for conversationID. emit is called with true when a
// typing-started signal should go out and false for typing-stopped.
func New(conversationID string, clock sched.Clock, idle time.Duration, emit func(typing bool)) *Composer {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if emit == nil {
		emit = func(bool) {}
	}
	return &Composer{conversationID: conversationID, clock: clock, idle: idle, emit: emit}
}

func (c *Composer) ConversationID() string { return c.conversationID }
func (c *Composer) Draft() string          { return c.draft }
func (c *Composer) InFlight() bool         { return c.inFlight }
func (c *Composer) Outstanding() bool      { return c.outstanding }

// LastError is the error of the most recent failed send, cleared by the next
// successful one.
func (c *Composer) LastError() error { return c.lastErr }

// SetDraft replaces the draft text. A non-empty draft sends typing-started if
// none is outstanding; every edit pushes the idle deadline back.
func (c *Composer) SetDraft(text string) {
	c.draft = text
	if text != "" && !c.outstanding {
		c.outstanding = true
		c.emit(true)
	}
	if c.outstanding {
		c.arm()
	}
}

func (c *Composer) arm() {
	c.stopTimer()
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.idle, func() { c.idleFired(gen) })
}

func (c *Composer) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Composer) idleFired(gen uint64) {
	if gen != c.gen || !c.outstanding {
		return
	}
	c.timer = nil
	c.stopTyping()
}

func (c *Composer) stopTyping() {
	c.outstanding = false
	c.stopTimer()
	c.gen++
	c.emit(false)
}

// HandleKey applies a key press and reports whether it asks for a send.
// Enter alone sends; Enter with any modifier inserts a newline.
func (c *Composer) HandleKey(k KeyEvent) bool {
	if k.Key != "Enter" {
		return false
	}
	if k.modified() {
		c.SetDraft(c.draft + "\n")
		return false
	}
	return true
}

// BeginSend takes the draft for sending. Typing-stopped goes out first if a
// typing-started is outstanding.
func (c *Composer) BeginSend() (string, error) {
	if c.inFlight {
		return "", ErrSendInFlight
	}
	if strings.TrimSpace(c.draft) == "" {
		return "", ErrEmptyDraft
	}
	if c.outstanding {
		c.stopTyping()
	}
	c.inFlight = true
	c.sending = c.draft
	return c.draft, nil
}

// FinishSend records the outcome of the send started by BeginSend. On success
// the draft is cleared unless it was edited meanwhile; on failure it is kept.
func (c *Composer) FinishSend(err error) {
	if !c.inFlight {
		return
	}
	c.inFlight = false
	if err != nil {
		c.lastErr = err
		c.sending = ""
		return
	}
	c.lastErr = nil
	if c.draft == c.sending {
		c.draft = ""
	}
	c.sending = ""
}

// Close cancels the idle timer without emitting anything.
func (c *Composer) Close() {
	c.stopTimer()
	c.gen++
	c.outstanding = false
}
