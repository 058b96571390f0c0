// Package typing tracks who is typing in which conversation.
package typing

import (
	"sort"
	"time"

	"marketchat/internal/chat"
	"marketchat/internal/sched"
)

// DefaultWindow is how long a typing signal stays live without a refresh.
const DefaultWindow = 2000 * time.Millisecond

type key struct {
	conversationID string
	userID         string
}

type signal struct {
	user     chat.Participant
	lastSeen time.Time
	timer    sched.Timer
	gen      uint64
}

// Tracker holds one idle/typing state per (conversation, user). A missing entry
// is idle. Like the store it is driven from a single goroutine.
type Tracker struct {
	selfID   string
	window   time.Duration
	clock    sched.Clock
	onChange func(conversationID string)

	signals map[key]*signal
	gen     uint64
}

// NewTracker returns a tracker that ignores signals from selfID. A zero window
// means DefaultWindow.
func NewTracker(selfID string, window time.Duration, clock sched.Clock) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		selfID:  selfID,
		window:  window,
		clock:   clock,
		signals: make(map[key]*signal),
	}
}

// OnChange registers fn to be called when a conversation's typing set changes
// because a signal expired.
func (t *Tracker) OnChange(fn func(conversationID string)) {
	t.onChange = fn
}

// Start moves the user to typing, or refreshes the expiry if already typing.
func (t *Tracker) Start(conversationID string, user chat.Participant) {
	if conversationID == "" || user.ID == "" || user.ID == t.selfID {
		return
	}
	k := key{conversationID, user.ID}
	s, ok := t.signals[k]
	if !ok {
		s = &signal{}
		t.signals[k] = s
	} else if s.timer != nil {
		s.timer.Stop()
	}
	if user.Name != "" || s.user.ID == "" {
		s.user = user
	}
	s.lastSeen = t.clock.Now()

	t.gen++
	gen := t.gen
	s.gen = gen
	s.timer = t.clock.AfterFunc(t.window, func() { t.expire(k, gen) })
}

// Stop moves the user back to idle. Stopping an idle user does nothing.
func (t *Tracker) Stop(conversationID, userID string) {
	k := key{conversationID, userID}
	s, ok := t.signals[k]
	if !ok {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(t.signals, k)
}

func (t *Tracker) expire(k key, gen uint64) {
	s, ok := t.signals[k]
	if !ok || s.gen != gen {
		return
	}
	delete(t.signals, k)
	if t.onChange != nil {
		t.onChange(k.conversationID)
	}
}

func (t *Tracker) live(s *signal, now time.Time) bool {
	return now.Sub(s.lastSeen) < t.window
}

// IsTyping reports whether userID is currently typing in the conversation.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	s, ok := t.signals[key{conversationID, userID}]
	return ok && t.live(s, t.clock.Now())
}

// TypingUsers lists the users typing in a conversation, ordered by id. The
// local user is never included.
func (t *Tracker) TypingUsers(conversationID string) []chat.Participant {
	now := t.clock.Now()
	var out []chat.Participant
	for k, s := range t.signals {
		if k.conversationID != conversationID || k.userID == t.selfID || !t.live(s, now) {
			continue
		}
		out = append(out, s.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Release drops every signal of a conversation and stops its timers.
func (t *Tracker) Release(conversationID string) {
	for k, s := range t.signals {
		if k.conversationID != conversationID {
			continue
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.signals, k)
	}
}

// Close stops every pending timer.
func (t *Tracker) Close() {
	for k, s := range t.signals {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.signals, k)
	}
}
