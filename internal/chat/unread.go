package chat

// UnreadCounter derives the total unread badge from a Store. It keeps no state
// of its own beyond the last computed total and the store generation it was
// computed at.
type UnreadCounter struct {
	store *Store
	gen   uint64
	total int
	valid bool
}

func NewUnreadCounter(store *Store) *UnreadCounter {
	return &UnreadCounter{store: store}
}

// Total is the sum of UnreadCount over every listed conversation.
func (u *UnreadCounter) Total() int {
	if gen := u.store.UnreadGeneration(); !u.valid || gen != u.gen {
		u.total = u.recompute()
		u.gen = gen
		u.valid = true
	}
	return u.total
}

func (u *UnreadCounter) recompute() int {
	sum := 0
	for _, c := range u.store.ListConversations() {
		sum += c.Unread
	}
	return sum
}
