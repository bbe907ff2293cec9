package chat

import "sync"

// History keeps the most recent messages of each room so a client that
// enters late can catch up.
type History struct {
	mu    sync.RWMutex
	size  int
	rooms map[string][]*Message
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 50
	}
	return &History{size: size, rooms: map[string][]*Message{}}
}

func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.rooms[msg.RoomID], &msg)
	if len(list) > h.size {
		list = append([]*Message(nil), list[len(list)-h.size:]...)
	}
	h.rooms[msg.RoomID] = list
}

// Recent returns copies of the room's messages, oldest first.
func (h *History) Recent(room string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.rooms[room]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		cp := *m
		cp.Reactions = append([]Reaction{}, m.Reactions...)
		out = append(out, cp)
	}
	return out
}

// React attaches r to its message. known is false when the message is not
// in this instance's history; added is false when it is unknown or the user
// already reacted with the same emoji.
func (h *History) React(r Reaction) (known, added bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.rooms[r.RoomID] {
		if m.ID != r.MessageID {
			continue
		}
		for _, prev := range m.Reactions {
			if prev.UserID == r.UserID && prev.Emoji == r.Emoji {
				return true, false
			}
		}
		m.Reactions = append(m.Reactions, r)
		return true, true
	}
	return false, false
}
