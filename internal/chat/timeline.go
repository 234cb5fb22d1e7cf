package chat

import (
	"sort"
	"time"
)

// Timeline is the client-side view of a room's messages. It tolerates
// duplicate and out-of-order delivery: messages are keyed by id and kept
// sorted by creation time and sequence number. Not safe for concurrent use.
type Timeline struct {
	messages []Message
	index    map[string]int
}

func NewTimeline() *Timeline {
	return &Timeline{index: make(map[string]int)}
}

// Add inserts msg unless a message with the same id is already present, in
// which case only the receipt status is merged. It reports whether msg was new.
func (t *Timeline) Add(msg Message) bool {
	if i, ok := t.index[msg.ID]; ok {
		t.messages[i].Status = t.messages[i].Status.Advance(msg.Status)
		return false
	}
	pos := sort.Search(len(t.messages), func(i int) bool {
		return msg.Before(t.messages[i])
	})
	t.messages = append(t.messages, Message{})
	copy(t.messages[pos+1:], t.messages[pos:])
	t.messages[pos] = msg
	t.reindex(pos)
	return true
}

// Merge adds a batch, typically a history page fetched over HTTP.
func (t *Timeline) Merge(msgs []Message) int {
	added := 0
	for _, msg := range msgs {
		if t.Add(msg) {
			added++
		}
	}
	return added
}

// ApplyEdit updates the text of a known message.
func (t *Timeline) ApplyEdit(id, text string, editedAt time.Time) bool {
	i, ok := t.index[id]
	if !ok {
		return false
	}
	t.messages[i].Text = text
	t.messages[i].Edited = true
	at := editedAt
	t.messages[i].EditedAt = &at
	return true
}

// ApplyReceipt advances the status of the listed messages. A Delivered
// receipt arriving after Read leaves the message Read.
func (t *Timeline) ApplyReceipt(ids []string, status Status) int {
	changed := 0
	for _, id := range ids {
		i, ok := t.index[id]
		if !ok {
			continue
		}
		next := t.messages[i].Status.Advance(status)
		if next != t.messages[i].Status {
			t.messages[i].Status = next
			changed++
		}
	}
	return changed
}

// RemoveUser drops every message written by userID, mirroring a purge.
func (t *Timeline) RemoveUser(userID string) {
	kept := t.messages[:0]
	for _, msg := range t.messages {
		if msg.UserID != userID {
			kept = append(kept, msg)
		}
	}
	t.messages = kept
	t.index = make(map[string]int, len(kept))
	t.reindex(0)
}

func (t *Timeline) Get(id string) (Message, bool) {
	i, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return t.messages[i], true
}

// Messages returns a copy in display order.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Timeline) Len() int {
	return len(t.messages)
}

// LastBy returns the newest message written by userID.
func (t *Timeline) LastBy(userID string) (Message, bool) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].UserID == userID {
			return t.messages[i], true
		}
	}
	return Message{}, false
}

// LastNotBy returns the newest message written by anyone but userID.
func (t *Timeline) LastNotBy(userID string) (Message, bool) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].UserID != userID {
			return t.messages[i], true
		}
	}
	return Message{}, false
}

// Unread returns the ids of messages from others that are not yet Read.
func (t *Timeline) Unread(userID string) []string {
	var ids []string
	for _, msg := range t.messages {
		if msg.UserID != userID && msg.Status < StatusRead {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

func (t *Timeline) reindex(from int) {
	for i := from; i < len(t.messages); i++ {
		t.index[t.messages[i].ID] = i
	}
}
