package chat

import (
	"sort"
	"sync"
)

// roomEntry is the volatile state of one room. It exists only while at least
// one session is inside, or after a lock toggle on an empty room.
type roomEntry struct {
	members []User
	locked  bool
	typing  map[string]struct{}
}

func newRoomEntry() *roomEntry {
	return &roomEntry{typing: make(map[string]struct{})}
}

func (e *roomEntry) indexOf(sessionID string) int {
	for i, member := range e.members {
		if member.SessionID == sessionID {
			return i
		}
	}
	return -1
}

// Directory keeps track of rooms by id and creates or removes their entries as
// sessions come and go.
type Directory struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]*roomEntry)}
}

// Join appends user to the room's member list. A user whose session is already
// listed replaces the old entry in place and keeps its JoinedAt, so the list
// stays ordered by join time. The stored entry is returned.
func (d *Directory) Join(roomID string, user User) User {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joinLocked(roomID, user)
}

// JoinUnlessLocked performs the lock check and the join as one step.
func (d *Directory) JoinUnlessLocked(roomID string, user User) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.rooms[roomID]; ok && entry.locked {
		return false
	}
	d.joinLocked(roomID, user)
	return true
}

func (d *Directory) joinLocked(roomID string, user User) User {
	entry, ok := d.rooms[roomID]
	if !ok {
		entry = newRoomEntry()
		d.rooms[roomID] = entry
	}
	user.RoomID = roomID
	if idx := entry.indexOf(user.SessionID); idx >= 0 {
		user.JoinedAt = entry.members[idx].JoinedAt
		entry.members[idx] = user
		return user
	}
	entry.members = append(entry.members, user)
	return user
}

// Leave removes the member with the given session id and returns who is left.
// An emptied room is dropped along with its lock and typing state.
func (d *Directory) Leave(roomID, sessionID string) []User {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	if idx := entry.indexOf(sessionID); idx >= 0 {
		gone := entry.members[idx]
		entry.members = append(entry.members[:idx], entry.members[idx+1:]...)
		if !hasUser(entry.members, gone.ID) {
			delete(entry.typing, gone.ID)
		}
	}
	if len(entry.members) == 0 {
		delete(d.rooms, roomID)
		return nil
	}
	return copyUsers(entry.members)
}

// ListUsers returns a snapshot ordered by join time. The same user id may
// appear more than once when it is connected from several sessions.
func (d *Directory) ListUsers(roomID string) []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return copyUsers(entry.members)
}

// SessionIDs returns the session ids in the room, leaving out except when it
// is non-empty.
func (d *Directory) SessionIDs(roomID, except string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(entry.members))
	for _, member := range entry.members {
		if except != "" && member.SessionID == except {
			continue
		}
		ids = append(ids, member.SessionID)
	}
	return ids
}

// ToggleLock flips the room's lock flag, creating an unlocked entry first if
// the room has none.
func (d *Directory) ToggleLock(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.rooms[roomID]
	if !ok {
		entry = newRoomEntry()
		d.rooms[roomID] = entry
	}
	entry.locked = !entry.locked
	return entry.locked
}

func (d *Directory) IsLocked(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.rooms[roomID]
	return ok && entry.locked
}

// Exists reports whether the room currently has a volatile entry.
func (d *Directory) Exists(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID]
	return ok
}

func (d *Directory) RoomCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// SetTyping records or clears userID in the room's typing set. Rooms without
// an entry are ignored.
func (d *Directory) SetTyping(roomID, userID string, isTyping bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.rooms[roomID]
	if !ok {
		return
	}
	if isTyping {
		entry.typing[userID] = struct{}{}
		return
	}
	delete(entry.typing, userID)
}

// TypingUsers returns the sorted ids of users currently typing in the room.
func (d *Directory) TypingUsers(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(entry.typing))
	for id := range entry.typing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Directory) isTyping(roomID, userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, typing := entry.typing[userID]
	return typing
}

func hasUser(users []User, userID string) bool {
	for _, user := range users {
		if user.ID == userID {
			return true
		}
	}
	return false
}

func copyUsers(users []User) []User {
	out := make([]User, len(users))
	copy(out, users)
	return out
}
