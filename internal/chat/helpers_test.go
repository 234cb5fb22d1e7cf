package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// memoryStore is an in-memory Store with switchable failures.
type memoryStore struct {
	mu       sync.Mutex
	users    map[string]User
	rooms    map[string]Room
	messages map[string]Message
	failAll  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:    make(map[string]User),
		rooms:    make(map[string]Room),
		messages: make(map[string]Message),
	}
}

func (s *memoryStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

func (s *memoryStore) EnsureRoom(ctx context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errBoom
	}
	if _, ok := s.rooms[room.ID]; !ok {
		s.rooms[room.ID] = room
	}
	return nil
}

func (s *memoryStore) UpsertUser(ctx context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errBoom
	}
	s.users[user.ID] = user
	return nil
}

func (s *memoryStore) TouchUser(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errBoom
	}
	if user, ok := s.users[userID]; ok {
		user.LastSeenAt = at
		s.users[userID] = user
	}
	return nil
}

func (s *memoryStore) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errBoom
	}
	delete(s.users, userID)
	return nil
}

func (s *memoryStore) DeleteUserMessages(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, errBoom
	}
	var n int64
	for id, msg := range s.messages {
		if msg.UserID == userID {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) InsertMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errBoom
	}
	if _, dup := s.messages[msg.ID]; dup {
		return fmt.Errorf("duplicate message %s", msg.ID)
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *memoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errBoom
	}
	msg, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (s *memoryStore) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errBoom
	}
	msg, ok := s.messages[id]
	if !ok {
		return errBoom
	}
	msg.Text = text
	msg.Edited = true
	msg.EditedAt = &editedAt
	s.messages[id] = msg
	return nil
}

func (s *memoryStore) AdvanceStatus(ctx context.Context, roomID, readerID string, ids []string, status Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, errBoom
	}
	var n int64
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok || msg.RoomID != roomID || msg.UserID == readerID || msg.Status >= status {
			continue
		}
		msg.Status = status
		s.messages[id] = msg
		n++
	}
	return n, nil
}

func (s *memoryStore) message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	return msg, ok
}

func (s *memoryStore) user(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	return user, ok
}

func (s *memoryStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type delivery struct {
	name    string
	payload any
}

// recorder is a Publisher that keeps every event per session in order.
type recorder struct {
	mu     sync.Mutex
	events map[string][]delivery
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]delivery)}
}

func (r *recorder) Publish(sessionIDs []string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sessionIDs {
		r.events[id] = append(r.events[id], delivery{name: event.Name, payload: event.Payload})
	}
}

func (r *recorder) names(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events[sessionID]))
	for _, d := range r.events[sessionID] {
		names = append(names, d.name)
	}
	return names
}

// last returns the newest event with the given name delivered to sessionID.
func (r *recorder) last(sessionID, name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events[sessionID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].name == name {
			return events[i].payload, true
		}
	}
	return nil, false
}

func (r *recorder) count(sessionID, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.events[sessionID] {
		if d.name == name {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = make(map[string][]delivery)
}

type fixture struct {
	router *Router
	store  *memoryStore
	pub    *recorder
	clock  *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemoryStore()
	pub := newRecorder()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	ids := 0
	var idMu sync.Mutex
	router := NewRouter(NewSessionRegistry(), NewDirectory(), store, pub,
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("id-%d", ids)
		}))
	return &fixture{router: router, store: store, pub: pub, clock: clock}
}

func (f *fixture) join(t *testing.T, sessionID, username, userID, roomID string) User {
	t.Helper()
	user, err := f.router.Join(context.Background(), sessionID, JoinRequest{Username: username, RoomID: roomID, UserID: userID})
	if err != nil {
		t.Fatalf("join %s: %v", username, err)
	}
	return user
}
