package chat

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/google/uuid"
)

// Store is the durable side of the router. Implementations must be safe for
// concurrent use.
type Store interface {
	EnsureRoom(ctx context.Context, room Room) error
	UpsertUser(ctx context.Context, user User) error
	TouchUser(ctx context.Context, userID string, at time.Time) error
	DeleteUser(ctx context.Context, userID string) error
	DeleteUserMessages(ctx context.Context, userID string) (int64, error)
	InsertMessage(ctx context.Context, msg Message) error
	// GetMessage returns nil, nil when the message does not exist.
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) error
	// AdvanceStatus moves the listed messages of roomID not written by readerID
	// forward to status, never backward.
	AdvanceStatus(ctx context.Context, roomID, readerID string, ids []string, status Status) (int64, error)
}

// Publisher delivers an event to a set of sessions. It must not block on slow
// consumers.
type Publisher interface {
	Publish(sessionIDs []string, event Event)
}

const (
	lockStripes          = 64
	defaultMaxImageBytes = 5 * 1024 * 1024
)

// Router validates, sequences and fans out every real-time event. All work on
// a room happens while holding that room's stripe of locks, so the member set
// read for a broadcast is the one the mutation produced.
type Router struct {
	registry      *SessionRegistry
	directory     *Directory
	store         Store
	publisher     Publisher
	logger        clog.Logger
	now           func() time.Time
	newID         func() string
	maxImageBytes int
	seq           atomic.Int64
	locks         [lockStripes]sync.Mutex
}

type Option func(*Router)

func WithLogger(logger clog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Router) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func WithMaxImageBytes(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxImageBytes = n
		}
	}
}

func NewRouter(registry *SessionRegistry, directory *Directory, store Store, publisher Publisher, opts ...Option) *Router {
	r := &Router{
		registry:      registry,
		directory:     directory,
		store:         store,
		publisher:     publisher,
		logger:        clog.Discard(),
		now:           time.Now,
		newID:         uuid.NewString,
		maxImageBytes: defaultMaxImageBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Directory() *Directory {
	return r.directory
}

// Session returns the user joined on sessionID, if any.
func (r *Router) Session(sessionID string) (User, bool) {
	return r.registry.Lookup(sessionID)
}

func (r *Router) roomLock(roomID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &r.locks[h.Sum32()%lockStripes]
}

// timestamps are kept at the store's millisecond precision so the echo a
// client receives equals the row it later fetches.
func (r *Router) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

func (r *Router) publish(sessionIDs []string, name string, payload any) {
	if len(sessionIDs) == 0 {
		return
	}
	r.publisher.Publish(sessionIDs, Event{Name: name, Payload: payload})
}

// Join registers sessionID as req.Username in req.RoomID. A session that is
// already in another room, or in this one under another user id, leaves
// first, keeping its history.
func (r *Router) Join(ctx context.Context, sessionID string, req JoinRequest) (User, error) {
	username := strings.TrimSpace(req.Username)
	roomID := strings.TrimSpace(req.RoomID)
	if username == "" || roomID == "" {
		return User{}, invalid("Username and room ID are required")
	}

	userID := strings.TrimSpace(req.UserID)

	// member skips the lock check: the session is already inside roomID.
	// rejoin additionally keeps the identity, so only the entry is refreshed.
	member, rejoin := false, false
	if prev, ok := r.registry.Lookup(sessionID); ok {
		member = prev.RoomID == roomID
		if userID == "" {
			userID = prev.ID
		}
		rejoin = member && prev.ID == userID
		if !rejoin {
			if _, _, err := r.detach(ctx, sessionID, false); err != nil {
				r.logger.Warn("failed to persist departure from previous identity",
					clog.String("session_id", sessionID),
					clog.String("user_id", prev.ID),
					clog.String("room_id", prev.RoomID),
					clog.Error(err))
			}
		}
	}
	if userID == "" {
		userID = r.newID()
	}
	now := r.timestamp()
	user := User{
		ID:         userID,
		Username:   username,
		RoomID:     roomID,
		SessionID:  sessionID,
		JoinedAt:   now,
		LastSeenAt: now,
	}

	lock := r.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	if member {
		user = r.directory.Join(roomID, user)
	} else if !r.directory.JoinUnlessLocked(roomID, user) {
		r.publish([]string{sessionID}, EventRoomLocked, ErrorPayload{Message: clientMessage(ErrRoomLocked)})
		r.logger.Info("join rejected, room locked",
			clog.String("username", username),
			clog.String("room_id", roomID))
		return User{}, ErrRoomLocked
	}
	r.registry.Register(sessionID, user)

	var storeErr error
	if err := r.store.EnsureRoom(ctx, Room{ID: roomID, CreatedBy: username, CreatedAt: now}); err != nil {
		storeErr = err
	} else if err := r.store.UpsertUser(ctx, user); err != nil {
		storeErr = err
	}

	r.publish([]string{sessionID}, EventJoinedRoom, JoinedRoomPayload{
		User:   user,
		RoomID: roomID,
		Locked: r.directory.IsLocked(roomID),
	})
	r.publish(r.directory.SessionIDs(roomID, sessionID), EventUserJoined, UserPayload{User: user})
	r.publish(r.directory.SessionIDs(roomID, ""), EventRoomUsersUpdated, UsersPayload{Users: r.directory.ListUsers(roomID)})

	r.logger.Info("user joined room",
		clog.String("username", username),
		clog.String("user_id", userID),
		clog.String("room_id", roomID))

	if storeErr != nil {
		return user, xerrors.Wrapf(ErrStoreFailure, "save user %s: %v", userID, storeErr)
	}
	return user, nil
}

// Leave is the explicit "leave and forget": the user's durable row and every
// message they wrote are deleted.
func (r *Router) Leave(ctx context.Context, sessionID string) error {
	user, ok, err := r.detach(ctx, sessionID, true)
	if !ok {
		return ErrNoSession
	}
	r.publish([]string{sessionID}, EventLeftRoom, LeftRoomPayload{Success: err == nil})
	if err != nil {
		return err
	}
	r.logger.Info("user left room, data purged",
		clog.String("username", user.Username),
		clog.String("room_id", user.RoomID))
	return nil
}

// Disconnect removes the session without touching its history.
func (r *Router) Disconnect(ctx context.Context, sessionID string) {
	user, ok, err := r.detach(ctx, sessionID, false)
	if !ok {
		return
	}
	if err != nil {
		r.logger.Warn("failed to record last seen",
			clog.String("user_id", user.ID),
			clog.Error(err))
	}
	r.logger.Info("user disconnected",
		clog.String("username", user.Username),
		clog.String("room_id", user.RoomID))
}

func (r *Router) detach(ctx context.Context, sessionID string, purge bool) (User, bool, error) {
	current, ok := r.registry.Lookup(sessionID)
	if !ok {
		return User{}, false, nil
	}
	lock := r.roomLock(current.RoomID)
	lock.Lock()
	defer lock.Unlock()

	user, ok := r.registry.Unregister(sessionID)
	if !ok {
		return User{}, false, nil
	}
	wasTyping := r.directory.isTyping(user.RoomID, user.ID)
	remaining := r.directory.Leave(user.RoomID, sessionID)

	var storeErr error
	if purge {
		if _, err := r.store.DeleteUserMessages(ctx, user.ID); err != nil {
			storeErr = err
		} else if err := r.store.DeleteUser(ctx, user.ID); err != nil {
			storeErr = err
		}
	} else if err := r.store.TouchUser(ctx, user.ID, r.timestamp()); err != nil {
		storeErr = err
	}

	if len(remaining) > 0 {
		targets := sessionIDsOf(remaining)
		if wasTyping && !hasUser(remaining, user.ID) {
			r.publish(targets, EventUserStopped, TypingPayload{UserID: user.ID})
		}
		r.publish(targets, EventUserLeft, UserPayload{User: user})
		r.publish(targets, EventRoomUsersUpdated, UsersPayload{Users: remaining})
	}

	if storeErr != nil {
		return user, true, xerrors.Wrapf(ErrStoreFailure, "remove user %s: %v", user.ID, storeErr)
	}
	return user, true, nil
}

// Send stores a new message and echoes it to every session in the room,
// sender included. It returns ErrNoSession without side effects when the
// connection never joined.
func (r *Router) Send(ctx context.Context, sessionID string, req SendRequest) (*Message, error) {
	user, ok := r.registry.Lookup(sessionID)
	if !ok {
		return nil, ErrNoSession
	}
	text := strings.TrimSpace(req.Text)
	var image imageAttachment
	if strings.TrimSpace(req.ImageData) != "" {
		var err error
		if image, err = parseImage(req, r.maxImageBytes); err != nil {
			return nil, err
		}
	}
	if text == "" && image.data == "" {
		return nil, nil
	}

	lock := r.roomLock(user.RoomID)
	lock.Lock()
	defer lock.Unlock()

	msg := Message{
		ID:        r.newID(),
		Seq:       r.seq.Add(1),
		UserID:    user.ID,
		Username:  user.Username,
		RoomID:    user.RoomID,
		Text:      text,
		CreatedAt: r.timestamp(),
		ReplyTo:   replyRef(req.ReplyTo),
		Status:    StatusSent,
	}
	if image.data != "" {
		msg.IsImage = true
		msg.ImageData = image.data
		msg.FileName = image.fileName
		msg.FileSize = image.size
		msg.FileType = image.mimeType
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return nil, xerrors.Wrapf(ErrStoreFailure, "insert message %s: %v", msg.ID, err)
	}
	if err := r.store.TouchUser(ctx, user.ID, msg.CreatedAt); err != nil {
		r.logger.Warn("failed to refresh last seen", clog.String("user_id", user.ID), clog.Error(err))
	}
	r.publish(r.directory.SessionIDs(user.RoomID, ""), EventNewMessage, MessagePayload{Message: msg})
	return &msg, nil
}

// Edit rewrites the text of one of the sender's own messages, persists it and
// tells the room.
func (r *Router) Edit(ctx context.Context, sessionID string, req EditRequest) error {
	user, ok := r.registry.Lookup(sessionID)
	if !ok {
		return ErrNoSession
	}
	messageID := strings.TrimSpace(req.MessageID)
	newText := strings.TrimSpace(req.NewText)
	if messageID == "" || newText == "" {
		return nil
	}

	lock := r.roomLock(user.RoomID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return xerrors.Wrapf(ErrStoreFailure, "load message %s: %v", messageID, err)
	}
	if msg == nil || msg.RoomID != user.RoomID {
		return ErrNotFound
	}
	if msg.UserID != user.ID {
		return ErrForbidden
	}
	editedAt := r.timestamp()
	if err := r.store.UpdateMessageText(ctx, messageID, newText, editedAt); err != nil {
		return xerrors.Wrapf(ErrStoreFailure, "update message %s: %v", messageID, err)
	}
	r.publish(r.directory.SessionIDs(user.RoomID, ""), EventMessageEdited, MessageEditedPayload{
		MessageID: messageID,
		NewText:   newText,
		Edited:    true,
		EditedAt:  editedAt,
	})
	return nil
}

// Typing flips the sender's typing flag and tells everyone else in the room.
func (r *Router) Typing(ctx context.Context, sessionID string, isTyping bool) error {
	user, ok := r.registry.Lookup(sessionID)
	if !ok {
		return ErrNoSession
	}
	lock := r.roomLock(user.RoomID)
	lock.Lock()
	defer lock.Unlock()

	r.directory.SetTyping(user.RoomID, user.ID, isTyping)
	name := EventUserStopped
	if isTyping {
		name = EventUserTyping
	}
	r.publish(r.directory.SessionIDs(user.RoomID, sessionID), name, TypingPayload{UserID: user.ID})
	return nil
}

// ToggleLock flips the lock of the sender's room.
func (r *Router) ToggleLock(ctx context.Context, sessionID string) (bool, error) {
	user, ok := r.registry.Lookup(sessionID)
	if !ok {
		return false, ErrNoSession
	}
	lock := r.roomLock(user.RoomID)
	lock.Lock()
	defer lock.Unlock()

	locked := r.directory.ToggleLock(user.RoomID)
	r.publish(r.directory.SessionIDs(user.RoomID, ""), EventRoomLockChanged, LockChangedPayload{
		RoomID: user.RoomID,
		Locked: locked,
	})
	r.logger.Info("room lock changed",
		clog.String("room_id", user.RoomID),
		clog.String("by", user.Username),
		clog.Any("locked", locked))
	return locked, nil
}

// Receipt records that the sender has received or read the listed messages.
// Only messages of the sender's room written by someone else take part. The
// receipt is broadcast even when the status update cannot be stored.
func (r *Router) Receipt(ctx context.Context, sessionID string, req ReceiptRequest) error {
	user, ok := r.registry.Lookup(sessionID)
	if !ok {
		return ErrNoSession
	}
	if req.Kind != StatusDelivered && req.Kind != StatusRead {
		return invalid("Receipt kind must be delivered or read")
	}
	ids := uniqueIDs(req.MessageIDs)
	if len(ids) == 0 {
		return nil
	}

	lock := r.roomLock(user.RoomID)
	lock.Lock()
	defer lock.Unlock()

	eligible, storeErr := r.receiptTargets(ctx, user, ids)
	if len(eligible) == 0 {
		if storeErr != nil {
			return xerrors.Wrapf(ErrStoreFailure, "load messages: %v", storeErr)
		}
		return nil
	}
	if _, err := r.store.AdvanceStatus(ctx, user.RoomID, user.ID, eligible, req.Kind); err != nil {
		storeErr = err
	}
	if err := r.store.TouchUser(ctx, user.ID, r.timestamp()); err != nil {
		r.logger.Warn("failed to refresh last seen", clog.String("user_id", user.ID), clog.Error(err))
	}
	r.publish(r.directory.SessionIDs(user.RoomID, ""), EventMessageReceipt, ReceiptPayload{
		MessageIDs: eligible,
		Status:     req.Kind,
		UserID:     user.ID,
	})
	if storeErr != nil {
		return xerrors.Wrapf(ErrStoreFailure, "advance status: %v", storeErr)
	}
	return nil
}

// receiptTargets keeps the ids a receipt from reader may touch. Ids that
// cannot be loaded are dropped and the first load error is returned.
func (r *Router) receiptTargets(ctx context.Context, reader User, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	var firstErr error
	for _, id := range ids {
		msg, err := r.store.GetMessage(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if msg == nil || msg.RoomID != reader.RoomID || msg.UserID == reader.ID {
			continue
		}
		out = append(out, id)
	}
	return out, firstErr
}

func replyRef(ref *MessageRef) *MessageRef {
	if ref == nil || strings.TrimSpace(ref.ID) == "" {
		return nil
	}
	out := *ref
	out.ID = strings.TrimSpace(out.ID)
	return &out
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sessionIDsOf(users []User) []string {
	ids := make([]string, 0, len(users))
	for _, user := range users {
		ids = append(ids, user.SessionID)
	}
	return ids
}
