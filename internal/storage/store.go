package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ceyewan/genesis/xerrors"
	_ "modernc.org/sqlite"

	"roomchat/internal/chat"
)

const (
	defaultBusyTimeout = 5000
	// DefaultPageSize and MaxPageSize bound message history queries.
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store wraps the SQLite handle and exposes the durable log used by the router
// and the retention sweeper. All timestamps are stored as unix milliseconds.
type Store struct {
	db *sql.DB
}

// SweepStats counts what a sweep with a given cutoff removes (or would remove).
type SweepStats struct {
	Messages int64 `json:"oldMessages"`
	Users    int64 `json:"oldUsers"`
	Rooms    int64 `json:"oldRooms"`
}

// Empty reports whether nothing is eligible for removal.
func (s SweepStats) Empty() bool {
	return s.Messages == 0 && s.Users == 0 && s.Rooms == 0
}

// NewStore opens the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "roomchat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements. There are no foreign keys:
// messages outlive their author row until swept.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			room_id TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT,
			created_at INTEGER NOT NULL,
			created_by TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			room_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			reply_to TEXT,
			edited INTEGER NOT NULL DEFAULT 0,
			edited_at INTEGER,
			status INTEGER NOT NULL DEFAULT 0,
			is_image INTEGER NOT NULL DEFAULT 0,
			image_data TEXT,
			file_name TEXT,
			file_size INTEGER,
			file_type TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_users_room_id ON users(room_id);`,
		`CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnsureRoom creates the room row on first use and leaves existing rows alone.
func (s *Store) EnsureRoom(ctx context.Context, room chat.Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms(id, name, created_at, created_by) VALUES(?, ?, ?, ?)`,
		room.ID, nullString(room.Name), toMillis(room.CreatedAt), nullString(room.CreatedBy))
	if err != nil {
		return xerrors.Wrapf(err, "ensure room %s", room.ID)
	}
	return nil
}

// GetRoom fetches a room row; nil is returned when it does not exist.
func (s *Store) GetRoom(ctx context.Context, id string) (*chat.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at, created_by FROM rooms WHERE id = ?`, id)
	var (
		room      chat.Room
		name      sql.NullString
		createdBy sql.NullString
		createdAt int64
	)
	if err := row.Scan(&room.ID, &name, &createdAt, &createdBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.Name = name.String
	room.CreatedBy = createdBy.String
	room.CreatedAt = fromMillis(createdAt)
	return &room, nil
}

// UpsertUser replaces the user row, refreshing last_seen.
func (s *Store) UpsertUser(ctx context.Context, user chat.User) error {
	lastSeen := user.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users(id, username, room_id, joined_at, last_seen) VALUES(?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.RoomID, toMillis(user.JoinedAt), toMillis(lastSeen))
	if err != nil {
		return xerrors.Wrapf(err, "upsert user %s", user.ID)
	}
	return nil
}

// GetUser fetches a user row by id; nil is returned when it does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*chat.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, room_id, joined_at, last_seen FROM users WHERE id = ?`, id)
	var (
		user               chat.User
		joinedAt, lastSeen int64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.RoomID, &joinedAt, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.JoinedAt = fromMillis(joinedAt)
	user.LastSeenAt = fromMillis(lastSeen)
	return &user, nil
}

// TouchUser refreshes last_seen for an existing user row.
func (s *Store) TouchUser(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE id = ?`, toMillis(at), userID)
	if err != nil {
		return xerrors.Wrapf(err, "touch user %s", userID)
	}
	return nil
}

// DeleteUser removes the user row.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return xerrors.Wrapf(err, "delete user %s", userID)
	}
	return nil
}

// DeleteUserMessages removes every message written by userID.
func (s *Store) DeleteUserMessages(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID)
	if err != nil {
		return 0, xerrors.Wrapf(err, "delete messages of %s", userID)
	}
	return result.RowsAffected()
}

// InsertMessage appends a message to the log.
func (s *Store) InsertMessage(ctx context.Context, msg chat.Message) error {
	var replyTo sql.NullString
	if msg.ReplyTo != nil {
		encoded, err := json.Marshal(msg.ReplyTo)
		if err != nil {
			return err
		}
		replyTo = sql.NullString{String: string(encoded), Valid: true}
	}
	var editedAt sql.NullInt64
	if msg.EditedAt != nil {
		editedAt = sql.NullInt64{Int64: toMillis(*msg.EditedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(
			id, seq, user_id, username, room_id, text, created_at, reply_to,
			edited, edited_at, status, is_image, image_data, file_name, file_size, file_type
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Seq, msg.UserID, msg.Username, msg.RoomID, msg.Text, toMillis(msg.CreatedAt), replyTo,
		boolInt(msg.Edited), editedAt, int(msg.Status), boolInt(msg.IsImage),
		nullString(msg.ImageData), nullString(msg.FileName), msg.FileSize, nullString(msg.FileType))
	if err != nil {
		return xerrors.Wrapf(err, "insert message %s", msg.ID)
	}
	return nil
}

const messageColumns = `id, seq, user_id, username, room_id, text, created_at, reply_to,
	edited, edited_at, status, is_image, image_data, file_name, file_size, file_type`

// GetMessage fetches a message by id; nil is returned when it does not exist.
func (s *Store) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a page of a room's history, oldest first. limit and
// offset apply to the newest-first ordering, so increasing offsets walk back
// in time.
func (s *Store) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UpdateMessageText records an edit.
func (s *Store) UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text = ?, edited = 1, edited_at = ? WHERE id = ?`,
		text, toMillis(editedAt), id)
	if err != nil {
		return xerrors.Wrapf(err, "update message %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AdvanceStatus moves messages in roomID that were not written by readerID
// forward to status. Rows already at or past status are left alone.
func (s *Store) AdvanceStatus(ctx context.Context, roomID, readerID string, ids []string, status chat.Status) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+4)
	args = append(args, int(status), roomID, readerID, int(status))
	for _, id := range ids {
		args = append(args, id)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE room_id = ? AND user_id != ? AND status < ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, xerrors.Wrapf(err, "advance status in room %s", roomID)
	}
	return result.RowsAffected()
}

// OldDataStats counts rows a sweep at cutoff would delete.
func (s *Store) OldDataStats(ctx context.Context, cutoff time.Time) (SweepStats, error) {
	ms := toMillis(cutoff)
	var stats SweepStats
	queries := []struct {
		dest  *int64
		query string
	}{
		{&stats.Messages, `SELECT COUNT(*) FROM messages WHERE created_at < ?`},
		{&stats.Users, `SELECT COUNT(*) FROM users WHERE last_seen < ?`},
		{&stats.Rooms, `SELECT COUNT(*) FROM rooms WHERE id NOT IN (
			SELECT DISTINCT room_id FROM messages WHERE created_at >= ?)`},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, ms).Scan(q.dest); err != nil {
			return SweepStats{}, xerrors.Wrapf(err, "count old data")
		}
	}
	return stats, nil
}

// Sweep deletes, in one transaction and against one cutoff: messages created
// before cutoff, users last seen before cutoff, and rooms without any message
// at or after cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (SweepStats, error) {
	ms := toMillis(cutoff)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SweepStats{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var removed SweepStats
	steps := []struct {
		dest  *int64
		query string
	}{
		{&removed.Messages, `DELETE FROM messages WHERE created_at < ?`},
		{&removed.Users, `DELETE FROM users WHERE last_seen < ?`},
		{&removed.Rooms, `DELETE FROM rooms WHERE id NOT IN (
			SELECT DISTINCT room_id FROM messages WHERE created_at >= ?)`},
	}
	for _, step := range steps {
		var result sql.Result
		if result, err = tx.ExecContext(ctx, step.query, ms); err != nil {
			return SweepStats{}, xerrors.Wrapf(err, "sweep")
		}
		if *step.dest, err = result.RowsAffected(); err != nil {
			return SweepStats{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return SweepStats{}, err
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		msg       chat.Message
		createdAt int64
		replyTo   sql.NullString
		edited    int
		editedAt  sql.NullInt64
		status    int
		isImage   int
		imageData sql.NullString
		fileName  sql.NullString
		fileSize  sql.NullInt64
		fileType  sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.Seq, &msg.UserID, &msg.Username, &msg.RoomID, &msg.Text, &createdAt,
		&replyTo, &edited, &editedAt, &status, &isImage, &imageData, &fileName, &fileSize, &fileType); err != nil {
		return nil, err
	}
	msg.CreatedAt = fromMillis(createdAt)
	if replyTo.Valid && replyTo.String != "" {
		var ref chat.MessageRef
		if err := json.Unmarshal([]byte(replyTo.String), &ref); err == nil {
			msg.ReplyTo = &ref
		}
	}
	msg.Edited = edited != 0
	if editedAt.Valid {
		at := fromMillis(editedAt.Int64)
		msg.EditedAt = &at
	}
	msg.Status = chat.Status(status)
	msg.IsImage = isImage != 0
	msg.ImageData = imageData.String
	msg.FileName = fileName.String
	msg.FileSize = fileSize.Int64
	msg.FileType = fileType.String
	return &msg, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
