package chat

import (
	"fmt"
	"time"
)

// User is a participant bound to one room through one live session.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	RoomID     string    `json:"roomId"`
	SessionID  string    `json:"-"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Room is the durable room row plus the volatile lock flag.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Locked    bool      `json:"locked"`
}

// MessageRef is the quoted part of a reply.
type MessageRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Message is a chat line. ID, Seq, UserID, RoomID and CreatedAt never change
// after creation.
type Message struct {
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"`
	UserID    string      `json:"userId"`
	Username  string      `json:"username"`
	RoomID    string      `json:"roomId"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"createdAt"`
	ReplyTo   *MessageRef `json:"replyTo,omitempty"`
	Edited    bool        `json:"edited"`
	EditedAt  *time.Time  `json:"editedAt,omitempty"`
	Status    Status      `json:"status"`
	IsImage   bool        `json:"isImage"`
	ImageData string      `json:"imageData,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	FileSize  int64       `json:"fileSize,omitempty"`
	FileType  string      `json:"fileType,omitempty"`
}

// Before reports whether m sorts ahead of other: creation time first, then the
// sequence number assigned by the router.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// Status is the receipt state of a message. The zero value is StatusSent.
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "sent"
	}
}

// Advance returns the later of s and next; receipts never roll back.
func (s Status) Advance(next Status) Status {
	if next > s {
		return next
	}
	return s
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts the wire names of the three states.
func ParseStatus(value string) (Status, error) {
	switch value {
	case "", "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	}
	return StatusSent, fmt.Errorf("unknown message status %q", value)
}
