package chat

import (
	"encoding/json"
	"time"
)

// Client to server event names.
const (
	EventJoinRoom      = "join-room"
	EventSendMessage   = "send-message"
	EventEditMessage   = "edit-message"
	EventTypingStart   = "typing-start"
	EventTypingStop    = "typing-stop"
	EventLeaveRoom     = "leave-room"
	EventToggleLock    = "toggle-room-lock"
	EventReceipt       = "receipt"
	EventMarkRead      = "mark-read"
	EventMarkDelivered = "mark-delivered"
)

// Server to client event names.
const (
	EventJoinedRoom       = "joined-room"
	EventError            = "error"
	EventUserJoined       = "user-joined"
	EventRoomUsersUpdated = "room-users-updated"
	EventNewMessage       = "new-message"
	EventMessageEdited    = "message-edited"
	EventUserTyping       = "user-typing"
	EventUserStopped      = "user-stopped-typing"
	EventUserLeft         = "user-left"
	EventLeftRoom         = "left-room"
	EventRoomLockChanged  = "room-lock-changed"
	EventRoomLocked       = "room-locked"
	EventMessageReceipt   = "message-receipt"
)

// Envelope is the frame exchanged over the real-time channel in both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding.
type Event struct {
	Name    string
	Payload any
}

// Encode renders the event as an Envelope frame.
func (e Event) Encode() ([]byte, error) {
	frame := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: e.Name, Data: e.Payload}
	return json.Marshal(frame)
}

// Decode unmarshals the envelope data into out. An empty payload leaves out
// untouched.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return invalid("malformed " + e.Event + " payload")
	}
	return nil
}

// inbound payloads

type JoinRequest struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
}

type SendRequest struct {
	Text      string      `json:"text"`
	ReplyTo   *MessageRef `json:"replyTo,omitempty"`
	IsImage   bool        `json:"isImage,omitempty"`
	ImageData string      `json:"imageData,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	FileSize  int64       `json:"fileSize,omitempty"`
	FileType  string      `json:"fileType,omitempty"`
}

type EditRequest struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type ReceiptRequest struct {
	MessageIDs []string `json:"messageIds"`
	Kind       Status   `json:"kind"`
}

// outbound payloads

type JoinedRoomPayload struct {
	User   User   `json:"user"`
	RoomID string `json:"roomId"`
	Locked bool   `json:"locked"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type UserPayload struct {
	User User `json:"user"`
}

type UsersPayload struct {
	Users []User `json:"users"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type MessageEditedPayload struct {
	MessageID string    `json:"messageId"`
	NewText   string    `json:"newText"`
	Edited    bool      `json:"edited"`
	EditedAt  time.Time `json:"editedAt"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
}

type LeftRoomPayload struct {
	Success bool `json:"success"`
}

type LockChangedPayload struct {
	RoomID string `json:"roomId"`
	Locked bool   `json:"locked"`
}

type ReceiptPayload struct {
	MessageIDs []string `json:"messageIds"`
	Status     Status   `json:"status"`
	UserID     string   `json:"userId"`
}
