package internal

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomchat/internal/chat"
)

const (
	typingIdle     = 2 * time.Second
	minBackoff     = 1 * time.Second
	maxBackoff     = 30 * time.Second
	maxNotices     = 6
	historyPageLen = 50
)

// TUIModel is the bubbletea state of the terminal client: the input line, the
// room timeline, presence and the websocket it talks through.
type TUIModel struct {
	textInput     textinput.Model
	timeline      *chat.Timeline
	users         []chat.User
	typing        map[string]struct{}
	notices       []string
	serverJoinURL string
	roomID        string
	username      string
	userID        string

	conn        *websocket.Conn
	writeMutex  *sync.Mutex
	isConnected bool
	joined      bool
	locked      bool
	connErr     error
	backoff     time.Duration

	mode          appMode
	pendingAction actionType
	replyTo       *chat.MessageRef
	typingSent    bool
	lastKeystroke time.Time
}

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeChat
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

// NewTUIModel builds the client. An empty roomID starts at the menu, otherwise
// the client dials straight into the room.
func NewTUIModel(serverJoinURL, roomID, username, userID string) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	if username == "" {
		username = defaultUsername()
	}

	model := &TUIModel{
		textInput:     input,
		timeline:      chat.NewTimeline(),
		typing:        make(map[string]struct{}),
		serverJoinURL: serverJoinURL,
		roomID:        roomID,
		username:      username,
		userID:        userID,
		writeMutex:    &sync.Mutex{},
		backoff:       minBackoff,
	}
	if roomID == "" {
		model.mode = modeMenu
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
	} else {
		model.mode = modeChat
	}
	return model
}

func defaultUsername() string {
	if user := os.Getenv("ROOMCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeChat {
		return model.connectCmd()
	}
	return nil
}

func (model *TUIModel) notice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

// nextBackoff returns the current reconnect delay and doubles it for the next
// attempt, capped at maxBackoff.
func (model *TUIModel) nextBackoff() time.Duration {
	delay := model.backoff
	if delay < minBackoff {
		delay = minBackoff
	}
	model.backoff = delay * 2
	if model.backoff > maxBackoff {
		model.backoff = maxBackoff
	}
	return delay
}

// resetRoom forgets everything tied to the current room.
func (model *TUIModel) resetRoom() {
	model.timeline = chat.NewTimeline()
	model.users = nil
	model.typing = make(map[string]struct{})
	model.joined = false
	model.locked = false
	model.replyTo = nil
	model.typingSent = false
}

func (model *TUIModel) usernameOf(userID string) string {
	for _, user := range model.users {
		if user.ID == userID {
			return user.Username
		}
	}
	return userID
}
