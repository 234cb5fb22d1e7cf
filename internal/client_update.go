package internal

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomchat/internal/chat"
)

type (
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct {
		conn *websocket.Conn
		err  error
	}
	frameMsg struct {
		conn     *websocket.Conn
		envelope chat.Envelope
	}
	sendFailedMsg struct{ err error }
	historyMsg    struct {
		roomID   string
		messages []chat.Message
		err      error
	}
	usersMsg struct {
		roomID string
		users  []chat.User
		err    error
	}
	reconnectMsg  struct{}
	typingIdleMsg struct{ at time.Time }
	existsMsg     struct {
		roomID string
		exists bool
		err    error
	}
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		return model.handleKey(typedMessage)

	case connectedMsg:
		if model.mode != modeChat || model.conn != nil {
			_ = typedMessage.conn.Close()
			return model, nil
		}
		model.conn = typedMessage.conn
		model.isConnected = true
		model.connErr = nil
		model.backoff = minBackoff
		join := model.sendCmd(chat.EventJoinRoom, chat.JoinRequest{
			Username: model.username,
			RoomID:   model.roomID,
			UserID:   model.userID,
		})
		return model, tea.Batch(join, readOnceCmd(typedMessage.conn))

	case connectFailedMsg:
		model.isConnected = false
		model.connErr = typedMessage.err
		if model.mode != modeChat {
			return model, nil
		}
		return model, model.scheduleReconnect()

	case disconnectedMsg:
		if typedMessage.conn != model.conn {
			return model, nil
		}
		_ = typedMessage.conn.Close()
		model.conn = nil
		model.isConnected = false
		model.joined = false
		model.typingSent = false
		model.connErr = typedMessage.err
		model.typing = make(map[string]struct{})
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.mode != modeChat || model.conn != nil {
			return model, nil
		}
		return model, model.connectCmd()

	case frameMsg:
		if typedMessage.conn != model.conn {
			return model, nil
		}
		cmd := model.handleEvent(typedMessage.envelope)
		if model.conn != typedMessage.conn {
			return model, cmd
		}
		return model, tea.Batch(cmd, readOnceCmd(typedMessage.conn))

	case historyMsg:
		if typedMessage.roomID != model.roomID {
			return model, nil
		}
		if typedMessage.err != nil {
			model.notice("Could not load history: " + typedMessage.err.Error())
			return model, nil
		}
		model.timeline.Merge(typedMessage.messages)
		return model, model.deliveredCmd(typedMessage.messages)

	case usersMsg:
		if typedMessage.err != nil {
			model.notice("Could not list users: " + typedMessage.err.Error())
			return model, nil
		}
		names := make([]string, 0, len(typedMessage.users))
		for _, user := range typedMessage.users {
			names = append(names, user.Username)
		}
		model.notice(fmt.Sprintf("%d online in %s: %s", len(names), typedMessage.roomID, strings.Join(names, ", ")))
		return model, nil

	case sendFailedMsg:
		model.notice("Send failed: " + typedMessage.err.Error())
		return model, nil

	case typingIdleMsg:
		if model.typingSent && typedMessage.at.Equal(model.lastKeystroke) {
			model.typingSent = false
			return model, model.sendCmd(chat.EventTypingStop, nil)
		}
		return model, nil

	case existsMsg:
		if typedMessage.err == nil && !typedMessage.exists && typedMessage.roomID == model.roomID {
			model.notice(fmt.Sprintf("Nobody is in %s yet; you are starting it.", typedMessage.roomID))
		}
		return model, nil
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(message)
	return model, cmd
}

func (model *TUIModel) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyCtrlC || key.Type == tea.KeyEsc {
		model.closeConn()
		return model, tea.Quit
	}

	switch model.mode {
	case modeMenu:
		switch key.String() {
		case "1", "j", "J":
			return model, model.promptName(actionJoin)
		case "2", "c", "C":
			return model, model.promptName(actionCreate)
		case "q", "Q", "3":
			return model, tea.Quit
		}
		return model, nil

	case modeNamePrompt:
		if key.Type != tea.KeyEnter {
			break
		}
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			model.notice("Display name cannot be empty.")
			return model, nil
		}
		model.username = trimmed
		model.textInput.SetValue("")
		next := model.pendingAction
		model.pendingAction = actionNone
		if next == actionCreate {
			model.roomID = generateSecureKey(10)
			model.notice(inviteText(model.serverJoinURL, model.roomID))
			return model, model.enterChat()
		}
		model.mode = modeJoinPrompt
		model.textInput.Placeholder = "Enter room id…"
		model.textInput.Prompt = "room> "
		return model, model.textInput.Focus()

	case modeJoinPrompt:
		if key.Type != tea.KeyEnter {
			break
		}
		roomID := strings.TrimSpace(model.textInput.Value())
		if roomID == "" {
			model.notice("Room id cannot be empty.")
			return model, nil
		}
		model.roomID = roomID
		model.textInput.SetValue("")
		return model, tea.Batch(model.enterChat(), model.existsCmd(roomID))

	case modeChat:
		if key.Type == tea.KeyEnter {
			text := model.textInput.Value()
			model.textInput.SetValue("")
			return model, model.submit(text)
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, tea.Batch(cmd, model.typingCmd())
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) promptName(action actionType) tea.Cmd {
	model.pendingAction = action
	model.mode = modeNamePrompt
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "Enter display name…"
	model.textInput.Prompt = "name> "
	return model.textInput.Focus()
}

func (model *TUIModel) enterChat() tea.Cmd {
	model.closeConn()
	model.resetRoom()
	model.mode = modeChat
	model.backoff = minBackoff
	model.textInput.Placeholder = "Type a message… (/help for commands)"
	model.textInput.Prompt = "> "
	return tea.Batch(model.textInput.Focus(), model.connectCmd())
}

func (model *TUIModel) leaveToJoinPrompt() {
	model.closeConn()
	model.resetRoom()
	model.mode = modeJoinPrompt
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Enter room id…"
	model.textInput.Prompt = "room> "
}

// typingCmd emits typing-start on the first keystroke of a burst and arms the
// idle timer that later sends typing-stop.
func (model *TUIModel) typingCmd() tea.Cmd {
	if !model.joined {
		return nil
	}
	value := model.textInput.Value()
	if value == "" || strings.HasPrefix(value, "/") {
		if model.typingSent {
			model.typingSent = false
			return model.sendCmd(chat.EventTypingStop, nil)
		}
		return nil
	}
	model.lastKeystroke = time.Now()
	idle := typingIdleCmd(model.lastKeystroke)
	if model.typingSent {
		return idle
	}
	model.typingSent = true
	return tea.Batch(model.sendCmd(chat.EventTypingStart, nil), idle)
}

func (model *TUIModel) stopTypingCmd() tea.Cmd {
	if !model.typingSent {
		return nil
	}
	model.typingSent = false
	return model.sendCmd(chat.EventTypingStop, nil)
}

func (model *TUIModel) submit(text string) tea.Cmd {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		return model.runCommand(text)
	}
	if !model.joined {
		model.notice("Not connected yet, message not sent.")
		return nil
	}
	req := chat.SendRequest{Text: text, ReplyTo: model.replyTo}
	model.replyTo = nil
	return tea.Batch(
		model.stopTypingCmd(),
		model.sendCmd(chat.EventSendMessage, req),
		model.readCmd(),
	)
}

func (model *TUIModel) runCommand(line string) tea.Cmd {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/q":
		model.closeConn()
		return tea.Quit
	case "/help":
		model.notice("/reply [text]  /edit <text>  /image <path>  /lock  /read  /who  /invite  /leave  /quit")
		return nil
	case "/invite":
		model.notice(inviteText(model.serverJoinURL, model.roomID))
		return nil
	case "/who":
		base, roomID := model.serverJoinURL, model.roomID
		return func() tea.Msg {
			users, err := apiRoomUsers(base, roomID)
			return usersMsg{roomID: roomID, users: users, err: err}
		}
	}

	if !model.joined {
		model.notice("Not connected yet.")
		return nil
	}

	switch strings.ToLower(name) {
	case "/reply":
		target, ok := model.timeline.LastNotBy(model.userID)
		if !ok {
			model.notice("Nothing to reply to.")
			return nil
		}
		ref := &chat.MessageRef{ID: target.ID, Username: target.Username, Text: target.Text}
		if arg == "" {
			model.replyTo = ref
			model.notice("Replying to " + target.Username + ".")
			return nil
		}
		model.replyTo = nil
		return tea.Batch(
			model.sendCmd(chat.EventSendMessage, chat.SendRequest{Text: arg, ReplyTo: ref}),
			model.readCmd(),
		)
	case "/edit":
		if arg == "" {
			model.notice("usage: /edit <new text>")
			return nil
		}
		mine, ok := model.timeline.LastBy(model.userID)
		if !ok {
			model.notice("You have no message to edit.")
			return nil
		}
		return model.sendCmd(chat.EventEditMessage, chat.EditRequest{MessageID: mine.ID, NewText: arg})
	case "/image":
		req, err := loadImage(arg, maxClientImageBytes)
		if err != nil {
			model.notice(err.Error())
			return nil
		}
		req.ReplyTo = model.replyTo
		model.replyTo = nil
		return model.sendCmd(chat.EventSendMessage, req)
	case "/lock":
		return model.sendCmd(chat.EventToggleLock, nil)
	case "/read":
		cmd := model.readCmd()
		if cmd == nil {
			model.notice("Everything is read.")
		}
		return cmd
	case "/leave":
		return tea.Batch(model.stopTypingCmd(), model.sendCmd(chat.EventLeaveRoom, nil))
	}
	model.notice("Unknown command " + name + ", try /help.")
	return nil
}

// readCmd marks every unread message from others as read.
func (model *TUIModel) readCmd() tea.Cmd {
	ids := model.timeline.Unread(model.userID)
	if len(ids) == 0 {
		return nil
	}
	return model.sendCmd(chat.EventReceipt, chat.ReceiptRequest{MessageIDs: ids, Kind: chat.StatusRead})
}

// deliveredCmd acknowledges messages from others that have not reached
// Delivered yet.
func (model *TUIModel) deliveredCmd(messages []chat.Message) tea.Cmd {
	var ids []string
	for _, msg := range messages {
		if msg.UserID != model.userID && msg.Status < chat.StatusDelivered {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return model.sendCmd(chat.EventReceipt, chat.ReceiptRequest{MessageIDs: ids, Kind: chat.StatusDelivered})
}

// handleEvent applies one server event to the model.
func (model *TUIModel) handleEvent(envelope chat.Envelope) tea.Cmd {
	switch envelope.Event {
	case chat.EventJoinedRoom:
		var payload chat.JoinedRoomPayload
		if !model.decode(envelope, &payload) {
			return nil
		}
		model.joined = true
		model.userID = payload.User.ID
		model.roomID = payload.RoomID
		model.locked = payload.Locked
		model.notice("Joined room " + payload.RoomID + ".")
		return model.historyCmd()

	case chat.EventUserJoined:
		var payload chat.UserPayload
		if model.decode(envelope, &payload) {
			model.notice(payload.User.Username + " joined.")
		}

	case chat.EventRoomUsersUpdated:
		var payload chat.UsersPayload
		if model.decode(envelope, &payload) {
			model.users = payload.Users
		}

	case chat.EventNewMessage:
		var payload chat.MessagePayload
		if !model.decode(envelope, &payload) {
			return nil
		}
		if model.timeline.Add(payload.Message) {
			return model.deliveredCmd([]chat.Message{payload.Message})
		}

	case chat.EventMessageEdited:
		var payload chat.MessageEditedPayload
		if model.decode(envelope, &payload) {
			model.timeline.ApplyEdit(payload.MessageID, payload.NewText, payload.EditedAt)
		}

	case chat.EventUserTyping:
		var payload chat.TypingPayload
		if model.decode(envelope, &payload) && payload.UserID != model.userID {
			model.typing[payload.UserID] = struct{}{}
		}

	case chat.EventUserStopped:
		var payload chat.TypingPayload
		if model.decode(envelope, &payload) {
			delete(model.typing, payload.UserID)
		}

	case chat.EventUserLeft:
		var payload chat.UserPayload
		if model.decode(envelope, &payload) {
			delete(model.typing, payload.User.ID)
			model.notice(payload.User.Username + " left.")
		}

	case chat.EventLeftRoom:
		var payload chat.LeftRoomPayload
		model.decode(envelope, &payload)
		roomID := model.roomID
		model.leaveToJoinPrompt()
		if payload.Success {
			model.notice("You left " + roomID + " and your messages were removed.")
		} else {
			model.notice("You left " + roomID + ", but the server could not remove your data.")
		}
		return model.textInput.Focus()

	case chat.EventRoomLockChanged:
		var payload chat.LockChangedPayload
		if model.decode(envelope, &payload) {
			model.locked = payload.Locked
			if payload.Locked {
				model.notice("Room locked: nobody else can join.")
			} else {
				model.notice("Room unlocked.")
			}
		}

	case chat.EventRoomLocked:
		var payload chat.ErrorPayload
		model.decode(envelope, &payload)
		model.leaveToJoinPrompt()
		model.notice(orDefault(payload.Message, "Room is locked") + ". Try another room.")
		return model.textInput.Focus()

	case chat.EventMessageReceipt:
		var payload chat.ReceiptPayload
		if model.decode(envelope, &payload) {
			model.timeline.ApplyReceipt(payload.MessageIDs, payload.Status)
		}

	case chat.EventError:
		var payload chat.ErrorPayload
		if model.decode(envelope, &payload) {
			model.notice("Error: " + payload.Message)
		}
	}
	return nil
}

func (model *TUIModel) decode(envelope chat.Envelope, out any) bool {
	if err := envelope.Decode(out); err != nil {
		model.notice(fmt.Sprintf("Bad %s event from server.", envelope.Event))
		return false
	}
	return true
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
