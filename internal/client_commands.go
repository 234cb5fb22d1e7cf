package internal

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomchat/internal/chat"
)

const handshakeTimeout = 20 * time.Second

var clientDialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: handshakeTimeout,
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	delay := model.nextBackoff()
	model.notice(fmt.Sprintf("Reconnecting in %s…", delay))
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// connectCmd dials the websocket endpoint. The connection travels back in the
// message so Update stays the only writer of model state.
func (model *TUIModel) connectCmd() tea.Cmd {
	base := model.serverJoinURL
	return func() tea.Msg {
		joinURL, err := buildJoinURL(base)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := clientDialer.Dial(joinURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// existsCmd probes /exists so joining a room nobody is in can be flagged.
func (model *TUIModel) existsCmd(roomID string) tea.Cmd {
	base := model.serverJoinURL
	return func() tea.Msg {
		urlStr, err := buildExistsURL(base, roomID)
		if err != nil {
			return existsMsg{roomID: roomID, err: err}
		}
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(urlStr)
		if err != nil {
			return existsMsg{roomID: roomID, err: err}
		}
		_ = resp.Body.Close()
		return existsMsg{roomID: roomID, exists: resp.StatusCode == http.StatusOK}
	}
}

// historyCmd loads the newest page of the room over HTTP.
func (model *TUIModel) historyCmd() tea.Cmd {
	base, roomID := model.serverJoinURL, model.roomID
	return func() tea.Msg {
		messages, err := apiRoomMessages(base, roomID, historyPageLen, 0)
		return historyMsg{roomID: roomID, messages: messages, err: err}
	}
}

// readOnceCmd reads a single frame; Update schedules it again after every
// frame to keep reading.
func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{conn: conn, err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var envelope chat.Envelope
			if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Event == "" {
				continue
			}
			return frameMsg{conn: conn, envelope: envelope}
		}
	}
}

// sendCmd encodes one client event and writes it to the websocket.
func (model *TUIModel) sendCmd(name string, payload any) tea.Cmd {
	conn, mu := model.conn, model.writeMutex
	if conn == nil {
		return nil
	}
	return func() tea.Msg {
		encoded, err := chat.Event{Name: name, Payload: payload}.Encode()
		if err != nil {
			return sendFailedMsg{err: err}
		}
		mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		mu.Unlock()
		if err != nil {
			return sendFailedMsg{err: err}
		}
		return nil
	}
}

func typingIdleCmd(at time.Time) tea.Cmd {
	return tea.Tick(typingIdle, func(time.Time) tea.Msg {
		return typingIdleMsg{at: at}
	})
}

// closeConn sends a close frame and hangs up. The read pump of the dropped
// connection reports a disconnect that Update ignores as stale.
func (model *TUIModel) closeConn() {
	if model.conn == nil {
		return
	}
	conn := model.conn
	model.conn = nil
	model.isConnected = false
	model.writeMutex.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	model.writeMutex.Unlock()
	_ = conn.Close()
}

// RunClient launches the bubbletea program.
func RunClient(serverJoinURL, roomID, username, userID string) error {
	program := tea.NewProgram(NewTUIModel(serverJoinURL, roomID, username, userID))
	_, err := program.Run()
	return err
}

// buildJoinURL checks that base is a websocket url. The room travels in the
// join-room event, not in the url.
func buildJoinURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	return parsed.String(), nil
}

func buildExistsURL(wsBase string, roomID string) (string, error) {
	base, err := httpBaseFromJoinURL(wsBase)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("room", roomID)
	return base + "/exists?" + q.Encode(), nil
}

func generateSecureKey(length int) string {
	if length < 8 {
		length = 8
	}
	byteLen := (length * 5) / 8
	if (length*5)%8 != 0 {
		byteLen++
	}
	b := make([]byte, byteLen)
	_, _ = rand.Read(b)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	if len(enc) >= length {
		return enc[:length]
	}
	return enc
}

func inviteText(serverJoinURL, roomID string) string {
	var sb strings.Builder
	sb.WriteString("Invite others with:\n  ")
	sb.WriteString("roomchat client --server-url ")
	sb.WriteString(serverJoinURL)
	sb.WriteString(" --user <name> ")
	sb.WriteString(roomID)
	return sb.String()
}
