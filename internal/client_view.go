package internal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"roomchat/internal/chat"
)

const visibleMessages = 30

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	lockedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	replyStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPrompt("Who are you?", "Enter a display name and press Enter.")
	case modeJoinPrompt:
		return model.renderPrompt("Join a room", "Enter a room id and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("Roomchat")
	subtitle := subtitleStyle.Render("Rooms for quick conversations, right in your terminal")

	options := []string{
		renderMenuOption("1", "Join a room"),
		renderMenuOption("2", "Create a room"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Join  •  2) Create  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderPrompt(title, hint string) string {
	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderChatView() string {
	headerSegments := []string{"Roomchat", fmt.Sprintf("Room %s", model.roomID), fmt.Sprintf("User %s", model.username)}
	if model.locked {
		headerSegments = append(headerSegments, lockedStyle.Render("LOCKED"))
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.isConnected && model.joined:
		statusLine = connectedStyle.Render(fmt.Sprintf("Connected • %d online: %s", len(model.users), model.memberList()))
	case model.connErr != nil:
		statusLine = errorStyle.Render("Connection error: " + model.connErr.Error())
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	messages := model.timeline.Messages()
	if len(messages) > visibleMessages {
		messages = messages[len(messages)-visibleMessages:]
	}
	var messageLines []string
	for _, msg := range messages {
		messageLines = append(messageLines, model.renderChatMessage(msg))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{header, statusLine, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))}
	if typing := model.typingLine(); typing != "" {
		sections = append(sections, systemMessageStyle.Render(typing))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		sections = append(sections, notices)
	}
	if model.replyTo != nil {
		sections = append(sections, replyStyle.Render("↪ replying to "+model.replyTo.Username+": "+truncate(model.replyTo.Text, 40)))
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("/help for commands • Esc to quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model TUIModel) renderSystemNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, text := range model.notices {
		lines = append(lines, systemMessageStyle.Render(text))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (model TUIModel) memberList() string {
	names := make([]string, 0, len(model.users))
	for _, user := range model.users {
		names = append(names, user.Username)
	}
	return strings.Join(names, ", ")
}

// typingLine lists the other members currently typing, sorted for a stable view.
func (model TUIModel) typingLine() string {
	if len(model.typing) == 0 {
		return ""
	}
	names := make([]string, 0, len(model.typing))
	for userID := range model.typing {
		names = append(names, model.usernameOf(userID))
	}
	sort.Strings(names)
	if len(names) == 1 {
		return names[0] + " is typing…"
	}
	return strings.Join(names, ", ") + " are typing…"
}

// renderChatMessage renders a single timeline line: time, sender, body and,
// for our own messages, the receipt status.
func (model TUIModel) renderChatMessage(msg chat.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.CreatedAt.Local().Format("15:04:05")))

	var nameStyle lipgloss.Style
	if msg.UserID == model.userID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.Username))
	}
	name := nameStyle.Render(msg.Username)

	body := msg.Text
	if msg.IsImage {
		body = strings.TrimSpace(fmt.Sprintf("[image %s, %s] %s", msg.FileName, formatFileSize(msg.FileSize), msg.Text))
	}
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(body, "\n", "\n   "))

	parts := []string{timestamp, " ", name, ": ", bodyText}
	if msg.Edited {
		parts = append(parts, timestampStyle.Render(" (edited)"))
	}
	if msg.UserID == model.userID {
		parts = append(parts, timestampStyle.Render(" "+statusMark(msg.Status)))
	}
	line := lipgloss.JoinHorizontal(lipgloss.Left, parts...)
	if msg.ReplyTo != nil {
		quote := replyStyle.Render(fmt.Sprintf("  ↪ %s: %s", msg.ReplyTo.Username, truncate(msg.ReplyTo.Text, 40)))
		return lipgloss.JoinVertical(lipgloss.Left, quote, line)
	}
	return line
}

func statusMark(status chat.Status) string {
	switch status {
	case chat.StatusRead:
		return "✓✓ read"
	case chat.StatusDelivered:
		return "✓✓"
	default:
		return "✓"
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}

func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
