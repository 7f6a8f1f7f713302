package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	chatHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	degradedStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle       = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle    = lipgloss.NewStyle().Bold(true)
	activeUserStyle  = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	pendingStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	failedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	readByStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	typingLineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	hintStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// the view renders a header, the merged message list with delivery and read
// markers, the typing line, and the input box.
func (model TUIModel) View() string {
	if model.fatalErr != nil {
		return errorStyle.Render("error: " + model.fatalErr.Error())
	}

	headerSegments := []string{
		"Roomsync",
		fmt.Sprintf("Room %s", model.roomKey),
		fmt.Sprintf("User %s", model.username),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.degraded != nil:
		statusLine = degradedStyle.Render("Connection degraded: showing last known state")
	case model.subscribed:
		statusLine = statusStyle.Render("Live")
	default:
		statusLine = statusStyle.Render("Connecting…")
	}

	var messageLines []string
	for _, msg := range model.messages {
		messageLines = append(messageLines, model.renderMessage(msg))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, pendingStyle.Render("No messages yet. Say hi and start the conversation."))
	}
	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))

	sections := []string{header, statusLine, messagesView}
	if line := model.renderTypingLine(); line != "" {
		sections = append(sections, line)
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		hintStyle.Render("Enter to send, Esc to leave"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model TUIModel) renderMessage(msg Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.UnixMilli(msg.CreatedAt).Format("15:04:05")))

	var nameStyle lipgloss.Style
	if msg.Sender == model.username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.Sender))
	}
	name := nameStyle.Render(msg.Sender)
	body := messageBodyStyle.Render(strings.ReplaceAll(msg.Body, "\n", "\n   "))

	var marker string
	switch msg.Status {
	case StatusPending:
		marker = pendingStyle.Render(" …")
	case StatusFailed:
		marker = failedStyle.Render(" ✗ failed")
	default:
		if readers := model.readersOf(msg); readers > 0 {
			marker = readByStyle.Render(fmt.Sprintf(" ✓%d", readers))
		}
	}

	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", body, marker)
}

// readersOf counts members whose pointer is at or past the message,
// excluding its sender.
func (model TUIModel) readersOf(msg Message) int {
	key := msg.Key()
	count := 0
	for user, pointer := range model.receipts {
		if user == msg.Sender {
			continue
		}
		if !pointer.Less(key) {
			count++
		}
	}
	return count
}

func (model TUIModel) renderTypingLine() string {
	if len(model.typers) == 0 {
		return ""
	}
	verb := "is typing…"
	if len(model.typers) > 1 {
		verb = "are typing…"
	}
	return typingLineStyle.Render(strings.Join(model.typers, ", ") + " " + verb)
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
