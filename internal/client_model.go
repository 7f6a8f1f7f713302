package internal

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// TUIModel holds the bubbletea state for the demo chat client. It is a thin
// consumer of the Controller: every piece of room state it renders arrives
// through the subscription handlers.
type TUIModel struct {
	textInput  textinput.Model
	controller *Controller
	roomKey    string
	username   string

	messages []Message
	typers   []string
	receipts map[string]MessageKey
	degraded error

	updates     chan uiSnapshot
	unsubscribe func()
	subscribed  bool
	lastReadID  string
	fatalErr    error
}

// uiSnapshot carries one handler callback from the room worker goroutine
// into the bubbletea loop.
type uiSnapshot struct {
	kind     snapshotKind
	messages []Message
	typers   []string
	receipts map[string]MessageKey
	degraded error
}

type snapshotKind int

const (
	snapMessages snapshotKind = iota
	snapTyping
	snapReceipts
	snapDegraded
)

// bubbletea messages for the asynchronous subscribe and the update stream
type (
	subscribedMsg      struct{ unsubscribe func() }
	subscribeFailedMsg struct{ err error }
	snapshotMsg        uiSnapshot
)

// NewTUIModel builds the chat model with a focused input.
func NewTUIModel(controller *Controller, roomKey, username string) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	return &TUIModel{
		textInput:  input,
		controller: controller,
		roomKey:    roomKey,
		username:   username,
		receipts:   make(map[string]MessageKey),
		updates:    make(chan uiSnapshot, 256),
	}
}

// RunClient launches the bubbletea program over an already-wired controller.
func RunClient(controller *Controller, roomKey, username string) error {
	program := tea.NewProgram(NewTUIModel(controller, roomKey, username))
	_, err := program.Run()
	return err
}
