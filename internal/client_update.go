package internal

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// when the program starts we kick off the room subscription.
func (model *TUIModel) Init() tea.Cmd {
	return model.subscribeCmd()
}

// update reacts to key presses and engine snapshots to drive the screen.
func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		switch typedMessage.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if model.unsubscribe != nil {
				model.unsubscribe()
				model.unsubscribe = nil
			}
			return model, tea.Quit
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" || !model.subscribed {
				return model, nil
			}
			if _, err := model.controller.SendMessage(model.roomKey, trimmed); err == nil {
				model.textInput.SetValue("")
			}
			return model, nil
		default:
			var cmd tea.Cmd
			model.textInput, cmd = model.textInput.Update(typedMessage)
			if model.subscribed {
				// every keystroke refreshes the typing signal; the engine
				// debounces the clear on our behalf
				model.controller.SetTyping(model.roomKey)
			}
			return model, cmd
		}

	case subscribedMsg:
		model.subscribed = true
		model.unsubscribe = typedMessage.unsubscribe
		return model, model.waitUpdateCmd()

	case subscribeFailedMsg:
		model.fatalErr = typedMessage.err
		return model, tea.Quit

	case snapshotMsg:
		model.applySnapshot(uiSnapshot(typedMessage))
		return model, tea.Batch(model.waitUpdateCmd(), model.markReadCmd())
	}
	return model, nil
}

func (model *TUIModel) applySnapshot(snap uiSnapshot) {
	switch snap.kind {
	case snapMessages:
		model.messages = snap.messages
	case snapTyping:
		model.typers = snap.typers
	case snapReceipts:
		model.receipts = snap.receipts
	case snapDegraded:
		model.degraded = snap.degraded
	}
}

// subscribeCmd opens the room and bridges handler callbacks into the
// bubbletea loop through the updates channel.
func (model *TUIModel) subscribeCmd() tea.Cmd {
	return func() tea.Msg {
		push := func(snap uiSnapshot) {
			select {
			case model.updates <- snap:
			default:
				// the UI is behind; newer snapshots carry the full state anyway
			}
		}
		handlers := Handlers{
			OnMessages: func(msgs []Message) {
				push(uiSnapshot{kind: snapMessages, messages: msgs})
			},
			OnTyping: func(users []string) {
				push(uiSnapshot{kind: snapTyping, typers: users})
			},
			OnReadReceipts: func(pointers map[string]MessageKey) {
				push(uiSnapshot{kind: snapReceipts, receipts: pointers})
			},
			OnDegraded: func(err error) {
				push(uiSnapshot{kind: snapDegraded, degraded: err})
			},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		unsubscribe, err := model.controller.SubscribeRoom(ctx, model.roomKey, handlers)
		if err != nil {
			return subscribeFailedMsg{err: err}
		}
		return subscribedMsg{unsubscribe: unsubscribe}
	}
}

// waitUpdateCmd delivers one snapshot at a time; we re-arm it after each.
func (model *TUIModel) waitUpdateCmd() tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-model.updates
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

// markReadCmd advances our read pointer to the newest confirmed message not
// sent by us. Stale calls are absorbed by the aggregator.
func (model *TUIModel) markReadCmd() tea.Cmd {
	var newest *Message
	for i := len(model.messages) - 1; i >= 0; i-- {
		if model.messages[i].Status == StatusSent {
			newest = &model.messages[i]
			break
		}
	}
	if newest == nil || newest.Sender == model.username || newest.ID == model.lastReadID {
		return nil
	}
	id := newest.ID
	model.lastReadID = id
	return func() tea.Msg {
		model.controller.MarkRead(model.roomKey, id)
		return nil
	}
}
