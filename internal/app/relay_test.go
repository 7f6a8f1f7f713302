package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	intrnl "roomsync/internal"
)

func startTestRelay(t *testing.T) (httpBase, wsURL string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := RunServer(ctx, ServerConfig{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "relay.db"),
	})
	if err != nil {
		cancel()
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = handle.Wait()
	})
	return "http://" + handle.Addr(), "ws://" + handle.Addr() + "/events"
}

func newRoomBus(t *testing.T, wsURL, user, room string) (*intrnl.WSBus, *intrnl.Subscription) {
	t.Helper()
	bus := intrnl.NewWSBus(wsURL, user)
	t.Cleanup(bus.Close)
	sub, err := bus.Subscribe(context.Background(), room)
	if err != nil {
		t.Fatalf("subscribe %s as %s: %v", room, user, err)
	}
	return bus, sub
}

// waitEvent reads the stream until an event of the wanted type arrives,
// skipping unrelated broadcasts.
func waitEvent(t *testing.T, sub *intrnl.Subscription, typ intrnl.EventType) intrnl.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func expectNoEvent(t *testing.T, sub *intrnl.Subscription, typ intrnl.EventType, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %+v", typ, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestRelaySendEchoAndReplay(t *testing.T) {
	httpBase, wsURL := startTestRelay(t)
	history := intrnl.NewHistoryClient(httpBase)
	ctx := context.Background()

	if err := history.EnsureRoom(ctx, "lobby"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	exists, err := history.RoomExists(ctx, "lobby")
	if err != nil || !exists {
		t.Fatalf("lobby should exist, got %v %v", exists, err)
	}
	exists, err = history.RoomExists(ctx, "ghost")
	if err != nil || exists {
		t.Fatalf("ghost should not exist, got %v %v", exists, err)
	}

	aliceBus, aliceSub := newRoomBus(t, wsURL, "alice", "lobby")
	_, bobSub := newRoomBus(t, wsURL, "bob", "lobby")

	send := intrnl.Event{
		Type: intrnl.EventMessageInsert,
		Room: "lobby",
		Message: &intrnl.Message{
			Body:          "hi",
			CorrelationID: "corr-1",
		},
	}
	if err := aliceBus.Publish(ctx, send); err != nil {
		t.Fatalf("publish: %v", err)
	}

	aliceEcho := waitEvent(t, aliceSub, intrnl.EventMessageInsert)
	bobEcho := waitEvent(t, bobSub, intrnl.EventMessageInsert)
	if aliceEcho.Message.ID == "" || aliceEcho.Message.ID != bobEcho.Message.ID {
		t.Fatalf("both subscribers must see the same authoritative id, got %q and %q",
			aliceEcho.Message.ID, bobEcho.Message.ID)
	}
	if aliceEcho.Message.Sender != "alice" || aliceEcho.Message.CorrelationID != "corr-1" {
		t.Fatalf("echo lost identity or correlation: %+v", aliceEcho.Message)
	}
	if aliceEcho.Message.CreatedAt == 0 {
		t.Fatalf("relay must assign the authoritative timestamp")
	}

	// replaying the correlation id re-broadcasts the stored row instead of
	// storing a duplicate
	if err := aliceBus.Publish(ctx, send); err != nil {
		t.Fatalf("replay publish: %v", err)
	}
	replay := waitEvent(t, bobSub, intrnl.EventMessageInsert)
	if replay.Message.ID != bobEcho.Message.ID {
		t.Fatalf("replay produced a new id %q, want %q", replay.Message.ID, bobEcho.Message.ID)
	}

	page, err := history.MessagesBefore(ctx, "lobby", nil, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("store should hold exactly one message, got %d", len(page))
	}
}

func TestRelayReadPointerFanout(t *testing.T) {
	httpBase, wsURL := startTestRelay(t)
	history := intrnl.NewHistoryClient(httpBase)
	ctx := context.Background()
	if err := history.EnsureRoom(ctx, "lobby"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}

	aliceBus, aliceSub := newRoomBus(t, wsURL, "alice", "lobby")
	bobBus, bobSub := newRoomBus(t, wsURL, "bob", "lobby")

	if err := aliceBus.Publish(ctx, intrnl.Event{
		Type:    intrnl.EventMessageInsert,
		Room:    "lobby",
		Message: &intrnl.Message{Body: "read me", CorrelationID: "corr-1"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stored := waitEvent(t, bobSub, intrnl.EventMessageInsert).Message

	read := intrnl.Event{
		Type: intrnl.EventReadPointer,
		Room: "lobby",
		Read: &intrnl.ReadSignal{Key: stored.Key()},
	}
	if err := bobBus.Publish(ctx, read); err != nil {
		t.Fatalf("publish read: %v", err)
	}
	got := waitEvent(t, aliceSub, intrnl.EventReadPointer)
	if got.Read.User != "bob" || got.Read.Key.ID != stored.ID {
		t.Fatalf("unexpected read fanout: %+v", got.Read)
	}

	// the same pointer again is stale; the relay stays silent
	if err := bobBus.Publish(ctx, read); err != nil {
		t.Fatalf("replay read: %v", err)
	}
	expectNoEvent(t, aliceSub, intrnl.EventReadPointer, 300*time.Millisecond)
}

func TestRelayDeleteRequiresSender(t *testing.T) {
	httpBase, wsURL := startTestRelay(t)
	history := intrnl.NewHistoryClient(httpBase)
	ctx := context.Background()
	if err := history.EnsureRoom(ctx, "lobby"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}

	aliceBus, aliceSub := newRoomBus(t, wsURL, "alice", "lobby")
	bobBus, bobSub := newRoomBus(t, wsURL, "bob", "lobby")

	if err := aliceBus.Publish(ctx, intrnl.Event{
		Type:    intrnl.EventMessageInsert,
		Room:    "lobby",
		Message: &intrnl.Message{Body: "mine", CorrelationID: "corr-1"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stored := waitEvent(t, bobSub, intrnl.EventMessageInsert).Message

	deleteEv := intrnl.Event{Type: intrnl.EventMessageDelete, Room: "lobby", MessageID: stored.ID}
	if err := bobBus.Publish(ctx, deleteEv); err != nil {
		t.Fatalf("publish delete: %v", err)
	}
	rejection := waitEvent(t, bobSub, intrnl.EventError)
	if rejection.Error.Code != intrnl.ErrorCodePermission {
		t.Fatalf("expected permission rejection, got %+v", rejection.Error)
	}
	expectNoEvent(t, aliceSub, intrnl.EventMessageDelete, 300*time.Millisecond)

	if err := aliceBus.Publish(ctx, deleteEv); err != nil {
		t.Fatalf("publish own delete: %v", err)
	}
	got := waitEvent(t, bobSub, intrnl.EventMessageDelete)
	if got.MessageID != stored.ID {
		t.Fatalf("delete broadcast for %q, want %q", got.MessageID, stored.ID)
	}
}

func TestRelayTypingFanout(t *testing.T) {
	httpBase, wsURL := startTestRelay(t)
	history := intrnl.NewHistoryClient(httpBase)
	ctx := context.Background()
	if err := history.EnsureRoom(ctx, "lobby"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}

	aliceBus, _ := newRoomBus(t, wsURL, "alice", "lobby")
	_, bobSub := newRoomBus(t, wsURL, "bob", "lobby")

	if err := aliceBus.Publish(ctx, intrnl.Event{
		Type:   intrnl.EventTyping,
		Room:   "lobby",
		Typing: &intrnl.TypingSignal{Active: true},
	}); err != nil {
		t.Fatalf("publish typing: %v", err)
	}
	got := waitEvent(t, bobSub, intrnl.EventTyping)
	if got.Typing.User != "alice" || !got.Typing.Active {
		t.Fatalf("unexpected typing fanout: %+v", got.Typing)
	}
}

func TestRelaySeedsLateJoiner(t *testing.T) {
	httpBase, wsURL := startTestRelay(t)
	history := intrnl.NewHistoryClient(httpBase)
	ctx := context.Background()
	if err := history.EnsureRoom(ctx, "lobby"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}

	aliceBus, aliceSub := newRoomBus(t, wsURL, "alice", "lobby")
	bobBus, bobSub := newRoomBus(t, wsURL, "bob", "lobby")

	if err := aliceBus.Publish(ctx, intrnl.Event{
		Type:    intrnl.EventMessageInsert,
		Room:    "lobby",
		Message: &intrnl.Message{Body: "before carol", CorrelationID: "corr-1"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stored := waitEvent(t, bobSub, intrnl.EventMessageInsert).Message

	if err := bobBus.Publish(ctx, intrnl.Event{
		Type: intrnl.EventReadPointer,
		Room: "lobby",
		Read: &intrnl.ReadSignal{Key: stored.Key()},
	}); err != nil {
		t.Fatalf("publish read: %v", err)
	}
	if err := bobBus.Publish(ctx, intrnl.Event{
		Type:   intrnl.EventTyping,
		Room:   "lobby",
		Typing: &intrnl.TypingSignal{Active: true},
	}); err != nil {
		t.Fatalf("publish typing: %v", err)
	}
	// both are persisted once alice sees the broadcasts
	waitEvent(t, aliceSub, intrnl.EventReadPointer)
	waitEvent(t, aliceSub, intrnl.EventTyping)

	// carol joins afterwards and must be seeded from the store without any
	// fresh events being published
	_, carolSub := newRoomBus(t, wsURL, "carol", "lobby")
	seededRead := waitEvent(t, carolSub, intrnl.EventReadPointer)
	if seededRead.Read.User != "bob" || seededRead.Read.Key.ID != stored.ID {
		t.Fatalf("unexpected seeded pointer: %+v", seededRead.Read)
	}
	seededTyping := waitEvent(t, carolSub, intrnl.EventTyping)
	if seededTyping.Typing.User != "bob" || !seededTyping.Typing.Active {
		t.Fatalf("unexpected seeded typing: %+v", seededTyping.Typing)
	}
}

func TestRelaySubscribeUnknownRoom(t *testing.T) {
	_, wsURL := startTestRelay(t)
	bus := intrnl.NewWSBus(wsURL, "alice")
	t.Cleanup(bus.Close)

	_, err := bus.Subscribe(context.Background(), "nowhere")
	if !errors.Is(err, intrnl.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
