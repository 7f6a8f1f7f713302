package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSBus is the EventBus implementation that talks to the relay over one
// websocket connection per subscribed room. It performs no reconnection of
// its own: when the transport dies the subscription channel closes and the
// controller decides how to resubscribe and resync.
type WSBus struct {
	joinURL string // ws(s)://host/events
	user    string

	mu    sync.Mutex
	conns map[string]*wsRoomConn
}

type wsRoomConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	events    chan Event
	closeOnce sync.Once
}

// wsReadWait must outlast the relay's ping period; the relay is the side
// that pings, so the client refreshes its deadline on pings and data reads.
// Variable so tests can shorten it.
var wsReadWait = 60 * time.Second

func NewWSBus(joinURL, user string) *WSBus {
	return &WSBus{
		joinURL: joinURL,
		user:    user,
		conns:   make(map[string]*wsRoomConn),
	}
}

// Subscribe dials the relay's event endpoint for the room and starts the
// read pump. The subscription channel closes on any read error.
func (b *WSBus) Subscribe(ctx context.Context, room string, types ...EventType) (*Subscription, error) {
	target, err := b.buildURL(room)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("subscribe %s: %w", room, ErrNotFound)
		}
		return nil, fmt.Errorf("subscribe %s: %w: %v", room, ErrTransientIO, err)
	}

	rc := &wsRoomConn{conn: conn, events: make(chan Event, 256)}
	b.mu.Lock()
	if prev := b.conns[room]; prev != nil {
		prev.close()
	}
	b.conns[room] = rc
	b.mu.Unlock()

	var typeFilter map[EventType]bool
	if len(types) > 0 {
		typeFilter = make(map[EventType]bool, len(types))
		for _, t := range types {
			typeFilter[t] = true
		}
	}
	go b.readPump(room, rc, typeFilter)

	cancel := func() {
		b.mu.Lock()
		if b.conns[room] == rc {
			delete(b.conns, room)
		}
		b.mu.Unlock()
		rc.close()
	}
	return NewSubscription(rc.events, cancel), nil
}

// Publish writes the event onto the room's connection. The relay answers
// with echoed or error events on the same stream.
func (b *WSBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	rc := b.conns[ev.Room]
	b.mu.Unlock()
	if rc == nil {
		return fmt.Errorf("publish to %s: %w: no live subscription", ev.Room, ErrTransientIO)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := rc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("publish to %s: %w: %v", ev.Room, ErrTransientIO, err)
	}
	return nil
}

// Close drops every room connection.
func (b *WSBus) Close() {
	b.mu.Lock()
	conns := make([]*wsRoomConn, 0, len(b.conns))
	for room, rc := range b.conns {
		conns = append(conns, rc)
		delete(b.conns, room)
	}
	b.mu.Unlock()
	for _, rc := range conns {
		rc.close()
	}
}

func (b *WSBus) readPump(room string, rc *wsRoomConn, types map[EventType]bool) {
	defer rc.close()
	refresh := func() error {
		return rc.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	}
	// the relay pings on its own schedule; a ping or any data read proves the
	// connection is alive, so both refresh the deadline. WriteControl is safe
	// alongside Publish writes.
	rc.conn.SetPingHandler(func(appData string) error {
		_ = refresh()
		err := rc.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	rc.conn.SetPongHandler(func(string) error { return refresh() })
	_ = refresh()
	for {
		_, payload, err := rc.conn.ReadMessage()
		if err != nil {
			// normal close or transport failure; the closed channel tells the
			// controller to resubscribe
			return
		}
		_ = refresh()
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		if ev.Room == "" {
			ev.Room = room
		}
		if types != nil && !types[ev.Type] {
			continue
		}
		select {
		case rc.events <- ev:
		default:
			// the consumer loop stopped draining; drop the connection rather
			// than buffer without bound
			return
		}
	}
}

func (rc *wsRoomConn) close() {
	rc.closeOnce.Do(func() {
		rc.writeMu.Lock()
		_ = rc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		rc.writeMu.Unlock()
		_ = rc.conn.Close()
		close(rc.events)
	})
}

func (b *WSBus) buildURL(room string) (string, error) {
	parsed, err := url.Parse(b.joinURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("room", room)
	query.Set("user", b.user)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
