package internal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
)

// relayRoom fans events out to every subscribed connection. One goroutine
// per room owns membership and broadcast, the same serialization the engine
// relies on client-side.
type relayRoom struct {
	key        string
	clients    map[*relayConn]bool
	register   chan *relayConn
	unregister chan *relayConn
	broadcast  chan []byte
	quit       chan struct{}
	mutex      sync.RWMutex
}

func newRelayRoom(key string) *relayRoom {
	return &relayRoom{
		key:        key,
		clients:    make(map[*relayConn]bool),
		register:   make(chan *relayConn),
		unregister: make(chan *relayConn),
		broadcast:  make(chan []byte, 256),
		quit:       make(chan struct{}),
	}
}

func (room *relayRoom) size() int {
	room.mutex.RLock()
	defer room.mutex.RUnlock()
	return len(room.clients)
}

func (room *relayRoom) stop() {
	close(room.quit)
}

func (room *relayRoom) run() {
	for {
		select {
		case <-room.quit:
			return
		case conn := <-room.register:
			room.mutex.Lock()
			room.clients[conn] = true
			room.mutex.Unlock()
		case conn := <-room.unregister:
			room.mutex.Lock()
			if _, exists := room.clients[conn]; exists {
				delete(room.clients, conn)
				close(conn.send)
			}
			room.mutex.Unlock()
		case payload := <-room.broadcast:
			// fan out to every subscriber; a connection that cannot keep up is
			// dropped so it cannot backpressure the room
			room.mutex.Lock()
			for conn := range room.clients {
				select {
				case conn.send <- payload:
				default:
					close(conn.send)
					delete(room.clients, conn)
				}
			}
			room.mutex.Unlock()
		}
	}
}

// relayConn wraps one subscriber websocket with a buffered send queue.
type relayConn struct {
	room *relayRoom
	conn *websocket.Conn
	send chan []byte
	user string
}

func newRelayConn(room *relayRoom, conn *websocket.Conn, user string) *relayConn {
	return &relayConn{
		room: room,
		conn: conn,
		send: make(chan []byte, 256),
		user: user,
	}
}

// deliver queues an event for this one connection (error replies), dropping
// it if the connection is saturated.
func (c *relayConn) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *relayConn) readPump(s *Server, roomKey string) {
	defer func() {
		c.room.unregister <- c
		c.conn.Close()
		s.hub.deleteRoomIfEmpty(roomKey)
		s.metrics.DecConn()
		s.sendLimiter.Forget(c.user)
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			// normal close or read error; deferred cleanup runs
			break
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		ev.Room = roomKey
		s.handleInbound(c, ev)
	}
}

func (c *relayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
