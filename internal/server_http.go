package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

// RelayStore is the durable storage the relay persists into. The SQLite
// store in internal/storage implements it.
type RelayStore interface {
	EnsureRoom(ctx context.Context, room string) error
	RoomExists(ctx context.Context, room string) (bool, error)

	InsertMessage(ctx context.Context, m Message) (bool, error)
	MessageByID(ctx context.Context, room, id string) (*Message, error)
	MessageByCorrelation(ctx context.Context, room, correlationID string) (*Message, error)
	DeleteMessage(ctx context.Context, room, id string) error
	MessagesBefore(ctx context.Context, room string, before *MessageKey, limit int) ([]Message, error)

	UpsertReadPointer(ctx context.Context, room, user string, key MessageKey, at time.Time) (bool, error)
	ReadPointers(ctx context.Context, room string) (map[string]MessageKey, error)
	UpsertTyping(ctx context.Context, room, user string, expiresAt time.Time) error
	ClearTyping(ctx context.Context, room, user string) error
	ActiveTypers(ctx context.Context, room string, now time.Time) ([]string, error)
}

const (
	sendLimitBurst  = 10
	sendLimitWindow = 3 * time.Second
	storeTimeout    = 5 * time.Second
)

// Server hosts the relay: the websocket event stream plus the REST history
// and room endpoints.
type Server struct {
	hub         *Hub
	store       RelayStore
	metrics     *Metrics
	sendLimiter *RateLimiter
}

func NewServer(store RelayStore) *Server {
	return &Server{
		hub:         NewHub(),
		store:       store,
		metrics:     NewMetrics(),
		sendLimiter: NewRateLimiter(sendLimitBurst, sendLimitWindow),
	}
}

// Router wires every relay route behind CORS.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/events", s.HandleEvents)
	router.HandleFunc("/exists", s.HandleRoomExists).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{room}", s.HandleEnsureRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{room}/messages", s.HandleHistory).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	return cors.AllowAll().Handler(router)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// development default; tighten when exposed publicly
		return true
	},
}

// HandleEvents upgrades to a websocket and attaches the connection to the
// requested room's fan-out loop. The room must already exist.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	user := r.URL.Query().Get("user")
	if roomKey == "" || user == "" {
		http.Error(w, "missing room or user query param", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	exists, err := s.store.RoomExists(ctx, roomKey)
	cancel()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade error: %v", err)
		return
	}

	room := s.hub.getOrCreateRoom(roomKey)
	rc := newRelayConn(room, conn, user)
	select {
	case room.register <- rc:
	case <-room.quit:
		_ = conn.Close()
		return
	}
	s.metrics.IncConn()

	go rc.writePump()
	go rc.readPump(s, roomKey)
	go s.seedConn(rc, roomKey)
}

// seedConn replays the stored read pointers and the still-active typing set
// to a freshly attached connection, so a late joiner is not blind until new
// events happen to arrive.
func (s *Server) seedConn(c *relayConn, roomKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	pointers, err := s.store.ReadPointers(ctx, roomKey)
	if err != nil {
		log.Printf("relay: seed read pointers for %s: %v", roomKey, err)
	}
	for user, key := range pointers {
		c.deliver(Event{Type: EventReadPointer, Room: roomKey, Read: &ReadSignal{
			User: user, Key: key, At: time.Now().UnixMilli(),
		}})
	}

	typers, err := s.store.ActiveTypers(ctx, roomKey, time.Now())
	if err != nil {
		log.Printf("relay: seed typing for %s: %v", roomKey, err)
	}
	for _, user := range typers {
		if user == c.user {
			continue
		}
		c.deliver(Event{Type: EventTyping, Room: roomKey, Typing: &TypingSignal{
			User: user, Active: true, At: time.Now().UnixMilli(),
		}})
	}
}

// handleInbound persists a client write and echoes the authoritative result
// to every subscriber, the sender included. That echo is what collapses the
// sender's optimistic entry.
func (s *Server) handleInbound(c *relayConn, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch ev.Type {
	case EventMessageInsert:
		s.handleInsert(ctx, c, ev)
	case EventMessageDelete:
		s.handleDelete(ctx, c, ev)
	case EventTyping:
		s.handleTyping(ctx, c, ev)
	case EventReadPointer:
		s.handleRead(ctx, c, ev)
	}
}

func (s *Server) handleInsert(ctx context.Context, c *relayConn, ev Event) {
	if ev.Message == nil || ev.Message.Body == "" {
		return
	}
	msg := *ev.Message

	if !s.sendLimiter.Allow(c.user) {
		s.metrics.IncRejected()
		c.deliver(Event{Type: EventError, Room: ev.Room, Error: &ErrorSignal{
			Code:          ErrorCodeRateLimit,
			Message:       "sending too quickly, slow down",
			CorrelationID: msg.CorrelationID,
		}})
		return
	}

	// a replayed correlation id re-broadcasts the stored row instead of
	// inserting a duplicate
	if msg.CorrelationID != "" {
		stored, err := s.store.MessageByCorrelation(ctx, ev.Room, msg.CorrelationID)
		if err == nil && stored != nil {
			s.broadcast(Event{Type: EventMessageInsert, Room: ev.Room, Message: stored})
			return
		}
	}

	msg.ID = uuid.NewString()
	msg.Room = ev.Room
	msg.Sender = c.user
	msg.CreatedAt = time.Now().UnixMilli() // authoritative timestamp
	if _, err := s.store.InsertMessage(ctx, msg); err != nil {
		log.Printf("relay: insert message in %s: %v", ev.Room, err)
		c.deliver(Event{Type: EventError, Room: ev.Room, Error: &ErrorSignal{
			Code:          "store_error",
			Message:       "message not stored",
			CorrelationID: msg.CorrelationID,
		}})
		return
	}
	s.metrics.IncMessage()
	// a stored message implies the sender stopped typing
	_ = s.store.ClearTyping(ctx, ev.Room, c.user)
	s.broadcast(Event{Type: EventMessageInsert, Room: ev.Room, Message: &msg})
	s.broadcast(Event{Type: EventTyping, Room: ev.Room, Typing: &TypingSignal{
		User: c.user, Active: false, At: msg.CreatedAt,
	}})
}

func (s *Server) handleDelete(ctx context.Context, c *relayConn, ev Event) {
	if ev.MessageID == "" {
		return
	}
	stored, err := s.store.MessageByID(ctx, ev.Room, ev.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// replayed delete; already gone
			return
		}
		log.Printf("relay: lookup message %s: %v", ev.MessageID, err)
		return
	}
	if stored.Sender != c.user {
		s.metrics.IncRejected()
		c.deliver(Event{Type: EventError, Room: ev.Room, Error: &ErrorSignal{
			Code:    ErrorCodePermission,
			Message: "only the sender may delete a message",
		}})
		return
	}
	if err := s.store.DeleteMessage(ctx, ev.Room, ev.MessageID); err != nil {
		log.Printf("relay: delete message %s: %v", ev.MessageID, err)
		return
	}
	s.broadcast(Event{Type: EventMessageDelete, Room: ev.Room, MessageID: ev.MessageID})
}

func (s *Server) handleTyping(ctx context.Context, c *relayConn, ev Event) {
	if ev.Typing == nil {
		return
	}
	signal := *ev.Typing
	signal.User = c.user
	if signal.At == 0 {
		signal.At = time.Now().UnixMilli()
	}
	// best effort: typing persistence failures are logged, never surfaced
	var err error
	if signal.Active {
		err = s.store.UpsertTyping(ctx, ev.Room, c.user, time.Now().Add(TypingTTL))
	} else {
		err = s.store.ClearTyping(ctx, ev.Room, c.user)
	}
	if err != nil {
		log.Printf("relay: typing upsert in %s: %v", ev.Room, err)
	}
	s.broadcast(Event{Type: EventTyping, Room: ev.Room, Typing: &signal})
}

func (s *Server) handleRead(ctx context.Context, c *relayConn, ev Event) {
	if ev.Read == nil || ev.Read.Key.ID == "" {
		return
	}
	signal := *ev.Read
	signal.User = c.user
	if signal.At == 0 {
		signal.At = time.Now().UnixMilli()
	}
	updated, err := s.store.UpsertReadPointer(ctx, ev.Room, c.user, signal.Key, time.UnixMilli(signal.At))
	if err != nil {
		log.Printf("relay: read pointer in %s: %v", ev.Room, err)
		return
	}
	if !updated {
		// stale pointer, monotonicity holds; nothing to announce
		return
	}
	s.metrics.IncRead()
	s.broadcast(Event{Type: EventReadPointer, Room: ev.Room, Read: &signal})
}

func (s *Server) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	room := s.hub.getOrCreateRoom(ev.Room)
	select {
	case room.broadcast <- payload:
		s.metrics.IncFanout()
	case <-room.quit:
	}
}

// HandleRoomExists answers whether a room is known to the store.
func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	exists, err := s.store.RoomExists(r.Context(), room)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if exists {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

// HandleEnsureRoom creates the room if needed; idempotent.
func (s *Server) HandleEnsureRoom(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	if err := s.store.EnsureRoom(r.Context(), room); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// historyPage is the JSON shape of one keyset page, newest first. A null
// next cursor means history is exhausted.
type historyPage struct {
	Messages []Message   `json:"messages"`
	Next     *MessageKey `json:"next,omitempty"`
}

// HandleHistory serves keyset-paged history. The cursor is the last-seen
// (created_at, id) pair, never a numeric offset: offsets skip or duplicate
// rows when inserts land ahead of the page window.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	exists, err := s.store.RoomExists(r.Context(), room)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	limit := DefaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	var before *MessageKey
	if rawID := r.URL.Query().Get("before_id"); rawID != "" {
		rawTs := r.URL.Query().Get("before_ts")
		ts, err := strconv.ParseInt(rawTs, 10, 64)
		if err != nil {
			http.Error(w, "invalid before_ts", http.StatusBadRequest)
			return
		}
		before = &MessageKey{CreatedAt: ts, ID: rawID}
	}

	messages, err := s.store.MessagesBefore(r.Context(), room, before, limit)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	page := historyPage{Messages: messages}
	if len(messages) == limit {
		oldest := messages[len(messages)-1].Key()
		page.Next = &oldest
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

// MetricsHandler exposes the relay counters.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}
