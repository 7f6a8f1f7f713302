package internal

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// RoomState is the per-room lifecycle. Transient subscription trouble while
// Live is retried without a visible state flap.
type RoomState int32

const (
	RoomClosed RoomState = iota
	RoomOpening
	RoomLoading
	RoomLive
)

func (s RoomState) String() string {
	switch s {
	case RoomOpening:
		return "opening"
	case RoomLoading:
		return "loading"
	case RoomLive:
		return "live"
	default:
		return "closed"
	}
}

// Handlers receive merged state snapshots for one subscribed room. All
// callbacks fire from that room's worker goroutine; after the unsubscribe
// commits none of them fire again.
type Handlers struct {
	OnMessages     func([]Message)
	OnTyping       func([]string)
	OnReadReceipts func(map[string]MessageKey)

	// OnDegraded fires once the subscription retry budget is exhausted. The
	// room stays Live on last-known state.
	OnDegraded func(error)
}

// Options tune the engine; zero values fall back to defaults.
type Options struct {
	PageSize    int
	EchoTimeout time.Duration // Pending -> Failed window
	RetryBudget int           // resubscribe attempts before degrading
	RetryBase   time.Duration
	RetryMax    time.Duration
	TickEvery   time.Duration // pending/typing re-evaluation cadence
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.EchoTimeout <= 0 {
		o.EchoTimeout = 10 * time.Second
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 6
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 250 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 8 * time.Second
	}
	if o.TickEvery <= 0 {
		o.TickEvery = 500 * time.Millisecond
	}
	return o
}

// Controller is the facade the UI layer talks to. It composes the session
// manager, typing tracker, read-receipt aggregator, and history loader per
// room, and multiplexes callbacks back to the caller. Collaborators are
// injected so tests can substitute fakes per room session.
type Controller struct {
	bus      EventBus
	loader   *HistoryLoader
	identity IdentityProvider
	opts     Options

	mu    sync.Mutex
	rooms map[string]*roomWorker
}

func NewController(bus EventBus, store HistoryStore, identity IdentityProvider, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		bus:      bus,
		loader:   NewHistoryLoader(store, opts.PageSize),
		identity: identity,
		opts:     opts,
		rooms:    make(map[string]*roomWorker),
	}
}

// SubscribeRoom opens the room, seeds it from history, hooks the live event
// streams, and returns an unsubscribe func. Fails with ErrNotFound when the
// room does not exist and ErrTransientIO when storage keeps failing.
func (c *Controller) SubscribeRoom(ctx context.Context, room string, h Handlers) (func(), error) {
	c.mu.Lock()
	if _, exists := c.rooms[room]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", room, ErrConflict)
	}
	w := newRoomWorker(c, room, c.identity.UserID(), h)
	c.rooms[room] = w
	c.mu.Unlock()

	if err := w.open(ctx); err != nil {
		c.removeWorker(room, w)
		return nil, err
	}
	return func() { c.closeRoom(room) }, nil
}

// SendMessage appends an optimistic message and hands the write to the bus.
// Fire and forget: completion or failure shows up through OnMessages.
func (c *Controller) SendMessage(room, body string) (string, error) {
	w := c.worker(room)
	if w == nil {
		return "", fmt.Errorf("send to %s: %w", room, ErrClosed)
	}
	return w.send(body)
}

// RetryMessage reissues a Failed optimistic send under a new correlation id.
func (c *Controller) RetryMessage(room, correlationID string) error {
	w := c.worker(room)
	if w == nil {
		return fmt.Errorf("retry in %s: %w", room, ErrClosed)
	}
	w.retry(correlationID)
	return nil
}

// SetTyping refreshes the local user's typing signal and arms the idle
// auto-clear. Failures are logged, never surfaced.
func (c *Controller) SetTyping(room string) {
	if w := c.worker(room); w != nil {
		w.setTyping()
	}
}

// ClearTyping explicitly withdraws the local typing signal.
func (c *Controller) ClearTyping(room string) {
	if w := c.worker(room); w != nil {
		w.clearTyping()
	}
}

// MarkRead advances the local user's read pointer to the given message.
// Stale calls (older than the stored pointer) are ignored.
func (c *Controller) MarkRead(room, messageID string) {
	if w := c.worker(room); w != nil {
		w.markRead(messageID)
	}
}

// LoadOlder fetches the next older history page and merges it into the front
// of the session's list. Blocking for the caller, but the room's live event
// loop keeps running while the fetch is in flight.
func (c *Controller) LoadOlder(ctx context.Context, room string) error {
	w := c.worker(room)
	if w == nil {
		return fmt.Errorf("load older in %s: %w", room, ErrClosed)
	}
	return w.loadOlder(ctx)
}

// RoomState reports the lifecycle state for introspection and tests.
func (c *Controller) RoomState(room string) RoomState {
	if w := c.worker(room); w != nil {
		return RoomState(w.state.Load())
	}
	return RoomClosed
}

// Close tears down every open room.
func (c *Controller) Close() {
	c.mu.Lock()
	workers := make([]*roomWorker, 0, len(c.rooms))
	for _, w := range c.rooms {
		workers = append(workers, w)
	}
	c.rooms = make(map[string]*roomWorker)
	c.mu.Unlock()
	for _, w := range workers {
		w.close()
	}
}

func (c *Controller) worker(room string) *roomWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

func (c *Controller) closeRoom(room string) {
	c.mu.Lock()
	w := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	if w != nil {
		w.close()
	}
}

func (c *Controller) removeWorker(room string, w *roomWorker) {
	c.mu.Lock()
	if c.rooms[room] == w {
		delete(c.rooms, room)
	}
	c.mu.Unlock()
}

// roomWorker is one room's serialization domain: a single goroutine applies
// every mutation, so the session list never sees concurrent writers.
type roomWorker struct {
	ctrl *Controller
	room string
	self string
	h    Handlers

	session  *RoomSession
	typing   *TypingTracker
	receipts *ReadReceipts

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	state     atomic.Int32

	sub    *Subscription
	events <-chan Event // nil while degraded; nil channel blocks forever

	typingIdleAt time.Time // zero when no local typing signal is armed
	loadingOlder bool
	lastTyping   []string
}

func newRoomWorker(c *Controller, room, self string, h Handlers) *roomWorker {
	return &roomWorker{
		ctrl:     c,
		room:     room,
		self:     self,
		h:        h,
		session:  NewRoomSession(room, self),
		typing:   NewTypingTracker(),
		receipts: NewReadReceipts(),
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
	}
}

// open runs Opening -> Loading -> Live: subscribe first so no event falls in
// the gap between the initial page and the live stream, then seed from
// history.
func (w *roomWorker) open(ctx context.Context) error {
	w.state.Store(int32(RoomOpening))

	exists, err := w.ctrl.loader.store.RoomExists(ctx, w.room)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.room, err)
	}
	if !exists {
		return fmt.Errorf("open %s: %w", w.room, ErrNotFound)
	}

	sub, err := w.ctrl.bus.Subscribe(ctx, w.room)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.room, err)
	}
	w.sub = sub
	w.events = sub.Events()
	w.state.Store(int32(RoomLoading))

	page, next, err := w.loadFirstPage(ctx)
	if err != nil {
		sub.Close()
		return err
	}
	w.session.Seed(page, next)
	w.state.Store(int32(RoomLive))

	// deliver the seeded snapshot before the loop owns the session
	w.emitMessages()
	go w.run()
	return nil
}

// loadFirstPage retries transient storage failures within the retry budget.
func (w *roomWorker) loadFirstPage(ctx context.Context) ([]Message, *MessageKey, error) {
	var lastErr error
	for attempt := 0; attempt < w.ctrl.opts.RetryBudget; attempt++ {
		page, next, err := w.ctrl.loader.LoadPage(ctx, w.room, nil)
		if err == nil {
			return page, next, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, nil, err
		}
		select {
		case <-time.After(w.backoff(attempt)):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, lastErr
}

func (w *roomWorker) run() {
	ticker := time.NewTicker(w.ctrl.opts.TickEvery)
	defer func() {
		ticker.Stop()
		w.session.Close()
		w.typing.ClearRoom(w.room)
		w.receipts.ClearRoom(w.room)
	}()
	for {
		select {
		case <-w.done:
			return
		case fn := <-w.cmds:
			fn()
		case ev, ok := <-w.events:
			if !ok {
				w.resubscribe()
				continue
			}
			w.apply(ev)
		case now := <-ticker.C:
			w.tick(now)
		}
	}
}

// do schedules fn on the worker loop; returns false once the room is closed.
func (w *roomWorker) do(fn func()) bool {
	select {
	case w.cmds <- fn:
		return true
	case <-w.done:
		return false
	}
}

// close commits synchronously: the closed flag flips before the loop stops,
// so an event already in flight can no longer reach a handler. The session
// state itself is torn down by the loop goroutine on exit.
func (w *roomWorker) close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.state.Store(int32(RoomClosed))
		close(w.done)
		if w.sub != nil {
			w.sub.Close()
		}
	})
}

func (w *roomWorker) apply(ev Event) {
	if w.closed.Load() || ev.Room != w.room {
		return
	}
	switch ev.Type {
	case EventMessageInsert, EventMessageUpdate:
		if ev.Message == nil {
			return
		}
		if w.session.ApplyInsert(*ev.Message) {
			// a confirmed message supersedes its sender's typing signal
			w.typing.Clear(w.room, ev.Message.Sender)
			w.emitMessages()
			w.emitTyping()
		}
	case EventMessageDelete:
		if w.session.ApplyDelete(ev.MessageID) {
			w.emitMessages()
		}
	case EventTyping:
		if ev.Typing == nil {
			return
		}
		if ev.Typing.Active {
			w.typing.Set(w.room, ev.Typing.User, time.Now())
		} else {
			w.typing.Clear(w.room, ev.Typing.User)
		}
		w.emitTyping()
	case EventReadPointer:
		if ev.Read == nil {
			return
		}
		if w.receipts.Mark(w.room, ev.Read.User, ev.Read.Key) {
			w.emitReceipts()
		}
	case EventError:
		if ev.Error == nil {
			return
		}
		log.Printf("roomsync: relay rejected write in %s: %s (%s)", w.room, ev.Error.Message, ev.Error.Code)
		if ev.Error.CorrelationID != "" && w.session.FailPending(ev.Error.CorrelationID) {
			w.emitMessages()
		}
	}
}

func (w *roomWorker) tick(now time.Time) {
	if w.session.ExpirePending(now) {
		w.emitMessages()
	}
	// remote typing entries expire purely by clock; re-evaluate on a timer so
	// the set shrinks even when no event ever arrives
	w.emitTyping()
	if !w.typingIdleAt.IsZero() && now.After(w.typingIdleAt) {
		w.typingIdleAt = time.Time{}
		w.publishTyping(false)
	}
}

// resubscribe re-attaches the live stream after a transport failure, then
// re-fetches the current page window and reconciles: the dropped interval
// may have lost events.
func (w *roomWorker) resubscribe() {
	w.events = nil
	var lastErr error
	for attempt := 0; attempt < w.ctrl.opts.RetryBudget; attempt++ {
		if !w.waitBackoff(attempt) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sub, err := w.ctrl.bus.Subscribe(ctx, w.room)
		if err == nil {
			w.sub = sub
			w.events = sub.Events()
			w.resync(ctx)
			cancel()
			return
		}
		cancel()
		lastErr = err
	}
	// budget exhausted: stay Live on last known state, surface the signal once
	log.Printf("roomsync: subscription to %s degraded: %v", w.room, lastErr)
	if w.h.OnDegraded != nil && !w.closed.Load() {
		w.h.OnDegraded(fmt.Errorf("room %s degraded: %w", w.room, ErrTransientIO))
	}
}

// waitBackoff sleeps out one backoff interval while still serving queued
// commands, so SendMessage and friends return after the optimistic append
// instead of stalling behind the reconnect. False means the room closed.
func (w *roomWorker) waitBackoff(attempt int) bool {
	timer := time.NewTimer(w.backoff(attempt))
	defer timer.Stop()
	for {
		select {
		case <-w.done:
			return false
		case fn := <-w.cmds:
			fn()
		case <-timer.C:
			return true
		}
	}
}

func (w *roomWorker) resync(ctx context.Context) {
	page, _, err := w.ctrl.loader.LoadPage(ctx, w.room, nil)
	if err != nil {
		log.Printf("roomsync: resync %s: %v", w.room, err)
		return
	}
	changed := false
	for _, m := range page {
		if w.session.ApplyInsert(m) {
			changed = true
		}
	}
	if changed {
		w.emitMessages()
	}
}

func (w *roomWorker) backoff(attempt int) time.Duration {
	d := w.ctrl.opts.RetryBase << attempt
	if d > w.ctrl.opts.RetryMax {
		d = w.ctrl.opts.RetryMax
	}
	// jitter keeps reconnect herds apart
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (w *roomWorker) send(body string) (string, error) {
	result := make(chan Message, 1)
	ok := w.do(func() {
		msg := w.session.Send(body, time.Now(), w.ctrl.opts.EchoTimeout)
		w.emitMessages()
		// sending a message withdraws the typing signal
		w.typingIdleAt = time.Time{}
		w.publishTyping(false)
		w.publishInsert(msg)
		result <- msg
	})
	if !ok {
		return "", fmt.Errorf("send to %s: %w", w.room, ErrClosed)
	}
	select {
	case msg := <-result:
		return msg.CorrelationID, nil
	case <-w.done:
		return "", fmt.Errorf("send to %s: %w", w.room, ErrClosed)
	}
}

func (w *roomWorker) retry(correlationID string) {
	w.do(func() {
		msg, ok := w.session.Retry(correlationID, time.Now(), w.ctrl.opts.EchoTimeout)
		if !ok {
			return
		}
		w.emitMessages()
		w.publishInsert(msg)
	})
}

func (w *roomWorker) publishInsert(msg Message) {
	ev := Event{Type: EventMessageInsert, Room: w.room, Message: &msg}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.ctrl.bus.Publish(ctx, ev); err != nil {
			log.Printf("roomsync: publish send to %s: %v", w.room, err)
			w.do(func() {
				if w.session.FailPending(msg.CorrelationID) {
					w.emitMessages()
				}
			})
		}
	}()
}

func (w *roomWorker) setTyping() {
	w.do(func() {
		w.typingIdleAt = time.Now().Add(TypingIdleTimeout)
		w.publishTyping(true)
	})
}

func (w *roomWorker) clearTyping() {
	w.do(func() {
		w.typingIdleAt = time.Time{}
		w.publishTyping(false)
	})
}

func (w *roomWorker) publishTyping(active bool) {
	ev := Event{
		Type: EventTyping,
		Room: w.room,
		Typing: &TypingSignal{
			User:   w.self,
			Active: active,
			At:     time.Now().UnixMilli(),
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.ctrl.bus.Publish(ctx, ev); err != nil {
			log.Printf("roomsync: publish typing to %s: %v", w.room, err)
		}
	}()
}

func (w *roomWorker) markRead(messageID string) {
	w.do(func() {
		msg, ok := w.session.Find(messageID)
		if !ok {
			return
		}
		key := msg.Key()
		if !w.receipts.Mark(w.room, w.self, key) {
			return // stale pointer, nothing to publish
		}
		w.emitReceipts()
		ev := Event{
			Type: EventReadPointer,
			Room: w.room,
			Read: &ReadSignal{User: w.self, Key: key, At: time.Now().UnixMilli()},
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.ctrl.bus.Publish(ctx, ev); err != nil {
				log.Printf("roomsync: publish read pointer to %s: %v", w.room, err)
			}
		}()
	})
}

func (w *roomWorker) loadOlder(ctx context.Context) error {
	type cursorReply struct {
		cursor  *MessageKey
		hasMore bool
		busy    bool
	}
	replyCh := make(chan cursorReply, 1)
	ok := w.do(func() {
		cursor, hasMore := w.session.Cursor()
		reply := cursorReply{cursor: cursor, hasMore: hasMore, busy: w.loadingOlder}
		if hasMore && !w.loadingOlder {
			w.loadingOlder = true
		}
		replyCh <- reply
	})
	if !ok {
		return fmt.Errorf("load older in %s: %w", w.room, ErrClosed)
	}
	var reply cursorReply
	select {
	case reply = <-replyCh:
	case <-w.done:
		return fmt.Errorf("load older in %s: %w", w.room, ErrClosed)
	}
	if !reply.hasMore || reply.busy {
		return nil
	}

	page, next, err := w.ctrl.loader.LoadPage(ctx, w.room, reply.cursor)
	done := make(chan struct{})
	merged := w.do(func() {
		defer close(done)
		w.loadingOlder = false
		if err != nil {
			return
		}
		if w.session.MergeOlder(page, next) > 0 {
			w.emitMessages()
		}
	})
	if merged {
		select {
		case <-done:
		case <-w.done:
		}
	}
	if err != nil {
		return fmt.Errorf("load older in %s: %w", w.room, err)
	}
	return nil
}

func (w *roomWorker) emitMessages() {
	if w.closed.Load() || w.h.OnMessages == nil {
		return
	}
	w.h.OnMessages(w.session.Messages())
}

func (w *roomWorker) emitTyping() {
	if w.closed.Load() || w.h.OnTyping == nil {
		return
	}
	active := w.typing.Active(w.room, w.self, time.Now())
	if equalStrings(active, w.lastTyping) {
		return
	}
	w.lastTyping = active
	w.h.OnTyping(active)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (w *roomWorker) emitReceipts() {
	if w.closed.Load() || w.h.OnReadReceipts == nil {
		return
	}
	w.h.OnReadReceipts(w.receipts.Snapshot(w.room))
}
