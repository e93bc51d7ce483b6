// Package hub fans room events out to local subscribers. Each room with at
// least one local subscriber holds one transport feed and one goroutine that
// decodes events and delivers them in feed order.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/npezzotti/go-chatsync/internal/pubsub"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"go.uber.org/zap"
)

const subscriberBufferSize = 256

var (
	ErrSlowSubscriber = errors.New("subscriber fell behind and was dropped")
	ErrHubClosed      = errors.New("hub closed")
)

type State int32

const (
	Unsubscribed State = iota
	Subscribing
	Active
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return "unsubscribed"
	}
}

// Publisher is the write side of the hub used by the engine services.
type Publisher interface {
	Publish(ctx context.Context, roomId string, ev Event) error
}

type RoomHub struct {
	transport pubsub.Transport
	stats     stats.StatsProvider
	log       *zap.SugaredLogger

	// ctx scopes transport feeds, which outlive the Subscribe call that
	// opened them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool

	nextId atomic.Uint64
}

func NewRoomHub(transport pubsub.Transport, stats stats.StatsProvider, logger *zap.Logger) *RoomHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomHub{
		transport: transport,
		stats:     stats,
		log:       logger.Sugar().With("component", "hub"),
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[string]*room),
	}
}

type room struct {
	id  string
	hub *RoomHub

	ready chan struct{}
	feed  pubsub.Feed
	err   error

	mu       sync.Mutex
	subs     map[uint64]*Subscription
	released bool
}

// Subscription is one listener on one room.
type Subscription struct {
	id     uint64
	roomId string
	hub    *RoomHub
	events chan RoomEvent
	state  atomic.Int32

	room *room
	once sync.Once
	err  error
}

func (s *Subscription) RoomId() string { return s.roomId }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan RoomEvent { return s.events }

func (s *Subscription) State() State { return State(s.state.Load()) }

// Err reports why the hub ended the subscription. It is nil after a caller
// initiated Unsubscribe.
func (s *Subscription) Err() error {
	if r := s.room; r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return s.err
}

// Unsubscribe is safe to call more than once and from any goroutine. No
// event is delivered after it returns.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.room != nil {
			s.hub.detach(s.room, s, nil)
		}
		s.state.Store(int32(Unsubscribed))
	})
}

// getRoom returns the room for id, creating and opening it if needed.
func (h *RoomHub) getRoom(id string) (*room, error) {
	h.mu.RLock()
	r, ok := h.rooms[id]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrHubClosed
	}
	if ok {
		return r, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}

	r = &room{
		id:    id,
		hub:   h,
		ready: make(chan struct{}),
		subs:  make(map[uint64]*Subscription),
	}
	h.rooms[id] = r
	go r.open()

	return r, nil
}

func (r *room) open() {
	feed, err := r.hub.transport.Subscribe(r.hub.ctx, r.id)
	r.feed, r.err = feed, err
	close(r.ready)

	if err != nil {
		r.hub.log.Errorw("failed to open room feed", "room_id", r.id, "error", err)
		r.hub.dropRoom(r)
		return
	}

	r.hub.stats.Incr(stats.ActiveRooms)
	r.start()
}

// start delivers feed messages until the feed closes.
func (r *room) start() {
	r.hub.log.Debugw("starting room", "room_id", r.id)
	defer r.hub.stats.Decr(stats.ActiveRooms)

	for data := range r.feed.Messages() {
		var ev RoomEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			r.hub.log.Warnw("dropping malformed event", "room_id", r.id, "error", err)
			continue
		}
		if ev.RoomId == "" {
			ev.RoomId = r.id
		}
		r.broadcast(ev)
	}

	r.hub.log.Debugw("room stopped", "room_id", r.id)
}

func (r *room) broadcast(ev RoomEvent) {
	var slow []*Subscription

	r.mu.Lock()
	for _, sub := range r.subs {
		select {
		case sub.events <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range slow {
		r.hub.log.Warnw("dropping slow subscriber", "room_id", r.id, "subscription", sub.id)
		r.hub.stats.Incr(stats.SlowSubscribersDropped)
		r.hub.detach(r, sub, ErrSlowSubscriber)
	}
}

// detach removes sub, if non-nil, from r and releases the room when it
// empties. Lock order is hub then room.
func (h *RoomHub) detach(r *room, sub *Subscription, cause error) {
	var feed pubsub.Feed

	h.mu.Lock()
	r.mu.Lock()
	if sub != nil && r.subs[sub.id] == sub {
		delete(r.subs, sub.id)
		sub.err = cause
		drain(sub.events)
		close(sub.events)
		sub.state.Store(int32(Unsubscribed))
		h.stats.Decr(stats.ActiveSubscriptions)
	}
	if len(r.subs) == 0 && !r.released {
		r.released = true
		if h.rooms[r.id] == r {
			delete(h.rooms, r.id)
		}
		feed = r.feed
	}
	r.mu.Unlock()
	h.mu.Unlock()

	if feed != nil {
		if err := feed.Close(); err != nil {
			h.log.Warnw("failed to close room feed", "room_id", r.id, "error", err)
		}
	}
}

func (h *RoomHub) releaseIfEmpty(r *room) {
	<-r.ready
	if r.err == nil {
		h.detach(r, nil, nil)
	}
}

func (h *RoomHub) dropRoom(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
}

func drain(ch chan RoomEvent) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Subscribe attaches a new listener to roomId. The room and its transport
// feed are created on first use.
func (h *RoomHub) Subscribe(ctx context.Context, roomId string) (*Subscription, error) {
	sub := &Subscription{
		id:     h.nextId.Add(1),
		roomId: roomId,
		hub:    h,
		events: make(chan RoomEvent, subscriberBufferSize),
	}
	sub.state.Store(int32(Subscribing))

	for {
		r, err := h.getRoom(roomId)
		if err != nil {
			sub.state.Store(int32(Unsubscribed))
			return nil, err
		}

		select {
		case <-r.ready:
		case <-ctx.Done():
			sub.state.Store(int32(Unsubscribed))
			go h.releaseIfEmpty(r)
			return nil, ctx.Err()
		}

		if r.err != nil {
			sub.state.Store(int32(Unsubscribed))
			return nil, r.err
		}

		r.mu.Lock()
		if r.released {
			// lost a race with the last unsubscribe; the room is already
			// gone from the map so the next attempt opens a fresh one
			r.mu.Unlock()
			continue
		}
		sub.room = r
		r.subs[sub.id] = sub
		sub.state.Store(int32(Active))
		r.mu.Unlock()

		h.stats.Incr(stats.ActiveSubscriptions)
		return sub, nil
	}
}

// Switch ends old, if any, before subscribing to roomId.
func (h *RoomHub) Switch(ctx context.Context, old *Subscription, roomId string) (*Subscription, error) {
	if old != nil {
		old.Unsubscribe()
	}
	return h.Subscribe(ctx, roomId)
}

// Publish sends ev to every subscriber of roomId on every instance sharing
// the transport.
func (h *RoomHub) Publish(ctx context.Context, roomId string, ev Event) error {
	data, err := json.Marshal(RoomEvent{RoomId: roomId, Event: ev})
	if err != nil {
		return err
	}

	if err := h.transport.Publish(ctx, roomId, data); err != nil {
		return err
	}

	h.stats.Incr(stats.EventsPublished)
	return nil
}

// BroadcastTyping is fire-and-forget; failures are only logged.
func (h *RoomHub) BroadcastTyping(ctx context.Context, roomId, userId, username string, isTyping bool) {
	err := h.Publish(ctx, roomId, Typing{UserId: userId, Username: username, IsTyping: isTyping})
	if err != nil {
		h.log.Debugw("typing broadcast failed", "room_id", roomId, "user_id", userId, "error", err)
	}
}

// Rooms returns the number of rooms with local subscribers.
func (h *RoomHub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close ends every subscription. The transport is left to its owner.
func (h *RoomHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, r := range h.rooms {
		r.mu.Lock()
		for _, s := range r.subs {
			subs = append(subs, s)
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.hub.detach(s.room, s, ErrHubClosed)
	}
	h.cancel()
}
