// Package wsclient speaks the chat websocket protocol and keeps an
// optimistic, reconciled view of the session's active room.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/reconcile"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

const feedBuffer = 64

var (
	ErrClosed = errors.New("session closed")
	ErrNoRoom = errors.New("no active room")
)

// ResponseError is a non-2xx response to a request.
type ResponseError struct {
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Message)
}

type response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error"`
	Data         json.RawMessage `json:"data"`
}

type frame struct {
	Id           int                  `json:"id"`
	Response     *response            `json:"response"`
	Event        *hub.RoomEvent       `json:"event"`
	Notification *server.Notification `json:"notification"`
}

// pendingJoin holds events of a room being joined until its history has
// loaded. The server subscribes before it fetches, so events can overtake the
// join response.
type pendingJoin struct {
	roomId string
	events []hub.RoomEvent
}

type Session struct {
	conn   *websocket.Conn
	log    *zap.SugaredLogger
	selfId string

	writeMu sync.Mutex

	mu      sync.Mutex
	nextId  int
	waiting map[int]chan *response
	view    *reconcile.View
	joining *pendingJoin

	events        chan hub.RoomEvent
	notifications chan server.Notification

	done     chan struct{}
	closeErr error
}

// Dial opens a session as selfId. The dialer carries the auth cookie, usually
// through its Jar.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, selfId string, logger *zap.Logger) (*Session, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{
		conn:          conn,
		log:           logger.Sugar().With("user_id", selfId),
		selfId:        selfId,
		waiting:       make(map[int]chan *response),
		events:        make(chan hub.RoomEvent, feedBuffer),
		notifications: make(chan server.Notification, feedBuffer),
		done:          make(chan struct{}),
	}
	go s.readLoop()

	return s, nil
}

// Events delivers room events after they were applied to the view. Events
// are dropped when the consumer falls behind.
func (s *Session) Events() <-chan hub.RoomEvent { return s.events }

func (s *Session) Notifications() <-chan server.Notification { return s.notifications }

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// View returns the active room view, or nil before Join.
func (s *Session) View() *reconcile.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) readLoop() {
	var err error
	defer func() { s.shutdown(err) }()

	for {
		var f frame
		if err = s.conn.ReadJSON(&f); err != nil {
			return
		}

		switch {
		case f.Response != nil:
			s.resolve(f.Id, f.Response)
		case f.Event != nil:
			s.route(*f.Event)
			select {
			case s.events <- *f.Event:
			default:
				s.log.Debugw("event dropped", "room_id", f.Event.RoomId)
			}
		case f.Notification != nil:
			if r := f.Notification.Resync; r != nil {
				s.log.Warnw("subscription dropped by server", "room_id", r.RoomId)
			}
			select {
			case s.notifications <- *f.Notification:
			default:
			}
		}
	}
}

// route applies ev to the active view, or holds it while its room is joining.
func (s *Session) route(ev hub.RoomEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j := s.joining; j != nil && j.roomId == ev.RoomId {
		j.events = append(j.events, ev)
		return
	}
	if s.view != nil {
		s.view.Apply(ev)
	}
}

func (s *Session) resolve(id int, r *response) {
	s.mu.Lock()
	ch, ok := s.waiting[id]
	delete(s.waiting, id)
	s.mu.Unlock()

	if !ok {
		if r.ResponseCode >= http.StatusBadRequest {
			s.log.Warnw("unsolicited error response", "code", r.ResponseCode, "error", r.Error)
		}
		return
	}
	ch <- r
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}
	s.closeErr = err
	s.waiting = make(map[int]chan *response)
	close(s.done)
}

// Err reports why the connection ended, nil for a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) write(msg server.ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// request sends msg and waits for its response.
func (s *Session) request(ctx context.Context, msg server.ClientMessage) (json.RawMessage, error) {
	ch := make(chan *response, 1)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	s.nextId++
	msg.Id = s.nextId
	s.waiting[msg.Id] = ch
	s.mu.Unlock()

	msg.Timestamp = server.Now()
	if err := s.write(msg); err != nil {
		s.forget(msg.Id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case r := <-ch:
		if r.ResponseCode >= http.StatusBadRequest {
			return nil, &ResponseError{Code: r.ResponseCode, Message: r.Error}
		}
		return r.Data, nil
	case <-ctx.Done():
		s.forget(msg.Id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *Session) forget(id int) {
	s.mu.Lock()
	delete(s.waiting, id)
	s.mu.Unlock()
}

// Join makes roomId the active room and loads its history into a fresh view.
// Events that arrive before the history are replayed on top of it.
func (s *Session) Join(ctx context.Context, roomId string) (*reconcile.View, error) {
	join := &pendingJoin{roomId: roomId}
	s.mu.Lock()
	s.joining = join
	s.mu.Unlock()

	data, err := s.request(ctx, server.ClientMessage{Join: &server.Join{RoomId: roomId}})
	if err == nil {
		var joined struct {
			RoomId   string          `json:"room_id"`
			Messages []types.Message `json:"messages"`
		}
		if err = json.Unmarshal(data, &joined); err != nil {
			err = fmt.Errorf("decode join response: %w", err)
		} else {
			return s.activate(join, joined.Messages), nil
		}
	}

	s.mu.Lock()
	if s.joining == join {
		s.joining = nil
	}
	s.mu.Unlock()
	return nil, err
}

func (s *Session) activate(join *pendingJoin, history []types.Message) *reconcile.View {
	view := reconcile.NewView(join.roomId, s.selfId)

	s.mu.Lock()
	defer s.mu.Unlock()

	view.Load(history)
	for _, ev := range join.events {
		view.Apply(ev)
	}
	if s.joining == join {
		s.joining = nil
	}
	s.view = view
	return view
}

func (s *Session) Leave(ctx context.Context) error {
	v := s.View()
	if v == nil {
		return ErrNoRoom
	}

	if _, err := s.request(ctx, server.ClientMessage{Leave: &server.Leave{RoomId: v.RoomId()}}); err != nil {
		return err
	}

	s.mu.Lock()
	if s.view == v {
		s.view = nil
	}
	s.mu.Unlock()
	return nil
}

// Send shows d in the view immediately and publishes it. The pending row is
// confirmed or removed before Send returns.
func (s *Session) Send(ctx context.Context, d reconcile.Draft) (types.Message, error) {
	v := s.View()
	if v == nil {
		return types.Message{}, ErrNoRoom
	}

	pending := v.AddPending(d)
	return reconcile.Send(ctx, v, pending, s.publish)
}

func (s *Session) publish(ctx context.Context, p types.Message) (types.Message, error) {
	data, err := s.request(ctx, server.ClientMessage{Publish: &server.Publish{
		RoomId:         p.RoomId,
		Content:        p.Content,
		AttachmentURL:  p.AttachmentURL,
		AttachmentType: p.AttachmentType,
		ReplyToId:      p.ReplyToId,
		ClientToken:    p.ClientToken,
	}})
	if err != nil {
		return types.Message{}, err
	}

	var sent struct {
		Message types.Message `json:"message"`
	}
	if err := json.Unmarshal(data, &sent); err != nil {
		return types.Message{}, fmt.Errorf("decode publish response: %w", err)
	}
	return sent.Message, nil
}

// MarkRead records receipts for ids in the active room.
func (s *Session) MarkRead(ctx context.Context, ids []int64) error {
	v := s.View()
	if v == nil {
		return ErrNoRoom
	}

	_, err := s.request(ctx, server.ClientMessage{Read: &server.Read{RoomId: v.RoomId(), MessageIds: ids}})
	return err
}

// Hide deletes ids for this user only.
func (s *Session) Hide(ctx context.Context, ids []int64) error {
	if _, err := s.request(ctx, server.ClientMessage{Hide: &server.Hide{MessageIds: ids}}); err != nil {
		return err
	}

	if v := s.View(); v != nil {
		for _, id := range ids {
			v.Hide(id)
		}
	}
	return nil
}

// Purge deletes one of the user's own messages for everyone. The view
// drops it when the Delete event arrives.
func (s *Session) Purge(ctx context.Context, id int64) error {
	_, err := s.request(ctx, server.ClientMessage{Purge: &server.Purge{MessageId: id}})
	return err
}

// Typing is fire and forget; the server does not answer it.
func (s *Session) Typing(isTyping bool) error {
	v := s.View()
	if v == nil {
		return ErrNoRoom
	}

	return s.write(server.ClientMessage{
		BaseMessage: server.BaseMessage{Timestamp: server.Now()},
		Typing:      &server.Typing{RoomId: v.RoomId(), IsTyping: isTyping},
	})
}

// Close sends a close frame and releases the connection.
func (s *Session) Close() error {
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
