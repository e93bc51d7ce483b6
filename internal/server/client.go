package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.SugaredLogger
	user       types.User
	send       chan *ServerMessage
	limiter    *rate.Limiter

	// ctx is cancelled when the client stops; it scopes every engine call
	// made on the client's behalf.
	ctx    context.Context
	cancel context.CancelFunc

	subLock  sync.Mutex
	sub      *hub.Subscription
	storySub *hub.Subscription

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        cs.log.With("user_id", user.Id),
		user:       user,
		send:       make(chan *ServerMessage, sendBufferSize),
		limiter:    rate.NewLimiter(cs.msgRate, cs.msgBurst),
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.stopClient()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Errorw("failed to serialize message", "error", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.subscribeStories()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warnw("unexpected close", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debugw("error parsing message", "error", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		if !c.limiter.Allow() {
			c.queueMessage(ErrTooManyRequests(msg.Id))
			continue
		}

		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		if resp := c.handle(&msg); resp != nil && !c.deliver(resp) {
			return
		}
	}
}

// handle runs one client request and returns its response.
func (c *Client) handle(msg *ClientMessage) *ServerMessage {
	ctx := c.ctx

	switch {
	case msg.Join != nil:
		return c.joinRoom(ctx, msg)
	case msg.Leave != nil:
		return c.leaveRoom(msg)
	case msg.Publish != nil:
		return c.publish(ctx, msg)
	case msg.Read != nil:
		if err := c.chatServer.ledger.MarkRead(ctx, c.user.Id, msg.Read.MessageIds); err != nil {
			return ErrFromError(msg.Id, err)
		}
		return NoErrOK(msg.Id, nil)
	case msg.Typing != nil:
		if !c.isActive(msg.Typing.RoomId) {
			return ErrNotSubscribed(msg.Id)
		}
		c.chatServer.hub.BroadcastTyping(ctx, msg.Typing.RoomId, c.user.Id, c.user.Username, msg.Typing.IsTyping)
		return nil
	case msg.Hide != nil:
		if err := c.chatServer.pipeline.HideManyForUser(ctx, msg.Hide.MessageIds, c.user.Id); err != nil {
			return ErrFromError(msg.Id, err)
		}
		return NoErrOK(msg.Id, nil)
	case msg.Purge != nil:
		if err := c.chatServer.pipeline.PurgeForAll(ctx, msg.Purge.MessageId, c.user.Id); err != nil {
			return ErrFromError(msg.Id, err)
		}
		return NoErrOK(msg.Id, nil)
	default:
		return ErrInvalidMessage(msg.Id)
	}
}

func (c *Client) joinRoom(ctx context.Context, msg *ClientMessage) *ServerMessage {
	roomId := msg.Join.RoomId
	if err := c.chatServer.rooms.CheckAccess(ctx, roomId, c.user.Id); err != nil {
		return ErrFromError(msg.Id, err)
	}

	c.subLock.Lock()
	if c.sub == nil || c.sub.RoomId() != roomId || c.sub.State() != hub.Active {
		sub, err := c.chatServer.hub.Switch(ctx, c.sub, roomId)
		if err != nil {
			c.sub = nil
			c.subLock.Unlock()
			c.log.Errorw("subscribe failed", "room_id", roomId, "error", err)
			return ErrServiceUnavailable(msg.Id)
		}
		c.sub = sub
		go c.forward(sub)
	}
	c.subLock.Unlock()

	history, err := c.chatServer.store.FetchRoom(ctx, roomId, c.user.Id, 0)
	if err != nil {
		return ErrFromError(msg.Id, err)
	}

	return NoErrOK(msg.Id, map[string]any{
		"room_id":  roomId,
		"messages": history,
	})
}

func (c *Client) leaveRoom(msg *ClientMessage) *ServerMessage {
	c.subLock.Lock()
	defer c.subLock.Unlock()

	if c.sub == nil || c.sub.RoomId() != msg.Leave.RoomId {
		return ErrNotSubscribed(msg.Id)
	}
	c.sub.Unsubscribe()
	c.sub = nil
	return NoErrOK(msg.Id, nil)
}

func (c *Client) publish(ctx context.Context, msg *ClientMessage) *ServerMessage {
	p := msg.Publish
	sent, err := c.chatServer.store.Send(ctx, chat.SendParams{
		RoomId:         p.RoomId,
		AuthorId:       c.user.Id,
		Content:        p.Content,
		AttachmentURL:  p.AttachmentURL,
		AttachmentType: p.AttachmentType,
		ReplyToId:      p.ReplyToId,
		ClientToken:    p.ClientToken,
	})
	if err != nil {
		return ErrFromError(msg.Id, err)
	}
	return NoErrOK(msg.Id, map[string]any{"message": sent})
}

func (c *Client) isActive(roomId string) bool {
	c.subLock.Lock()
	defer c.subLock.Unlock()
	return c.sub != nil && c.sub.RoomId() == roomId && c.sub.State() == hub.Active
}

// forward relays a subscription's events until it ends. It waits for room
// in the send buffer, so a stalled connection backs up into the subscription
// until the hub drops it; the client is then told to rejoin.
func (c *Client) forward(sub *hub.Subscription) {
	for ev := range sub.Events() {
		if !c.deliver(EventMessage(ev)) {
			return
		}
	}

	if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
		c.log.Warnw("subscription dropped", "room_id", sub.RoomId())
		c.subLock.Lock()
		if c.sub == sub {
			c.sub = nil
		}
		c.subLock.Unlock()
		c.deliver(ResyncNotification(sub.RoomId()))
	}
}

// subscribeStories delivers views of the user's own stories.
func (c *Client) subscribeStories() {
	sub, err := c.chatServer.hub.Subscribe(c.ctx, hub.StoryTopic(c.user.Id))
	if err != nil {
		c.log.Warnw("story subscription failed", "error", err)
		return
	}

	c.subLock.Lock()
	c.storySub = sub
	c.subLock.Unlock()
	go c.forward(sub)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warnw("failed to send message to client, channel is full")
		return false
	}

	return true
}

// deliver queues msg, waiting while the buffer is full. It reports false
// once the client has stopped.
func (c *Client) deliver(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.stop:
		return false
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Debugw("write message", "error", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		c.cancel()
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.subLock.Lock()
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.storySub != nil {
		c.storySub.Unsubscribe()
		c.storySub = nil
	}
	c.subLock.Unlock()

	c.chatServer.deRegisterClient(c)
	c.stopClient()
}
