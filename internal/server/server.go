package server

import (
	"context"
	"errors"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/presence"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultMessageRate  = 10
	defaultMessageBurst = 20
)

// Services are the engine components a websocket session talks to.
type Services struct {
	Hub      *hub.RoomHub
	Rooms    *chat.Directory
	Store    *chat.MessageStore
	Pipeline *chat.Pipeline
	Ledger   *chat.Ledger
	Presence *presence.Tracker
}

type Options struct {
	// MessageRate is the sustained number of inbound messages per second a
	// client may send.
	MessageRate  float64
	MessageBurst int
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log   *zap.SugaredLogger
	stats stats.StatsProvider

	hub      *hub.RoomHub
	rooms    *chat.Directory
	store    *chat.MessageStore
	pipeline *chat.Pipeline
	ledger   *chat.Ledger
	presence *presence.Tracker

	msgRate  rate.Limit
	msgBurst int

	clients        map[*Client]struct{}
	clientsLock    sync.RWMutex
	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *zap.Logger, svc Services, st stats.StatsProvider, opts Options) (*ChatServer, error) {
	if svc.Hub == nil || svc.Rooms == nil || svc.Store == nil || svc.Pipeline == nil || svc.Ledger == nil || svc.Presence == nil {
		return nil, errors.New("chat server: missing service")
	}

	st.RegisterMetric(stats.ActiveClients)

	if opts.MessageRate <= 0 {
		opts.MessageRate = defaultMessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = defaultMessageBurst
	}

	cs := &ChatServer{
		log:            logger.Sugar().With("component", "chat_server"),
		stats:          st,
		hub:            svc.Hub,
		rooms:          svc.Rooms,
		store:          svc.Store,
		pipeline:       svc.Pipeline,
		ledger:         svc.Ledger,
		presence:       svc.Presence,
		msgRate:        rate.Limit(opts.MessageRate),
		msgBurst:       opts.MessageBurst,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	cs.presence.OnChange(cs.broadcastPresence)
	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case c := <-cs.registerChan:
			cs.addClient(c)
			cs.stats.Incr(stats.ActiveClients)
			cs.presence.Attach(c.ctx, c.user.Id)
			cs.log.Infow("client connected", "user_id", c.user.Id, "username", c.user.Username)
		case c := <-cs.deRegisterChan:
			if !cs.removeClient(c) {
				continue
			}
			cs.stats.Decr(stats.ActiveClients)
			cs.presence.Detach(context.Background(), c.user.Id)
			cs.log.Infow("client disconnected", "user_id", c.user.Id, "username", c.user.Username)
		case req := <-cs.stop:
			cs.log.Info("shutting down clients")
			for _, c := range cs.getClients() {
				c.stopClient()
			}
			close(cs.done)
			close(req.done)
			return
		}
	}
}

// RegisterClient hands c to the Run loop. It is a no-op after shutdown.
func (cs *ChatServer) RegisterClient(c *Client) {
	select {
	case cs.registerChan <- c:
	case <-cs.done:
		c.stopClient()
	}
}

func (cs *ChatServer) deRegisterClient(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}
	delete(cs.clients, c)
	return true
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// broadcastPresence tells every other user's sessions that userId came
// online or went offline.
func (cs *ChatServer) broadcastPresence(userId string, online bool) {
	msg := PresenceNotification(userId, online)
	for _, c := range cs.getClients() {
		if c.user.Id == userId {
			continue
		}
		c.queueMessage(msg)
	}
}

// Shutdown stops the Run loop and every connected client.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
