// Package presence tracks which users hold at least one live connection and
// keeps their last_seen timestamp fresh while they do.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeat = 60 * time.Second
	touchTimeout     = 5 * time.Second
)

// Listener is called when a user goes online or offline. It must not block.
type Listener func(userId string, online bool)

type Tracker struct {
	db       database.AccountRepository
	log      *zap.SugaredLogger
	now      func() time.Time
	interval time.Duration

	mu        sync.Mutex
	conns     map[string]int
	listeners []Listener

	// pending counts last_seen writes started by Attach and Detach.
	pending sync.WaitGroup
}

func NewTracker(db database.AccountRepository, logger *zap.Logger, interval time.Duration, clock func() time.Time) *Tracker {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		db:       db,
		log:      logger.Sugar().With("component", "presence"),
		now:      clock,
		interval: interval,
		conns:    make(map[string]int),
	}
}

func (t *Tracker) OnChange(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Connect registers one connection of userId. Several tabs count separately.
func (t *Tracker) Connect(ctx context.Context, userId string) {
	first := t.add(userId)
	t.touchLogged(ctx, userId)
	if first {
		t.notify(userId, true)
	}
}

// Disconnect releases one connection of userId. The user goes offline when
// the last one is released.
func (t *Tracker) Disconnect(ctx context.Context, userId string) {
	last, ok := t.remove(userId)
	if !ok {
		return
	}
	t.touchLogged(ctx, userId)
	if last {
		t.notify(userId, false)
	}
}

// Attach is Connect without waiting on storage: the connection counts at
// once and last_seen is written in the background.
func (t *Tracker) Attach(ctx context.Context, userId string) {
	if t.add(userId) {
		t.notify(userId, true)
	}
	t.touchAsync(ctx, userId)
}

// Detach is the background counterpart of Disconnect.
func (t *Tracker) Detach(ctx context.Context, userId string) {
	last, ok := t.remove(userId)
	if !ok {
		return
	}
	if last {
		t.notify(userId, false)
	}
	t.touchAsync(ctx, userId)
}

// Wait blocks until background last_seen writes have finished.
func (t *Tracker) Wait() {
	t.pending.Wait()
}

func (t *Tracker) add(userId string) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[userId]++
	return t.conns[userId] == 1
}

func (t *Tracker) remove(userId string) (last, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.conns[userId]
	if !ok {
		return false, false
	}
	if n <= 1 {
		delete(t.conns, userId)
		return true, true
	}
	t.conns[userId] = n - 1
	return false, true
}

func (t *Tracker) notify(userId string, online bool) {
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l(userId, online)
	}
}

func (t *Tracker) IsOnline(userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[userId] > 0
}

// Online returns the ids of connected users, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Touch records userId as seen now. last_seen never moves backwards.
func (t *Tracker) Touch(ctx context.Context, userId string) error {
	if err := t.db.TouchLastSeen(ctx, userId, t.now()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errs.Wrap(errs.KindNotFound, "Touch", err)
		}
		return errs.Unavailable("Touch", err)
	}
	return nil
}

// touchAsync writes may land out of order; TouchLastSeen keeps the latest.
func (t *Tracker) touchAsync(ctx context.Context, userId string) {
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		t.touchLogged(ctx, userId)
	}()
}

func (t *Tracker) touchLogged(ctx context.Context, userId string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()

	if err := t.Touch(ctx, userId); err != nil {
		t.log.Warnw("failed to update last seen", "user_id", userId, "kind", errs.KindBestEffort, "error", err)
	}
}

func (t *Tracker) LastSeen(ctx context.Context, userId string) (types.PresenceEntry, error) {
	u, err := t.db.GetAccountById(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.PresenceEntry{}, errs.Wrap(errs.KindNotFound, "LastSeen", err)
		}
		return types.PresenceEntry{}, errs.Unavailable("LastSeen", err)
	}

	return types.PresenceEntry{
		UserId:     userId,
		Online:     t.IsOnline(userId),
		LastSeenAt: u.LastSeenAt,
	}, nil
}

// Run touches every online user once per interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.heartbeat(ctx)
		}
	}
}

func (t *Tracker) heartbeat(ctx context.Context) {
	online := t.Online()
	for _, id := range online {
		t.touchLogged(ctx, id)
	}
	if len(online) > 0 {
		t.log.Debugw("heartbeat", "online", len(online))
	}
}
