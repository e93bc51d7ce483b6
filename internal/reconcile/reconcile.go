// Package reconcile merges optimistic local sends with the confirmed
// messages that arrive from the room hub, so a view holds exactly one copy
// of every message.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// Item is one row of a view. Pending rows carry a negative temporary id.
type Item struct {
	Message types.Message
	Pending bool
}

type Draft struct {
	Content        *string
	AttachmentURL  *string
	AttachmentType *string
	ReplyToId      *int64
}

// View is the local message list of one room for one user.
type View struct {
	roomId string
	selfId string
	now    func() time.Time

	mu       sync.Mutex
	nextTemp int64
	items    []Item
	hidden   map[int64]bool
}

func NewView(roomId, selfId string) *View {
	return &View{
		roomId: roomId,
		selfId: selfId,
		now:    func() time.Time { return time.Now().UTC() },
		hidden: make(map[int64]bool),
	}
}

func (v *View) RoomId() string { return v.roomId }

// Load replaces the confirmed rows with a fetched page. Pending rows are
// kept at the end.
func (v *View) Load(msgs []types.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	items := make([]Item, 0, len(msgs)+len(v.items))
	for _, m := range msgs {
		if !v.hidden[m.Id] {
			items = append(items, Item{Message: m})
		}
	}
	for _, it := range v.items {
		if it.Pending {
			items = append(items, it)
		}
	}
	v.items = items
}

// AddPending appends a pending message and returns it. The message carries a
// fresh client token for the server to echo back.
func (v *View) AddPending(d Draft) types.Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextTemp--
	m := types.Message{
		Id:             v.nextTemp,
		RoomId:         v.roomId,
		AuthorId:       v.selfId,
		Content:        d.Content,
		AttachmentURL:  d.AttachmentURL,
		AttachmentType: d.AttachmentType,
		ReplyToId:      d.ReplyToId,
		ClientToken:    uuid.NewString(),
		CreatedAt:      v.now(),
	}
	v.items = append(v.items, Item{Message: m, Pending: true})
	return m
}

// Confirm swaps the pending row tempId for the stored message. If the
// Insert event already delivered it, the pending row is dropped instead.
func (v *View) Confirm(tempId int64, confirmed types.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pi := v.indexOf(tempId)
	if v.indexOf(confirmed.Id) >= 0 {
		if pi >= 0 {
			v.removeAt(pi)
		}
		return
	}
	if v.hidden[confirmed.Id] {
		if pi >= 0 {
			v.removeAt(pi)
		}
		return
	}
	if pi < 0 {
		v.items = append(v.items, Item{Message: confirmed})
		return
	}
	v.items[pi] = Item{Message: confirmed}
}

// Fail removes the pending row tempId.
func (v *View) Fail(tempId int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if i := v.indexOf(tempId); i >= 0 && v.items[i].Pending {
		v.removeAt(i)
	}
}

// Apply folds a hub event into the view. Events of other rooms are ignored.
func (v *View) Apply(ev hub.RoomEvent) {
	if ev.RoomId != v.roomId {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch e := ev.Event.(type) {
	case hub.Insert:
		m := e.Message
		if v.hidden[m.Id] {
			return
		}
		if i := v.indexOf(m.Id); i >= 0 {
			v.items[i] = Item{Message: m}
			return
		}
		if i := v.matchPending(m); i >= 0 {
			v.items[i] = Item{Message: m}
			return
		}
		v.items = append(v.items, Item{Message: m})
	case hub.Update:
		if i := v.indexOf(e.Message.Id); i >= 0 {
			v.items[i] = Item{Message: e.Message}
		}
	case hub.Delete:
		if i := v.indexOf(e.MessageId); i >= 0 {
			v.removeAt(i)
		}
	}
}

// Hide removes a message locally and keeps it out of later events.
func (v *View) Hide(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.hidden[id] = true
	if i := v.indexOf(id); i >= 0 {
		v.removeAt(i)
	}
}

func (v *View) Messages() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Item(nil), v.items...)
}

// Pending reports how many rows await confirmation.
func (v *View) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, it := range v.items {
		if it.Pending {
			n++
		}
	}
	return n
}

// matchPending finds the pending row m confirms: by client token first,
// then the oldest pending row with the same author, room and body.
func (v *View) matchPending(m types.Message) int {
	if m.ClientToken != "" {
		for i, it := range v.items {
			if it.Pending && it.Message.ClientToken == m.ClientToken {
				return i
			}
		}
	}
	for i, it := range v.items {
		if !it.Pending {
			continue
		}
		p := it.Message
		if p.AuthorId == m.AuthorId && p.RoomId == m.RoomId &&
			equalPtr(p.Content, m.Content) && equalPtr(p.AttachmentURL, m.AttachmentURL) {
			return i
		}
	}
	return -1
}

func (v *View) indexOf(id int64) int {
	for i, it := range v.items {
		if it.Message.Id == id {
			return i
		}
	}
	return -1
}

func (v *View) removeAt(i int) {
	v.items = append(v.items[:i], v.items[i+1:]...)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SendFunc persists a pending message and returns the stored copy.
type SendFunc func(ctx context.Context, pending types.Message) (types.Message, error)

// Send runs send for a pending message and always resolves it: confirmed on
// success, removed on failure or panic.
func Send(ctx context.Context, v *View, pending types.Message, send SendFunc) (msg types.Message, err error) {
	resolved := false
	defer func() {
		if resolved {
			return
		}
		v.Fail(pending.Id)
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()

	msg, err = send(ctx, pending)
	if err != nil {
		return types.Message{}, err
	}

	v.Confirm(pending.Id, msg)
	resolved = true
	return msg, nil
}
