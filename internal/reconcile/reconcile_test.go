package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/blob"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/pubsub"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }

func insert(room string, m types.Message) hub.RoomEvent {
	return hub.RoomEvent{RoomId: room, Event: hub.Insert{Message: m}}
}

func TestOptimisticRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := testutil.TestLogger(t)

	db := database.NewMemoryRepository()
	_, err := db.CreateAccount(ctx, database.CreateAccountParams{Id: "a", Username: "alice", EmailAddress: "a@example.com", PasswordHash: "x"})
	require.NoError(t, err)

	tr := pubsub.NewLocalTransport()
	h := hub.NewRoomHub(tr, stats.NopStats{}, logger)
	defer tr.Close()
	defer h.Close()

	rooms := chat.NewDirectory(db)
	store := chat.NewMessageStore(db, rooms, h, blob.NewMemoryStore("http://blob.test"), stats.NopStats{}, logger, chat.StoreOptions{})

	sub, err := h.Subscribe(ctx, chat.PublicRoom)
	require.NoError(t, err)

	v := NewView(chat.PublicRoom, "a")
	pending := v.AddPending(Draft{Content: str("hello")})
	assert.Less(t, pending.Id, int64(0))
	assert.Equal(t, 1, v.Pending())

	stored, err := Send(ctx, v, pending, func(ctx context.Context, p types.Message) (types.Message, error) {
		return store.Send(ctx, chat.SendParams{
			RoomId:      p.RoomId,
			AuthorId:    p.AuthorId,
			Content:     p.Content,
			ClientToken: p.ClientToken,
		})
	})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		v.Apply(ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no insert event")
	}

	items := v.Messages()
	require.Len(t, items, 1)
	assert.False(t, items[0].Pending)
	assert.Equal(t, stored.Id, items[0].Message.Id)
	assert.Equal(t, "hello", *items[0].Message.Content)
}

func TestInsertBeforeConfirm(t *testing.T) {
	v := NewView("a_b", "a")
	pending := v.AddPending(Draft{Content: str("hi")})

	confirmed := pending
	confirmed.Id = 10
	v.Apply(insert("a_b", confirmed))
	v.Confirm(pending.Id, confirmed)

	items := v.Messages()
	require.Len(t, items, 1)
	assert.Equal(t, int64(10), items[0].Message.Id)
	assert.False(t, items[0].Pending)
}

func TestMatchByContentWithoutToken(t *testing.T) {
	v := NewView("a_b", "a")
	first := v.AddPending(Draft{Content: str("same")})
	v.AddPending(Draft{Content: str("same")})

	echoed := types.Message{Id: 7, RoomId: "a_b", AuthorId: "a", Content: str("same")}
	v.Apply(insert("a_b", echoed))

	items := v.Messages()
	require.Len(t, items, 2)
	assert.Equal(t, int64(7), items[0].Message.Id, "oldest pending row is matched first")
	assert.True(t, items[1].Pending)
	assert.NotEqual(t, first.Id, items[1].Message.Id)
}

func TestFailedSendRemovesPending(t *testing.T) {
	v := NewView("public", "a")
	pending := v.AddPending(Draft{Content: str("lost")})

	boom := errors.New("storage unavailable")
	_, err := Send(context.Background(), v, pending, func(ctx context.Context, p types.Message) (types.Message, error) {
		return types.Message{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, v.Messages())

	pending = v.AddPending(Draft{Content: str("panics")})
	_, err = Send(context.Background(), v, pending, func(ctx context.Context, p types.Message) (types.Message, error) {
		panic("driver bug")
	})
	assert.ErrorContains(t, err, "driver bug")
	assert.Equal(t, 0, v.Pending())
}

func TestApplyUpdateDeleteAndHide(t *testing.T) {
	v := NewView("public", "a")
	v.Load([]types.Message{
		{Id: 1, RoomId: "public", AuthorId: "b", Content: str("one")},
		{Id: 2, RoomId: "public", AuthorId: "b", Content: str("two")},
	})

	v.Apply(hub.RoomEvent{RoomId: "public", Event: hub.Update{Message: types.Message{Id: 1, RoomId: "public", Status: "read"}}})
	v.Apply(hub.RoomEvent{RoomId: "public", Event: hub.Delete{MessageId: 2}})
	v.Apply(insert("a_b", types.Message{Id: 99, RoomId: "a_b"}))

	items := v.Messages()
	require.Len(t, items, 1)
	assert.Equal(t, "read", items[0].Message.Status)

	v.Hide(1)
	v.Apply(insert("public", types.Message{Id: 1, RoomId: "public"}))
	v.Apply(insert("public", types.Message{Id: 3, RoomId: "public"}))
	v.Apply(insert("public", types.Message{Id: 3, RoomId: "public"}))

	items = v.Messages()
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].Message.Id)
}
