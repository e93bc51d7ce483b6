package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/blob"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/pubsub"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blobURL = "http://blob.test/media"

type fixture struct {
	db       *database.MemoryRepository
	hub      *hub.RoomHub
	blobs    *blob.MemoryStore
	rooms    *Directory
	store    *MessageStore
	pipeline *Pipeline
	ledger   *Ledger
	clock    *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	repo      database.GoChatRepository
	publisher hub.Publisher
	mode      PurgeMode
}

func withRepo(r database.GoChatRepository) fixtureOption {
	return func(c *fixtureConfig) { c.repo = r }
}

func withPublisher(p hub.Publisher) fixtureOption {
	return func(c *fixtureConfig) { c.publisher = p }
}

func withMode(m PurgeMode) fixtureOption {
	return func(c *fixtureConfig) { c.mode = m }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	mem := database.NewMemoryRepository()
	cfg := fixtureConfig{repo: mem, mode: PurgeHard}
	for _, o := range opts {
		o(&cfg)
	}

	logger := testutil.TestLogger(t)
	tr := pubsub.NewLocalTransport()
	h := hub.NewRoomHub(tr, stats.NopStats{}, logger)
	t.Cleanup(func() {
		h.Close()
		tr.Close()
	})

	publisher := cfg.publisher
	if publisher == nil {
		publisher = h
	}

	clock := &fakeClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	blobs := blob.NewMemoryStore(blobURL)
	rooms := NewDirectory(cfg.repo)

	f := &fixture{
		db:    mem,
		hub:   h,
		blobs: blobs,
		rooms: rooms,
		clock: clock,
	}
	f.store = NewMessageStore(cfg.repo, rooms, publisher, blobs, stats.NopStats{}, logger, StoreOptions{
		MaxUploadSize: 1024,
		Clock:         clock.Now,
	})
	f.pipeline = NewPipeline(cfg.repo, rooms, publisher, blobs, stats.NopStats{}, logger, cfg.mode, clock.Now)
	f.ledger = NewLedger(cfg.repo, rooms, publisher, stats.NopStats{}, logger, clock.Now)

	for _, u := range []string{"a", "b", "c"} {
		_, err := cfg.repo.CreateAccount(context.Background(), database.CreateAccountParams{
			Id:           u,
			Username:     "user-" + u,
			EmailAddress: u + "@example.com",
			PasswordHash: "x",
		})
		require.NoError(t, err)
	}

	return f
}

func (f *fixture) send(t *testing.T, room, author, content string) types.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	m, err := f.store.Send(context.Background(), SendParams{RoomId: room, AuthorId: author, Content: &content})
	require.NoError(t, err)
	return m
}

func nextEvent(t *testing.T, sub *hub.Subscription) hub.RoomEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return hub.RoomEvent{}
	}
}

func noEvent(t *testing.T, sub *hub.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Event.Kind())
	case <-time.After(30 * time.Millisecond):
	}
}

func contents(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == nil {
			out = append(out, "")
			continue
		}
		out = append(out, *m.Content)
	}
	return out
}

func str(s string) *string { return &s }

func TestParseRoom(t *testing.T) {
	tcases := []struct {
		name    string
		id      string
		kind    RoomKind
		members []string
		wantErr bool
	}{
		{name: "public", id: "public", kind: RoomPublic},
		{name: "pair", id: "a_b", kind: RoomPair, members: []string{"a", "b"}},
		{name: "group", id: "grp:xyz", kind: RoomGroup},
		{name: "unsorted pair", id: "b_a", wantErr: true},
		{name: "self pair", id: "a_a", wantErr: true},
		{name: "garbage", id: "a_b_c", wantErr: true},
		{name: "empty group", id: "grp:", wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			kind, members, err := ParseRoom(tc.id)
			if tc.wantErr {
				assert.True(t, errs.Is(err, errs.KindValidation), "expected validation error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.members, members)
		})
	}

	assert.Equal(t, "a_b", PairKey("b", "a"))
	assert.Equal(t, PairKey("a", "b"), PairKey("b", "a"))
}

func TestCheckAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.rooms.CreateGroup(ctx, "a", "team", []string{"b"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(g.Id, "grp:"))

	assert.NoError(t, f.rooms.CheckAccess(ctx, PublicRoom, "c"))
	assert.NoError(t, f.rooms.CheckAccess(ctx, "a_b", "b"))
	assert.True(t, errs.Is(f.rooms.CheckAccess(ctx, "a_b", "c"), errs.KindForbidden))
	assert.NoError(t, f.rooms.CheckAccess(ctx, g.Id, "b"))
	assert.True(t, errs.Is(f.rooms.CheckAccess(ctx, g.Id, "c"), errs.KindForbidden))
	assert.True(t, errs.Is(f.rooms.CheckAccess(ctx, "grp:missing", "a"), errs.KindNotFound))

	groups, err := f.rooms.ListGroups(ctx, "b")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "team", groups[0].Name)

	_, err = f.rooms.CreateGroup(ctx, "a", "  ", nil)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestGroupInvites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.rooms.CreateGroup(ctx, "a", "team", nil)
	require.NoError(t, err)

	err = f.rooms.InviteMember(ctx, g.Id, "c", "b")
	assert.True(t, errs.Is(err, errs.KindForbidden))
	err = f.rooms.InviteMember(ctx, "a_b", "a", "c")
	assert.True(t, errs.Is(err, errs.KindValidation))

	require.NoError(t, f.rooms.InviteMember(ctx, g.Id, "a", "b"))
	require.NoError(t, f.rooms.InviteMember(ctx, g.Id, "a", "b"))
	require.NoError(t, f.rooms.InviteMember(ctx, g.Id, "a", "a"))

	// pending invitees cannot read the room yet
	assert.True(t, errs.Is(f.rooms.CheckAccess(ctx, g.Id, "b"), errs.KindForbidden))

	invites, err := f.rooms.PendingInvites(ctx, "b")
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, g.Id, invites[0].GroupId)
	assert.Equal(t, "team", invites[0].GroupName)
	assert.Equal(t, "a", invites[0].InvitedBy)

	_, err = f.rooms.AcceptInvite(ctx, g.Id, "c")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	joined, err := f.rooms.AcceptInvite(ctx, g.Id, "b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, joined.Members)
	assert.NoError(t, f.rooms.CheckAccess(ctx, g.Id, "b"))

	invites, err = f.rooms.PendingInvites(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, invites)
}

func TestSendPublishesInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.hub.Subscribe(ctx, "a_b")
	require.NoError(t, err)

	m := f.send(t, "a_b", "a", "hello")
	assert.Equal(t, "user-a", m.AuthorName)
	assert.Equal(t, f.clock.Now(), m.CreatedAt)

	ev := nextEvent(t, sub)
	require.Equal(t, hub.KindInsert, ev.Event.Kind())
	assert.Equal(t, m.Id, ev.Event.(hub.Insert).Message.Id)
	assert.Equal(t, "a_b", ev.RoomId)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tcases := []struct {
		name   string
		params SendParams
		kind   errs.Kind
	}{
		{
			name:   "empty",
			params: SendParams{RoomId: PublicRoom, AuthorId: "a", Content: str("   ")},
			kind:   errs.KindValidation,
		},
		{
			name:   "no content",
			params: SendParams{RoomId: PublicRoom, AuthorId: "a"},
			kind:   errs.KindValidation,
		},
		{
			name:   "outsider",
			params: SendParams{RoomId: "a_b", AuthorId: "c", Content: str("hi")},
			kind:   errs.KindForbidden,
		},
		{
			name:   "unknown reply",
			params: SendParams{RoomId: PublicRoom, AuthorId: "a", Content: str("hi"), ReplyToId: func() *int64 { v := int64(404); return &v }()},
			kind:   errs.KindValidation,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.Send(ctx, tc.params)
			assert.True(t, errs.Is(err, tc.kind), "expected %s, got %v", tc.kind, err)
		})
	}

	other := f.send(t, "a_b", "a", "private")
	_, err := f.store.Send(ctx, SendParams{RoomId: PublicRoom, AuthorId: "a", Content: str("hi"), ReplyToId: &other.Id})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestSendAttachmentOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.store.Send(ctx, SendParams{
		RoomId:         PublicRoom,
		AuthorId:       "a",
		AttachmentURL:  str(blobURL + "/x.png"),
		AttachmentType: str("image/png"),
	})
	require.NoError(t, err)
	assert.Nil(t, m.Content)
	assert.True(t, m.HasAttachment())
}

type failingPublisher struct {
	err error
}

func (p failingPublisher) Publish(ctx context.Context, roomId string, ev hub.Event) error {
	return p.err
}

func TestSendIsAtomic(t *testing.T) {
	f := newFixture(t, withPublisher(failingPublisher{err: errors.New("transport down")}))
	ctx := context.Background()

	_, err := f.store.Send(ctx, SendParams{RoomId: PublicRoom, AuthorId: "a", Content: str("lost")})
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))

	msgs, err := f.store.FetchRoom(ctx, PublicRoom, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendClientTokenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.hub.Subscribe(ctx, PublicRoom)
	require.NoError(t, err)

	params := SendParams{RoomId: PublicRoom, AuthorId: "a", Content: str("once"), ClientToken: "tok-1"}
	first, err := f.store.Send(ctx, params)
	require.NoError(t, err)
	second, err := f.store.Send(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, "tok-1", second.ClientToken)

	nextEvent(t, sub)
	noEvent(t, sub)

	msgs, err := f.store.FetchRoom(ctx, PublicRoom, "a", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFetchRoomReplyPreviews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	long := strings.Repeat("é", 100)
	target := f.send(t, PublicRoom, "b", long)
	gone := f.send(t, PublicRoom, "b", "soon gone")

	f.clock.Advance(time.Second)
	_, err := f.store.Send(ctx, SendParams{RoomId: PublicRoom, AuthorId: "a", Content: str("re 1"), ReplyToId: &target.Id})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.store.Send(ctx, SendParams{RoomId: PublicRoom, AuthorId: "a", Content: str("re 2"), ReplyToId: &gone.Id})
	require.NoError(t, err)

	require.NoError(t, f.pipeline.PurgeForAll(ctx, gone.Id, "b"))

	msgs, err := f.store.FetchRoom(ctx, PublicRoom, "a", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	first := msgs[1].Reply
	require.NotNil(t, first)
	assert.False(t, first.Unavailable)
	assert.Equal(t, "user-b", first.AuthorName)
	assert.Equal(t, replySummaryRunes+1, len([]rune(first.Summary)))

	second := msgs[2].Reply
	require.NotNil(t, second)
	assert.True(t, second.Unavailable)
	assert.Equal(t, "message unavailable", second.Summary)
}

func TestFetchRoomLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.send(t, PublicRoom, "a", string(rune('a'+i)))
	}

	msgs, err := f.store.FetchRoom(ctx, PublicRoom, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, contents(msgs))

	assert.Equal(t, DefaultPageLimit, pageLimit(0, 0))
	assert.Equal(t, 20, pageLimit(0, 20))
	assert.Equal(t, MaxPageLimit, pageLimit(10000, 0))
}

func TestFetchMediaFiltersRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, room := range []string{PublicRoom, "a_b"} {
		f.clock.Advance(time.Second)
		_, err := f.store.Send(ctx, SendParams{
			RoomId:         room,
			AuthorId:       "a",
			AttachmentURL:  str(blobURL + "/" + room + ".png"),
			AttachmentType: str("image/png"),
		})
		require.NoError(t, err)
	}
	f.send(t, PublicRoom, "a", "text only")

	forB, err := f.store.FetchMedia(ctx, "b", "a", "", 10)
	require.NoError(t, err)
	assert.Len(t, forB, 2)
	assert.Equal(t, "a_b", forB[0].RoomId)

	forC, err := f.store.FetchMedia(ctx, "c", "a", "", 10)
	require.NoError(t, err)
	require.Len(t, forC, 1)
	assert.Equal(t, PublicRoom, forC[0].RoomId)

	_, err = f.store.FetchMedia(ctx, "c", "a", "a_b", 10)
	assert.True(t, errs.Is(err, errs.KindForbidden))
}

func TestExportTranscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, "a_b", "a", "hi there")
	f.clock.Advance(time.Minute)
	_, err := f.store.Send(ctx, SendParams{
		RoomId:         "a_b",
		AuthorId:       "b",
		AttachmentURL:  str(blobURL + "/p.png"),
		AttachmentType: str("image/png"),
	})
	require.NoError(t, err)

	out, err := f.store.ExportTranscript(ctx, "a_b", "a")
	require.NoError(t, err)

	expected := "[2024-06-01 09:00] user-a: hi there\n" +
		"[2024-06-01 09:01] user-b: [image]\n"
	assert.Equal(t, expected, out)

	_, err = f.store.ExportTranscript(ctx, "a_b", "c")
	assert.True(t, errs.Is(err, errs.KindForbidden))
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	att, err := f.store.Upload(ctx, "a", "cat.png", strings.NewReader("png-bytes"), 9)
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.ContentType)
	assert.True(t, strings.HasPrefix(att.URL, blobURL+"/attachments/a/"))
	assert.Equal(t, 1, f.blobs.Len())

	_, err = f.store.Upload(ctx, "a", "big.bin", strings.NewReader(""), 4096)
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = f.store.Upload(ctx, "a", "empty.bin", strings.NewReader(""), 0)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.send(t, "a_b", "b", "first")
	second := f.send(t, "a_b", "a", "second")
	private := f.send(t, "b_c", "c", "not yours")
	gone := f.send(t, "a_b", "a", "gone")
	require.NoError(t, f.pipeline.PurgeForAll(ctx, gone.Id, "a"))

	tcases := []struct {
		name   string
		ids    []int64
		target string
		kind   errs.Kind
	}{
		{name: "empty", ids: nil, target: PublicRoom, kind: errs.KindValidation},
		{name: "unreadable source", ids: []int64{first.Id, private.Id}, target: PublicRoom, kind: errs.KindForbidden},
		{name: "purged source", ids: []int64{gone.Id}, target: PublicRoom, kind: errs.KindNotFound},
		{name: "unknown source", ids: []int64{9999}, target: PublicRoom, kind: errs.KindNotFound},
		{name: "foreign target", ids: []int64{first.Id}, target: "b_c", kind: errs.KindForbidden},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.Forward(ctx, tc.ids, tc.target, "a")
			assert.True(t, errs.Is(err, tc.kind), "expected %s, got %v", tc.kind, err)
		})
	}

	msgs, err := f.store.FetchRoom(ctx, PublicRoom, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing sent after a rejected forward")

	sub, err := f.hub.Subscribe(ctx, "a_c")
	require.NoError(t, err)

	copies, err := f.store.Forward(ctx, []int64{second.Id, first.Id, second.Id}, "a_c", "a")
	require.NoError(t, err)
	require.Len(t, copies, 2)
	for _, c := range copies {
		assert.Equal(t, "a", c.AuthorId)
		assert.Equal(t, "a_c", c.RoomId)
	}

	ev := nextEvent(t, sub)
	assert.Equal(t, copies[0].Id, ev.Event.(hub.Insert).Message.Id)

	msgs, err = f.store.FetchRoom(ctx, "a_c", "c", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, contents(msgs))
}
