package stories

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

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	svc   *Service
	db    database.StoryRepository
	blobs *blob.MemoryStore
	hub   *hub.RoomHub
	clock *clock
}

func newFixture(t *testing.T, db database.StoryRepository) *fixture {
	t.Helper()

	if db == nil {
		db = database.NewMemoryRepository()
	}

	logger := testutil.TestLogger(t)
	tr := pubsub.NewLocalTransport()
	h := hub.NewRoomHub(tr, stats.NopStats{}, logger)
	t.Cleanup(func() {
		h.Close()
		tr.Close()
	})

	c := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	blobs := blob.NewMemoryStore(blobURL)

	return &fixture{
		svc:   NewService(db, blobs, h, stats.NopStats{}, logger, c.now),
		db:    db,
		blobs: blobs,
		hub:   h,
		clock: c,
	}
}

func (f *fixture) text(t *testing.T, author, caption string, privacy types.Privacy) types.Story {
	t.Helper()
	st, err := f.svc.Create(context.Background(), CreateParams{
		AuthorId:  author,
		MediaType: types.MediaText,
		Caption:   caption,
		Privacy:   privacy,
	})
	require.NoError(t, err)
	f.clock.t = f.clock.t.Add(time.Minute)
	return st
}

func captions(g types.StoryGroup) []string {
	out := make([]string, 0, len(g.Stories))
	for _, s := range g.Stories {
		out = append(out, s.Caption)
	}
	return out
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)

	tcases := []struct {
		name   string
		params CreateParams
	}{
		{name: "text without caption", params: CreateParams{AuthorId: "a", MediaType: types.MediaText, Caption: "  "}},
		{name: "image without file", params: CreateParams{AuthorId: "a", MediaType: types.MediaImage}},
		{name: "unknown type", params: CreateParams{AuthorId: "a", MediaType: "audio", Caption: "x"}},
		{name: "unknown privacy", params: CreateParams{AuthorId: "a", MediaType: types.MediaText, Caption: "x", Privacy: "friends"}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.params)
			assert.True(t, errs.Is(err, errs.KindValidation), "got %v", err)
		})
	}
}

func TestCreateText(t *testing.T) {
	f := newFixture(t, nil)

	st := f.text(t, "a", "good morning", "")
	assert.Equal(t, DefaultBackground, st.BackgroundColor)
	assert.Equal(t, types.PrivacyPublic, st.Privacy)
	assert.Nil(t, st.MediaURL)
	assert.Equal(t, st.CreatedAt.Add(Lifetime), st.ExpiresAt)
}

func TestCreateImageUploadsFirst(t *testing.T) {
	f := newFixture(t, nil)

	st, err := f.svc.Create(context.Background(), CreateParams{
		AuthorId:  "a",
		MediaType: types.MediaImage,
		Media:     &Media{Filename: "sunset.JPG", Reader: strings.NewReader("jpeg"), Size: 4},
	})
	require.NoError(t, err)
	require.NotNil(t, st.MediaURL)
	assert.True(t, strings.HasPrefix(*st.MediaURL, blobURL+"/stories/a/"))
	assert.True(t, strings.HasSuffix(*st.MediaURL, ".jpg"))

	path, ok := f.blobs.PathFromURL(*st.MediaURL)
	require.True(t, ok)
	data, contentType, err := f.blobs.Get(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
	assert.Equal(t, "image/jpeg", contentType)
}

type insertFailingRepo struct {
	*database.MemoryRepository
}

func (insertFailingRepo) CreateStory(ctx context.Context, params database.CreateStoryParams) (database.Story, error) {
	return database.Story{}, errors.New("connection reset")
}

func TestCreateRemovesMediaWhenInsertFails(t *testing.T) {
	f := newFixture(t, insertFailingRepo{database.NewMemoryRepository()})

	_, err := f.svc.Create(context.Background(), CreateParams{
		AuthorId:  "a",
		MediaType: types.MediaVideo,
		Media:     &Media{Filename: "clip.mp4", Reader: strings.NewReader("mp4"), Size: 3},
	})
	assert.True(t, errs.Is(err, errs.KindStorageUnavailable))
	assert.Equal(t, 0, f.blobs.Len())
}

func TestFetchActiveGroupsAndPrivacy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.text(t, "b", "b public", types.PrivacyPublic)
	f.text(t, "c", "c friends", types.PrivacyCloseFriends)
	f.text(t, "a", "a own", types.PrivacyPrivate)
	f.text(t, "b", "b private", types.PrivacyPrivate)
	f.text(t, "b", "b later", types.PrivacyPublic)

	require.NoError(t, f.svc.SetCloseFriends(ctx, "c", []string{"a", "c"}))

	groups, err := f.svc.FetchActive(ctx, "a")
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "a", groups[0].AuthorId, "own stories first")
	assert.Equal(t, []string{"a own"}, captions(groups[0]))
	assert.Equal(t, "b", groups[1].AuthorId)
	assert.Equal(t, []string{"b public", "b later"}, captions(groups[1]))
	assert.Equal(t, "c", groups[2].AuthorId)

	groups, err = f.svc.FetchActive(ctx, "d")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "b", groups[0].AuthorId)

	friends, err := f.svc.CloseFriends(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, friends, "owner is never their own close friend")
}

func TestExpiredStoriesHiddenFromEveryone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st := f.text(t, "a", "fleeting", types.PrivacyPublic)

	f.clock.t = st.ExpiresAt
	for _, viewer := range []string{"a", "b"} {
		groups, err := f.svc.FetchActive(ctx, viewer)
		require.NoError(t, err)
		assert.Empty(t, groups, "expired story visible to %s", viewer)
	}

	err := f.svc.RecordView(ctx, st.Id, "b")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestRecordViewIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st := f.text(t, "a", "hello", types.PrivacyPublic)

	sub, err := f.hub.Subscribe(ctx, hub.StoryTopic("a"))
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordView(ctx, st.Id, "b"))
	f.clock.t = f.clock.t.Add(time.Minute)
	require.NoError(t, f.svc.RecordView(ctx, st.Id, "b"))
	require.NoError(t, f.svc.RecordView(ctx, st.Id, "a"))

	views, err := f.svc.Viewers(ctx, st.Id, "a")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "b", views[0].ViewerId)

	select {
	case ev := <-sub.Events():
		require.Equal(t, hub.KindStoryViewed, ev.Event.Kind())
		assert.Equal(t, "b", ev.Event.(hub.StoryViewed).ViewerId)
	case <-time.After(2 * time.Second):
		t.Fatal("no story view event")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second event %s", ev.Event.Kind())
	case <-time.After(30 * time.Millisecond):
	}

	_, err = f.svc.Viewers(ctx, st.Id, "b")
	assert.True(t, errs.Is(err, errs.KindForbidden))
}

func TestRecordViewRespectsPrivacy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st := f.text(t, "a", "only me", types.PrivacyPrivate)
	err := f.svc.RecordView(ctx, st.Id, "b")
	assert.True(t, errs.Is(err, errs.KindForbidden))
}

func TestDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.svc.Create(ctx, CreateParams{
		AuthorId:  "a",
		MediaType: types.MediaImage,
		Media:     &Media{Filename: "x.png", Reader: strings.NewReader("png"), Size: 3},
	})
	require.NoError(t, err)

	err = f.svc.Delete(ctx, st.Id, "b")
	assert.True(t, errs.Is(err, errs.KindForbidden))

	require.NoError(t, f.svc.Delete(ctx, st.Id, "a"))
	assert.Equal(t, 0, f.blobs.Len())

	groups, err := f.svc.FetchActive(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, groups)

	err = f.svc.Delete(ctx, st.Id, "a")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
