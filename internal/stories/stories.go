// Package stories implements ephemeral stories. Expiry is enforced when
// reading; expired rows are never swept.
package stories

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/npezzotti/go-chatsync/internal/blob"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

const (
	Lifetime          = 24 * time.Hour
	DefaultBackground = "#2AABEE"
)

// Media is the file attached to an image or video story.
type Media struct {
	Filename string
	Reader   io.Reader
	Size     int64
}

type CreateParams struct {
	AuthorId        string
	MediaType       types.MediaType
	Media           *Media
	Caption         string
	BackgroundColor string
	Privacy         types.Privacy
}

type Service struct {
	db        database.StoryRepository
	blobs     blob.Store
	publisher hub.Publisher
	stats     stats.StatsProvider
	log       *zap.SugaredLogger
	now       func() time.Time
}

func NewService(db database.StoryRepository, blobs blob.Store, publisher hub.Publisher, st stats.StatsProvider, logger *zap.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		db:        db,
		blobs:     blobs,
		publisher: publisher,
		stats:     st,
		log:       logger.Sugar().With("component", "stories"),
		now:       clock,
	}
}

// Create uploads the media, if any, and then inserts the story so that it
// never becomes visible without its media.
func (s *Service) Create(ctx context.Context, p CreateParams) (types.Story, error) {
	const op = "CreateStory"

	privacy := p.Privacy
	if privacy == "" {
		privacy = types.PrivacyPublic
	}
	switch privacy {
	case types.PrivacyPublic, types.PrivacyCloseFriends, types.PrivacyPrivate:
	default:
		return types.Story{}, errs.Validation(op, "unknown privacy setting")
	}

	caption := strings.TrimSpace(p.Caption)
	background := ""

	switch p.MediaType {
	case types.MediaText:
		if caption == "" {
			return types.Story{}, errs.Validation(op, "text stories need a caption")
		}
		background = p.BackgroundColor
		if background == "" {
			background = DefaultBackground
		}
	case types.MediaImage, types.MediaVideo:
		if p.Media == nil || p.Media.Size <= 0 {
			return types.Story{}, errs.Validation(op, "media file is required")
		}
	default:
		return types.Story{}, errs.Validation(op, "unknown media type")
	}

	now := s.now()

	var (
		mediaURL  *string
		mediaPath string
	)
	if p.MediaType != types.MediaText {
		mediaPath = blob.ObjectName("stories/"+p.AuthorId, p.Media.Filename, now)
		url, err := s.blobs.Put(ctx, mediaPath, p.Media.Reader, p.Media.Size, blob.DetectContentType(p.Media.Filename))
		if err != nil {
			return types.Story{}, errs.Unavailable(op, err)
		}
		mediaURL = &url
	}

	story, err := s.db.CreateStory(ctx, database.CreateStoryParams{
		AuthorId:        p.AuthorId,
		MediaType:       string(p.MediaType),
		MediaURL:        mediaURL,
		Caption:         caption,
		BackgroundColor: background,
		Privacy:         string(privacy),
		CreatedAt:       now,
		ExpiresAt:       now.Add(Lifetime),
	})
	if err != nil {
		if mediaPath != "" {
			s.removeMedia(ctx, op, 0, mediaPath)
		}
		return types.Story{}, storeErr(op, err)
	}

	s.log.Infow("story created", "story_id", story.Id, "author_id", story.AuthorId, "media_type", story.MediaType)
	return toStory(story), nil
}

// FetchActive returns the unexpired stories viewerId may see, grouped by
// author. The viewer's own group comes first, the rest keep the order of
// each author's oldest active story.
func (s *Service) FetchActive(ctx context.Context, viewerId string) ([]types.StoryGroup, error) {
	const op = "FetchActive"

	active, err := s.db.ListActiveStories(ctx, s.now())
	if err != nil {
		return nil, storeErr(op, err)
	}

	friends := make(map[string]map[string]bool)
	groups := make([]types.StoryGroup, 0)
	index := make(map[string]int)

	for _, st := range active {
		ok, err := s.visible(ctx, st, viewerId, friends)
		if err != nil {
			return nil, storeErr(op, err)
		}
		if !ok {
			continue
		}

		i, seen := index[st.AuthorId]
		if !seen {
			i = len(groups)
			index[st.AuthorId] = i
			groups = append(groups, types.StoryGroup{AuthorId: st.AuthorId})
		}
		groups[i].Stories = append(groups[i].Stories, toStory(st))
	}

	if i, ok := index[viewerId]; ok && i > 0 {
		own := groups[i]
		copy(groups[1:i+1], groups[:i])
		groups[0] = own
	}

	return groups, nil
}

// visible applies the privacy rule. friends caches close-friend sets per
// author for the duration of one call.
func (s *Service) visible(ctx context.Context, st database.Story, viewerId string, friends map[string]map[string]bool) (bool, error) {
	if st.AuthorId == viewerId {
		return true, nil
	}

	switch types.Privacy(st.Privacy) {
	case types.PrivacyPublic:
		return true, nil
	case types.PrivacyCloseFriends:
		set, ok := friends[st.AuthorId]
		if !ok {
			ids, err := s.db.GetCloseFriends(ctx, st.AuthorId)
			if err != nil {
				return false, err
			}
			set = make(map[string]bool, len(ids))
			for _, id := range ids {
				set[id] = true
			}
			friends[st.AuthorId] = set
		}
		return set[viewerId], nil
	default:
		return false, nil
	}
}

// activeStory loads a story that has not expired. Expired stories behave as
// if they did not exist.
func (s *Service) activeStory(ctx context.Context, op string, storyId int64) (database.Story, error) {
	st, err := s.db.GetStory(ctx, storyId)
	if err != nil {
		return database.Story{}, storeErr(op, err)
	}
	if !st.ExpiresAt.After(s.now()) {
		return database.Story{}, errs.NotFound(op, "story expired")
	}
	return st, nil
}

// RecordView marks storyId as seen by viewerId. Repeated views are no-ops;
// authors viewing their own story are not recorded.
func (s *Service) RecordView(ctx context.Context, storyId int64, viewerId string) error {
	const op = "RecordView"

	st, err := s.activeStory(ctx, op, storyId)
	if err != nil {
		return err
	}
	if st.AuthorId == viewerId {
		return nil
	}

	ok, err := s.visible(ctx, st, viewerId, make(map[string]map[string]bool))
	if err != nil {
		return storeErr(op, err)
	}
	if !ok {
		return errs.Forbidden(op, "story is not visible to this user")
	}

	viewedAt := s.now()
	created, err := s.db.CreateStoryView(ctx, database.StoryView{
		StoryId:  storyId,
		ViewerId: viewerId,
		ViewedAt: viewedAt,
	})
	if err != nil {
		return storeErr(op, err)
	}
	if !created {
		return nil
	}

	ev := hub.StoryViewed{StoryId: storyId, ViewerId: viewerId, ViewedAt: viewedAt}
	if err := s.publisher.Publish(ctx, hub.StoryTopic(st.AuthorId), ev); err != nil {
		s.stats.Incr(stats.BestEffortFailures)
		s.log.Warnw("failed to publish story view", "op", op, "story_id", storyId, "error", err)
	}
	return nil
}

// Viewers lists the views of storyId, newest first. Only the author may
// ask.
func (s *Service) Viewers(ctx context.Context, storyId int64, requesterId string) ([]types.StoryView, error) {
	const op = "Viewers"

	st, err := s.db.GetStory(ctx, storyId)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if st.AuthorId != requesterId {
		return nil, errs.Forbidden(op, "only the author can list viewers")
	}

	views, err := s.db.ListStoryViews(ctx, storyId)
	if err != nil {
		return nil, storeErr(op, err)
	}

	out := make([]types.StoryView, 0, len(views))
	for _, v := range views {
		out = append(out, types.StoryView{StoryId: v.StoryId, ViewerId: v.ViewerId, ViewedAt: v.ViewedAt})
	}
	return out, nil
}

// Delete removes a story and its media. Only the author may delete; media
// removal is best effort.
func (s *Service) Delete(ctx context.Context, storyId int64, requesterId string) error {
	const op = "DeleteStory"

	st, err := s.db.GetStory(ctx, storyId)
	if err != nil {
		return storeErr(op, err)
	}
	if st.AuthorId != requesterId {
		return errs.Forbidden(op, "only the author can delete a story")
	}

	if err := s.db.DeleteStory(ctx, storyId); err != nil {
		return storeErr(op, err)
	}

	if st.MediaURL != nil {
		if path, ok := s.blobs.PathFromURL(*st.MediaURL); ok {
			s.removeMedia(ctx, op, storyId, path)
		}
	}

	s.log.Infow("story deleted", "story_id", storyId, "author_id", st.AuthorId)
	return nil
}

func (s *Service) removeMedia(ctx context.Context, op string, storyId int64, path string) {
	if err := s.blobs.Delete(ctx, path); err != nil && !errors.Is(err, blob.ErrNotFound) {
		s.stats.Incr(stats.BestEffortFailures)
		s.log.Warnw("best effort step failed",
			"op", op,
			"step", "delete_blob",
			"story_id", storyId,
			"object", path,
			"kind", errs.KindBestEffort,
			"error", err,
		)
	}
}

func (s *Service) SetCloseFriends(ctx context.Context, ownerId string, friendIds []string) error {
	ids := make([]string, 0, len(friendIds))
	for _, id := range friendIds {
		if id != "" && id != ownerId {
			ids = append(ids, id)
		}
	}
	if err := s.db.SetCloseFriends(ctx, ownerId, ids); err != nil {
		return storeErr("SetCloseFriends", err)
	}
	return nil
}

func (s *Service) CloseFriends(ctx context.Context, ownerId string) ([]string, error) {
	ids, err := s.db.GetCloseFriends(ctx, ownerId)
	if err != nil {
		return nil, storeErr("CloseFriends", err)
	}
	return ids, nil
}

func storeErr(op string, err error) error {
	var e *errs.Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, database.ErrNotFound):
		return errs.Wrap(errs.KindNotFound, op, err)
	case errors.Is(err, database.ErrConflict):
		return errs.Wrap(errs.KindConflict, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindInternal, op, err)
	}
	return errs.Unavailable(op, err)
}

func toStory(s database.Story) types.Story {
	return types.Story{
		Id:              s.Id,
		AuthorId:        s.AuthorId,
		MediaType:       types.MediaType(s.MediaType),
		MediaURL:        s.MediaURL,
		Caption:         s.Caption,
		BackgroundColor: s.BackgroundColor,
		Privacy:         types.Privacy(s.Privacy),
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
	}
}
