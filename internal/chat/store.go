package chat

import (
	"context"
	"errors"
	"fmt"
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
	transcriptTimeFormat = "2006-01-02 15:04"
	retractTimeout       = 5 * time.Second
	maxForwardBatch      = 50
)

type SendParams struct {
	RoomId         string
	AuthorId       string
	Content        *string
	AttachmentURL  *string
	AttachmentType *string
	ReplyToId      *int64
	// ClientToken makes Send idempotent per room and author.
	ClientToken string
}

type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type MessageStore struct {
	db        database.GoChatRepository
	rooms     *Directory
	publisher hub.Publisher
	blobs     blob.Store
	stats     stats.StatsProvider
	log       *zap.SugaredLogger
	now       Clock

	pageLimit     int
	maxUploadSize int64
}

type StoreOptions struct {
	PageLimit     int
	MaxUploadSize int64
	Clock         Clock
}

func NewMessageStore(db database.GoChatRepository, rooms *Directory, publisher hub.Publisher, blobs blob.Store, st stats.StatsProvider, logger *zap.Logger, opts StoreOptions) *MessageStore {
	now := opts.Clock
	if now == nil {
		now = utcNow
	}
	return &MessageStore{
		db:            db,
		rooms:         rooms,
		publisher:     publisher,
		blobs:         blobs,
		stats:         st,
		log:           logger.Sugar().With("component", "message_store"),
		now:           now,
		pageLimit:     opts.PageLimit,
		maxUploadSize: opts.MaxUploadSize,
	}
}

// Send persists a message and publishes Insert before the row commits, so
// a message is either stored and announced or neither.
func (s *MessageStore) Send(ctx context.Context, p SendParams) (types.Message, error) {
	const op = "Send"

	content := normalizeContent(p.Content)
	attachmentURL := nonEmpty(p.AttachmentURL)
	if content == nil && attachmentURL == nil {
		return types.Message{}, errs.Validation(op, "message must have content or an attachment")
	}
	attachmentType := nonEmpty(p.AttachmentType)
	if attachmentURL == nil {
		attachmentType = nil
	}

	if err := s.rooms.CheckAccess(ctx, p.RoomId, p.AuthorId); err != nil {
		return types.Message{}, err
	}

	if p.ClientToken != "" {
		existing, err := s.db.GetMessageByClientToken(ctx, p.RoomId, p.AuthorId, p.ClientToken)
		if err == nil {
			return s.withAuthor(ctx, toMessage(existing)), nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return types.Message{}, storeErr(op, err)
		}
	}

	if p.ReplyToId != nil {
		target, err := s.db.GetMessage(ctx, *p.ReplyToId)
		switch {
		case errors.Is(err, database.ErrNotFound):
			return types.Message{}, errs.Validation(op, "reply target does not exist")
		case err != nil:
			s.log.Warnw("could not verify reply target", "op", op, "reply_to_id", *p.ReplyToId, "error", err)
		case target.RoomId != p.RoomId:
			return types.Message{}, errs.Validation(op, "reply target belongs to another room")
		}
	}

	params := database.CreateMessageParams{
		RoomId:         p.RoomId,
		AuthorId:       p.AuthorId,
		Content:        content,
		AttachmentURL:  attachmentURL,
		AttachmentType: attachmentType,
		ReplyToId:      p.ReplyToId,
		CreatedAt:      s.now(),
	}
	if p.ClientToken != "" {
		token := p.ClientToken
		params.ClientToken = &token
	}

	authorName := s.authorName(ctx, p.AuthorId)

	var (
		published bool
		sent      types.Message
	)
	stored, err := s.db.CreateMessage(ctx, params, func(m database.Message) error {
		sent = toMessage(m)
		sent.AuthorName = authorName
		if err := s.publisher.Publish(ctx, m.RoomId, hub.Insert{Message: sent}); err != nil {
			return fmt.Errorf("publish insert: %w", err)
		}
		published = true
		return nil
	})
	if err != nil {
		if published {
			// the insert was announced but never committed
			s.retract(sent)
		}
		if errors.Is(err, database.ErrConflict) && params.ClientToken != nil {
			existing, getErr := s.db.GetMessageByClientToken(ctx, p.RoomId, p.AuthorId, p.ClientToken)
			if getErr == nil {
				return s.withAuthor(ctx, toMessage(existing)), nil
			}
		}
		return types.Message{}, storeErr(op, err)
	}

	s.stats.Incr(stats.MessagesSent)

	msg := toMessage(stored)
	msg.AuthorName = authorName
	return msg, nil
}

func (s *MessageStore) retract(m types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), retractTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, m.RoomId, hub.Delete{MessageId: m.Id}); err != nil {
		s.stats.Incr(stats.BestEffortFailures)
		s.log.Warnw("failed to retract uncommitted insert", "op", "Send", "message_id", m.Id, "room_id", m.RoomId, "error", err)
	}
}

func (s *MessageStore) authorName(ctx context.Context, userId string) string {
	u, err := s.db.GetAccountById(ctx, userId)
	if err != nil {
		return ""
	}
	return u.Username
}

func (s *MessageStore) withAuthor(ctx context.Context, m types.Message) types.Message {
	m.AuthorName = s.authorName(ctx, m.AuthorId)
	return m
}

// Forward copies messageIds, in request order, into targetRoom as new
// messages from userId. Copies share attachment objects with their sources.
// Every source is checked before anything is sent; sending stops at the
// first failure and returns the copies made so far.
func (s *MessageStore) Forward(ctx context.Context, messageIds []int64, targetRoom, userId string) ([]types.Message, error) {
	const op = "Forward"

	ids := uniqueIds(messageIds)
	if len(ids) == 0 {
		return nil, errs.Validation(op, "no messages to forward")
	}
	if len(ids) > maxForwardBatch {
		return nil, errs.Validation(op, fmt.Sprintf("cannot forward more than %d messages", maxForwardBatch))
	}
	if err := s.rooms.CheckAccess(ctx, targetRoom, userId); err != nil {
		return nil, err
	}

	found, err := loadMessages(ctx, s.db, ids)
	if err != nil {
		return nil, storeErr(op, err)
	}
	byId := make(map[int64]database.Message, len(found))
	for _, m := range found {
		byId[m.Id] = m
	}

	readable := make(map[string]error)
	for _, id := range ids {
		m, ok := byId[id]
		if !ok || m.IsDeleted {
			return nil, errs.NotFound(op, fmt.Sprintf("message %d does not exist", id))
		}
		accessErr, seen := readable[m.RoomId]
		if !seen {
			accessErr = s.rooms.CheckAccess(ctx, m.RoomId, userId)
			readable[m.RoomId] = accessErr
		}
		if accessErr != nil {
			return nil, accessErr
		}
	}

	out := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		m := byId[id]
		sent, err := s.Send(ctx, SendParams{
			RoomId:         targetRoom,
			AuthorId:       userId,
			Content:        m.Content,
			AttachmentURL:  m.AttachmentURL,
			AttachmentType: m.AttachmentType,
		})
		if err != nil {
			return out, err
		}
		out = append(out, sent)
	}

	s.log.Infow("messages forwarded", "user_id", userId, "room_id", targetRoom, "count", len(out))
	return out, nil
}

func uniqueIds(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// FetchRoom returns the newest limit messages of roomId visible to viewerId,
// oldest first, with reply previews resolved.
func (s *MessageStore) FetchRoom(ctx context.Context, roomId, viewerId string, limit int) ([]types.Message, error) {
	const op = "FetchRoom"

	if err := s.rooms.CheckAccess(ctx, roomId, viewerId); err != nil {
		return nil, err
	}

	rows, err := s.db.ListRoomMessages(ctx, roomId, viewerId, pageLimit(limit, s.pageLimit))
	if err != nil {
		return nil, storeErr(op, err)
	}

	return s.decorate(ctx, rows), nil
}

// decorate attaches author names and reply previews. Lookups are best
// effort; a missing reply target renders as unavailable.
func (s *MessageStore) decorate(ctx context.Context, rows []database.Message) []types.Message {
	replyIds := make([]int64, 0)
	for _, m := range rows {
		if m.ReplyToId != nil {
			replyIds = append(replyIds, *m.ReplyToId)
		}
	}

	targets := make(map[int64]database.Message)
	if len(replyIds) > 0 {
		found, err := s.db.GetMessagesByIds(ctx, replyIds)
		if err != nil {
			s.log.Warnw("reply previews unavailable", "op", "FetchRoom", "error", err)
		}
		for _, t := range found {
			targets[t.Id] = t
		}
	}

	authorIds := make([]string, 0, len(rows))
	for _, m := range rows {
		authorIds = append(authorIds, m.AuthorId)
	}
	for _, t := range targets {
		authorIds = append(authorIds, t.AuthorId)
	}
	names := s.usernames(ctx, authorIds)

	msgs := make([]types.Message, 0, len(rows))
	for _, m := range rows {
		msg := toMessage(m)
		msg.AuthorName = names[m.AuthorId]

		if m.ReplyToId != nil {
			preview := &types.ReplyPreview{MessageId: *m.ReplyToId}
			t, ok := targets[*m.ReplyToId]
			if !ok || t.IsDeleted || t.RoomId != m.RoomId {
				preview.Unavailable = true
				preview.Summary = "message unavailable"
			} else {
				preview.AuthorName = names[t.AuthorId]
				preview.Summary = summarize(t)
			}
			msg.Reply = preview
		}

		msgs = append(msgs, msg)
	}
	return msgs
}

func (s *MessageStore) usernames(ctx context.Context, ids []string) map[string]string {
	names := make(map[string]string)
	if len(ids) == 0 {
		return names
	}

	users, err := s.db.GetAccountsByIds(ctx, ids)
	if err != nil {
		s.log.Warnw("author names unavailable", "error", err)
		return names
	}
	for _, u := range users {
		names[u.Id] = u.Username
	}
	return names
}

// FetchMedia lists attachment-bearing messages of authorId, newest first.
// An empty roomId searches every room the requester can read.
func (s *MessageStore) FetchMedia(ctx context.Context, requesterId, authorId, roomId string, limit int) ([]types.Message, error) {
	const op = "FetchMedia"

	if roomId != "" {
		if err := s.rooms.CheckAccess(ctx, roomId, requesterId); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.ListMedia(ctx, authorId, roomId, pageLimit(limit, s.pageLimit))
	if err != nil {
		return nil, storeErr(op, err)
	}

	allowed := make(map[string]bool)
	visible := rows[:0]
	for _, m := range rows {
		ok, seen := allowed[m.RoomId]
		if !seen {
			ok = s.rooms.CheckAccess(ctx, m.RoomId, requesterId) == nil
			allowed[m.RoomId] = ok
		}
		if ok {
			visible = append(visible, m)
		}
	}

	msgs := make([]types.Message, 0, len(visible))
	for _, m := range visible {
		msgs = append(msgs, toMessage(m))
	}
	return msgs, nil
}

// ExportTranscript renders the viewer's visible history of roomId as plain
// text, one "[time] author: content" line per message.
func (s *MessageStore) ExportTranscript(ctx context.Context, roomId, viewerId string) (string, error) {
	msgs, err := s.FetchRoom(ctx, roomId, viewerId, MaxPageLimit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, m := range msgs {
		author := m.AuthorName
		if author == "" {
			author = m.AuthorId
		}

		var body string
		switch {
		case m.IsDeleted:
			body = "[message deleted]"
		case m.Content != nil && m.HasAttachment():
			body = *m.Content + " " + attachmentLabel(m.AttachmentType)
		case m.Content != nil:
			body = *m.Content
		default:
			body = attachmentLabel(m.AttachmentType)
		}

		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.UTC().Format(transcriptTimeFormat), author, body)
	}

	return b.String(), nil
}

// Upload stores an attachment for a later Send.
func (s *MessageStore) Upload(ctx context.Context, authorId, filename string, r io.Reader, size int64) (Attachment, error) {
	const op = "Upload"

	if size <= 0 {
		return Attachment{}, errs.Validation(op, "empty upload")
	}
	if s.maxUploadSize > 0 && size > s.maxUploadSize {
		return Attachment{}, errs.Validation(op, fmt.Sprintf("file exceeds maximum size of %d bytes", s.maxUploadSize))
	}

	contentType := blob.DetectContentType(filename)
	path := blob.ObjectName("attachments/"+authorId, filename, s.now())

	url, err := s.blobs.Put(ctx, path, r, size, contentType)
	if err != nil {
		return Attachment{}, errs.Unavailable(op, err)
	}

	s.log.Infow("attachment uploaded", "author_id", authorId, "object", path, "size", size)
	return Attachment{URL: url, ContentType: contentType, Size: size}, nil
}
