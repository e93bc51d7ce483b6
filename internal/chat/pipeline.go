package chat

import (
	"context"
	"errors"

	"github.com/npezzotti/go-chatsync/internal/blob"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"go.uber.org/zap"
)

// Pipeline handles per-viewer hides and author purges.
type Pipeline struct {
	db        database.GoChatRepository
	rooms     *Directory
	publisher hub.Publisher
	blobs     blob.Store
	stats     stats.StatsProvider
	log       *zap.SugaredLogger
	now       Clock
	mode      PurgeMode
}

func NewPipeline(db database.GoChatRepository, rooms *Directory, publisher hub.Publisher, blobs blob.Store, st stats.StatsProvider, logger *zap.Logger, mode PurgeMode, clock Clock) *Pipeline {
	if mode == "" {
		mode = PurgeHard
	}
	if clock == nil {
		clock = utcNow
	}
	return &Pipeline{
		db:        db,
		rooms:     rooms,
		publisher: publisher,
		blobs:     blobs,
		stats:     st,
		log:       logger.Sugar().With("component", "pipeline"),
		now:       clock,
		mode:      mode,
	}
}

// HideForUser removes a message from userId's view only. Hiding twice is a
// no-op.
func (p *Pipeline) HideForUser(ctx context.Context, messageId int64, userId string) error {
	return p.HideManyForUser(ctx, []int64{messageId}, userId)
}

// HideManyForUser hides every message in one batch. Nothing is hidden if any
// id is unknown or unreadable by userId.
func (p *Pipeline) HideManyForUser(ctx context.Context, messageIds []int64, userId string) error {
	const op = "HideForUser"

	if len(messageIds) == 0 {
		return errs.Validation(op, "no messages to hide")
	}

	msgs, err := loadMessages(ctx, p.db, messageIds)
	if err != nil {
		return storeErr(op, err)
	}

	found := make(map[int64]bool, len(msgs))
	checked := make(map[string]bool)
	for _, m := range msgs {
		found[m.Id] = true
		if checked[m.RoomId] {
			continue
		}
		if err := p.rooms.CheckAccess(ctx, m.RoomId, userId); err != nil {
			return err
		}
		checked[m.RoomId] = true
	}
	for _, id := range messageIds {
		if !found[id] {
			return errs.NotFound(op, "message not found")
		}
	}

	if err := p.db.CreateTombstones(ctx, userId, messageIds, p.now()); err != nil {
		return storeErr(op, err)
	}

	return nil
}

// PurgeForAll removes a message for everyone. Only the author may purge.
// The archive snapshot and blob removal are best effort. Of two concurrent
// purges one wins and the other gets NotFound; the message is archived once.
func (p *Pipeline) PurgeForAll(ctx context.Context, messageId int64, requesterId string) error {
	const op = "PurgeForAll"

	m, err := p.db.GetMessage(ctx, messageId)
	if err != nil {
		return storeErr(op, err)
	}
	if m.AuthorId != requesterId {
		return errs.Forbidden(op, "only the author can delete a message for everyone")
	}
	if m.IsDeleted {
		return errs.NotFound(op, "message already deleted")
	}

	p.archive(ctx, m)
	p.removeBlob(ctx, m)

	switch p.mode {
	case PurgeSoft:
		blanked, err := p.db.BlankMessage(ctx, messageId)
		if err != nil {
			return storeErr(op, err)
		}
		p.announce(ctx, m.RoomId, hub.Update{Message: toMessage(blanked)})
	default:
		if err := p.db.DeleteMessage(ctx, messageId); err != nil {
			return storeErr(op, err)
		}
		p.announce(ctx, m.RoomId, hub.Delete{MessageId: messageId})
	}

	p.log.Infow("message purged", "message_id", messageId, "room_id", m.RoomId, "mode", p.mode)
	return nil
}

func (p *Pipeline) archive(ctx context.Context, m database.Message) {
	err := p.db.CreateArchive(ctx, database.Archive{
		OriginalMessageId: m.Id,
		RoomId:            m.RoomId,
		AuthorId:          m.AuthorId,
		Content:           m.Content,
		AttachmentURL:     m.AttachmentURL,
		ArchivedAt:        p.now(),
	})
	switch {
	case errors.Is(err, database.ErrConflict):
		p.log.Debugw("message already archived", "message_id", m.Id)
	case err != nil:
		p.bestEffortFailed("archive", m.Id, err)
	}
}

func (p *Pipeline) removeBlob(ctx context.Context, m database.Message) {
	if m.AttachmentURL == nil || *m.AttachmentURL == "" {
		return
	}

	path, ok := p.blobs.PathFromURL(*m.AttachmentURL)
	if !ok {
		p.log.Debugw("attachment not owned by blob store", "message_id", m.Id, "url", *m.AttachmentURL)
		return
	}

	shared, err := p.db.AttachmentShared(ctx, *m.AttachmentURL, m.Id)
	if err != nil {
		p.bestEffortFailed("delete_blob", m.Id, err)
		return
	}
	if shared {
		// a forwarded copy still points at the object
		p.log.Debugw("attachment still referenced", "message_id", m.Id, "object", path)
		return
	}

	if err := p.blobs.Delete(ctx, path); err != nil && !errors.Is(err, blob.ErrNotFound) {
		p.bestEffortFailed("delete_blob", m.Id, err)
	}
}

// announce publishes after the row change committed. A failure leaves
// subscribers stale until their next fetch, so it is logged only.
func (p *Pipeline) announce(ctx context.Context, roomId string, ev hub.Event) {
	if err := p.publisher.Publish(ctx, roomId, ev); err != nil {
		p.stats.Incr(stats.BestEffortFailures)
		p.log.Warnw("failed to publish purge", "op", "PurgeForAll", "room_id", roomId, "kind", ev.Kind(), "error", err)
	}
}

func (p *Pipeline) bestEffortFailed(step string, messageId int64, err error) {
	p.stats.Incr(stats.BestEffortFailures)
	p.log.Warnw("best effort step failed",
		"op", "PurgeForAll",
		"step", step,
		"message_id", messageId,
		"kind", errs.KindBestEffort,
		"error", err,
	)
}

