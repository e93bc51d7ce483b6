package chat

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"go.uber.org/zap"
)

// Ledger records read receipts and derives delivery status. A message is
// read once any non-author has read it, in every room shape.
type Ledger struct {
	db        database.GoChatRepository
	rooms     *Directory
	publisher hub.Publisher
	stats     stats.StatsProvider
	log       *zap.SugaredLogger
	now       Clock
}

func NewLedger(db database.GoChatRepository, rooms *Directory, publisher hub.Publisher, st stats.StatsProvider, logger *zap.Logger, clock Clock) *Ledger {
	if clock == nil {
		clock = utcNow
	}
	return &Ledger{
		db:        db,
		rooms:     rooms,
		publisher: publisher,
		stats:     st,
		log:       logger.Sugar().With("component", "ledger"),
		now:       clock,
	}
}

// MarkRead records that readerId has read messageIds. Repeats, unknown ids
// and the reader's own messages are ignored. The first receipt of a message
// publishes an Update carrying status read.
func (l *Ledger) MarkRead(ctx context.Context, readerId string, messageIds []int64) error {
	const op = "MarkRead"

	if len(messageIds) == 0 {
		return nil
	}

	msgs, err := loadMessages(ctx, l.db, messageIds)
	if err != nil {
		return storeErr(op, err)
	}

	byId := make(map[int64]database.Message, len(msgs))
	checked := make(map[string]bool)
	for _, m := range msgs {
		byId[m.Id] = m
		if checked[m.RoomId] {
			continue
		}
		if err := l.rooms.CheckAccess(ctx, m.RoomId, readerId); err != nil {
			return err
		}
		checked[m.RoomId] = true
	}
	if len(byId) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(byId))
	for id := range byId {
		ids = append(ids, id)
	}

	firstRead, err := l.db.UpsertReceipts(ctx, readerId, ids, l.now())
	if err != nil {
		return storeErr(op, err)
	}

	for _, id := range firstRead {
		m, ok := byId[id]
		if !ok {
			continue
		}
		msg := toMessage(m)
		msg.Status = string(types.StatusRead)
		if err := l.publisher.Publish(ctx, m.RoomId, hub.Update{Message: msg}); err != nil {
			l.stats.Incr(stats.BestEffortFailures)
			l.log.Warnw("failed to publish read update", "op", op, "message_id", id, "error", err)
		}
	}

	return nil
}

// GetReaders lists who read messageId, most recent first.
func (l *Ledger) GetReaders(ctx context.Context, messageId int64, requesterId string) ([]types.Reader, error) {
	const op = "GetReaders"

	m, err := l.db.GetMessage(ctx, messageId)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if err := l.rooms.CheckAccess(ctx, m.RoomId, requesterId); err != nil {
		return nil, err
	}

	receipts, err := l.db.ListReaders(ctx, messageId)
	if err != nil {
		return nil, storeErr(op, err)
	}

	ids := make([]string, 0, len(receipts))
	for _, r := range receipts {
		ids = append(ids, r.UserId)
	}
	names := make(map[string]string)
	if len(ids) > 0 {
		users, err := l.db.GetAccountsByIds(ctx, ids)
		if err != nil {
			l.log.Warnw("reader names unavailable", "op", op, "error", err)
		}
		for _, u := range users {
			names[u.Id] = u.Username
		}
	}

	readers := make([]types.Reader, 0, len(receipts))
	for _, r := range receipts {
		readers = append(readers, types.Reader{
			UserId:   r.UserId,
			Username: names[r.UserId],
			ReadAt:   r.ReadAt,
		})
	}
	return readers, nil
}

// Status derives sent, delivered or read for messageId.
func (l *Ledger) Status(ctx context.Context, messageId int64, requesterId string) (types.DeliveryStatus, error) {
	const op = "Status"

	m, err := l.db.GetMessage(ctx, messageId)
	if err != nil {
		return "", storeErr(op, err)
	}
	if err := l.rooms.CheckAccess(ctx, m.RoomId, requesterId); err != nil {
		return "", err
	}

	receipts, err := l.db.ListReaders(ctx, messageId)
	if err != nil {
		return "", storeErr(op, err)
	}
	for _, r := range receipts {
		if r.UserId != m.AuthorId {
			return types.StatusRead, nil
		}
	}

	peer, ok := l.rooms.Peer(m.RoomId, m.AuthorId)
	if !ok {
		// public and group rooms count as delivered once stored
		return types.StatusDelivered, nil
	}

	u, err := l.db.GetAccountById(ctx, peer)
	if err != nil {
		if errs.Is(storeErr(op, err), errs.KindNotFound) {
			return types.StatusSent, nil
		}
		return "", storeErr(op, err)
	}
	if !u.LastSeenAt.IsZero() && !u.LastSeenAt.Before(m.CreatedAt) {
		return types.StatusDelivered, nil
	}
	return types.StatusSent, nil
}
