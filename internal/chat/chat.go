// Package chat implements the message store, the delete and archive
// pipeline and the read receipt ledger on top of the repository and the
// room hub.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500

	replySummaryRunes = 80
)

type PurgeMode string

const (
	PurgeHard PurgeMode = "hard"
	PurgeSoft PurgeMode = "soft"
)

// Clock returns the server time used for timestamps.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return errs.Wrap(errs.KindNotFound, op, err)
	case errors.Is(err, database.ErrConflict):
		return errs.Wrap(errs.KindConflict, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindInternal, op, err)
	}

	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Unavailable(op, err)
}

// visibilityBackoff spaces re-reads of messages not yet visible. Send
// publishes Insert before its transaction commits, so a reader reacting to
// the event can look the row up a moment too early.
var visibilityBackoff = []time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	80 * time.Millisecond,
	200 * time.Millisecond,
}

// loadMessages returns the messages among ids, waiting briefly for any that
// are missing to commit. Ids still missing afterwards do not exist.
func loadMessages(ctx context.Context, db database.GoChatRepository, ids []int64) ([]database.Message, error) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	msgs, err := db.GetMessagesByIds(ctx, ids)
	for _, wait := range visibilityBackoff {
		if err != nil || len(msgs) >= len(want) {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		msgs, err = db.GetMessagesByIds(ctx, ids)
	}

	return msgs, err
}

func pageLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return limit
}

func toMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:             m.Id,
		RoomId:         m.RoomId,
		AuthorId:       m.AuthorId,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		AttachmentType: m.AttachmentType,
		ReplyToId:      m.ReplyToId,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt,
	}
	if m.ClientToken != nil {
		msg.ClientToken = *m.ClientToken
	}
	return msg
}

// summarize renders the one-line preview shown above a reply.
func summarize(m database.Message) string {
	if m.Content != nil && strings.TrimSpace(*m.Content) != "" {
		content := strings.TrimSpace(*m.Content)
		if utf8.RuneCountInString(content) <= replySummaryRunes {
			return content
		}
		runes := []rune(content)
		return string(runes[:replySummaryRunes]) + "…"
	}

	return attachmentLabel(m.AttachmentType)
}

func attachmentLabel(contentType *string) string {
	if contentType == nil {
		return "[file]"
	}
	switch {
	case strings.HasPrefix(*contentType, "image/"):
		return "[image]"
	case strings.HasPrefix(*contentType, "video/"):
		return "[video]"
	default:
		return "[file]"
	}
}

func normalizeContent(content *string) *string {
	if content == nil {
		return nil
	}
	if strings.TrimSpace(*content) == "" {
		return nil
	}
	return content
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
