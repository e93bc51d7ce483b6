package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type AccountRepository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, id string) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	GetAccountsByIds(ctx context.Context, ids []string) ([]User, error)
	// TouchLastSeen never moves last_seen_at backwards.
	TouchLastSeen(ctx context.Context, userId string, at time.Time) error
}

type GroupRepository interface {
	CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error)
	GetGroup(ctx context.Context, id string) (Group, error)
	ListGroups(ctx context.Context, userId string) ([]Group, error)
	// CreateInvite returns ErrConflict when the invitee already has a
	// pending invite or is already a member.
	CreateInvite(ctx context.Context, invite GroupInvite) error
	// AcceptInvite returns ErrNotFound when no invite is pending.
	AcceptInvite(ctx context.Context, groupId, accountId string) error
	ListInvites(ctx context.Context, accountId string) ([]GroupInvite, error)
}

// BeforeCommitFunc runs inside the insert transaction. Returning an error
// rolls the insert back.
type BeforeCommitFunc func(Message) error

type MessageRepository interface {
	CreateMessage(ctx context.Context, params CreateMessageParams, beforeCommit BeforeCommitFunc) (Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	GetMessageByClientToken(ctx context.Context, roomId, authorId, token string) (Message, error)
	GetMessagesByIds(ctx context.Context, ids []int64) ([]Message, error)
	// ListRoomMessages returns the newest limit messages of a room that the
	// viewer has not hidden, oldest first.
	ListRoomMessages(ctx context.Context, roomId, viewerId string, limit int) ([]Message, error)
	// ListMedia returns attachment-bearing messages of an author, newest
	// first. An empty roomId matches every room.
	ListMedia(ctx context.Context, authorId, roomId string, limit int) ([]Message, error)
	// AttachmentShared reports whether a live message other than excludeId
	// references url.
	AttachmentShared(ctx context.Context, url string, excludeId int64) (bool, error)
	DeleteMessage(ctx context.Context, id int64) error
	BlankMessage(ctx context.Context, id int64) (Message, error)
	// CreateTombstones hides every id for userId in one batch. Existing
	// tombstones are kept; an unknown id fails the whole batch with
	// ErrNotFound.
	CreateTombstones(ctx context.Context, userId string, ids []int64, at time.Time) error
	// CreateArchive returns ErrConflict when the message is already archived.
	CreateArchive(ctx context.Context, archive Archive) error
	ListArchives(ctx context.Context, originalMessageId int64) ([]Archive, error)
}

type ReceiptRepository interface {
	// UpsertReceipts records reads of existing messages not authored by
	// readerId and returns the ids that had no receipt from anyone before.
	UpsertReceipts(ctx context.Context, readerId string, ids []int64, at time.Time) ([]int64, error)
	ListReaders(ctx context.Context, messageId int64) ([]Receipt, error)
}

type StoryRepository interface {
	CreateStory(ctx context.Context, params CreateStoryParams) (Story, error)
	GetStory(ctx context.Context, id int64) (Story, error)
	ListActiveStories(ctx context.Context, now time.Time) ([]Story, error)
	DeleteStory(ctx context.Context, id int64) error
	// CreateStoryView reports whether a new view row was written.
	CreateStoryView(ctx context.Context, view StoryView) (bool, error)
	ListStoryViews(ctx context.Context, storyId int64) ([]StoryView, error)
	GetCloseFriends(ctx context.Context, ownerId string) ([]string, error)
	SetCloseFriends(ctx context.Context, ownerId string, friendIds []string) error
}

type GoChatRepository interface {
	Ping(ctx context.Context) error
	AccountRepository
	GroupRepository
	MessageRepository
	ReceiptRepository
	StoryRepository
}
