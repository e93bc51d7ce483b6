package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockGoChatRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockGoChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}

func (m *MockGoChatRepository) GetAccountsByIds(ctx context.Context, ids []string) ([]User, error) {
	args := m.Called(ids)
	users, _ := args.Get(0).([]User)
	return users, args.Error(1)
}

func (m *MockGoChatRepository) TouchLastSeen(ctx context.Context, userId string, at time.Time) error {
	args := m.Called(userId, at)
	return args.Error(0)
}

func (m *MockGoChatRepository) CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error) {
	args := m.Called(params)
	return args.Get(0).(Group), args.Error(1)
}

func (m *MockGoChatRepository) GetGroup(ctx context.Context, id string) (Group, error) {
	args := m.Called(id)
	return args.Get(0).(Group), args.Error(1)
}

func (m *MockGoChatRepository) ListGroups(ctx context.Context, userId string) ([]Group, error) {
	args := m.Called(userId)
	groups, _ := args.Get(0).([]Group)
	return groups, args.Error(1)
}

func (m *MockGoChatRepository) CreateInvite(ctx context.Context, invite GroupInvite) error {
	args := m.Called(invite)
	return args.Error(0)
}

func (m *MockGoChatRepository) AcceptInvite(ctx context.Context, groupId, accountId string) error {
	args := m.Called(groupId, accountId)
	return args.Error(0)
}

func (m *MockGoChatRepository) ListInvites(ctx context.Context, accountId string) ([]GroupInvite, error) {
	args := m.Called(accountId)
	invites, _ := args.Get(0).([]GroupInvite)
	return invites, args.Error(1)
}

// CreateMessage runs beforeCommit against the stubbed message so callers
// observe the same hook ordering as the real repositories.
func (m *MockGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams, beforeCommit BeforeCommitFunc) (Message, error) {
	args := m.Called(params)
	msg := args.Get(0).(Message)
	if err := args.Error(1); err != nil {
		return Message{}, err
	}
	if beforeCommit != nil {
		if err := beforeCommit(msg); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

func (m *MockGoChatRepository) GetMessage(ctx context.Context, id int64) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockGoChatRepository) GetMessageByClientToken(ctx context.Context, roomId, authorId, token string) (Message, error) {
	args := m.Called(roomId, authorId, token)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockGoChatRepository) GetMessagesByIds(ctx context.Context, ids []int64) ([]Message, error) {
	args := m.Called(ids)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *MockGoChatRepository) ListRoomMessages(ctx context.Context, roomId, viewerId string, limit int) ([]Message, error) {
	args := m.Called(roomId, viewerId, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *MockGoChatRepository) ListMedia(ctx context.Context, authorId, roomId string, limit int) ([]Message, error) {
	args := m.Called(authorId, roomId, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *MockGoChatRepository) DeleteMessage(ctx context.Context, id int64) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockGoChatRepository) BlankMessage(ctx context.Context, id int64) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockGoChatRepository) CreateTombstones(ctx context.Context, userId string, ids []int64, at time.Time) error {
	args := m.Called(userId, ids)
	return args.Error(0)
}

func (m *MockGoChatRepository) CreateArchive(ctx context.Context, archive Archive) error {
	args := m.Called(archive)
	return args.Error(0)
}

func (m *MockGoChatRepository) AttachmentShared(ctx context.Context, url string, excludeId int64) (bool, error) {
	args := m.Called(url, excludeId)
	return args.Bool(0), args.Error(1)
}

func (m *MockGoChatRepository) ListArchives(ctx context.Context, originalMessageId int64) ([]Archive, error) {
	args := m.Called(originalMessageId)
	archives, _ := args.Get(0).([]Archive)
	return archives, args.Error(1)
}

func (m *MockGoChatRepository) UpsertReceipts(ctx context.Context, readerId string, ids []int64, at time.Time) ([]int64, error) {
	args := m.Called(readerId, ids)
	first, _ := args.Get(0).([]int64)
	return first, args.Error(1)
}

func (m *MockGoChatRepository) ListReaders(ctx context.Context, messageId int64) ([]Receipt, error) {
	args := m.Called(messageId)
	receipts, _ := args.Get(0).([]Receipt)
	return receipts, args.Error(1)
}

func (m *MockGoChatRepository) CreateStory(ctx context.Context, params CreateStoryParams) (Story, error) {
	args := m.Called(params)
	return args.Get(0).(Story), args.Error(1)
}

func (m *MockGoChatRepository) GetStory(ctx context.Context, id int64) (Story, error) {
	args := m.Called(id)
	return args.Get(0).(Story), args.Error(1)
}

func (m *MockGoChatRepository) ListActiveStories(ctx context.Context, now time.Time) ([]Story, error) {
	args := m.Called(now)
	stories, _ := args.Get(0).([]Story)
	return stories, args.Error(1)
}

func (m *MockGoChatRepository) DeleteStory(ctx context.Context, id int64) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockGoChatRepository) CreateStoryView(ctx context.Context, view StoryView) (bool, error) {
	args := m.Called(view)
	return args.Bool(0), args.Error(1)
}

func (m *MockGoChatRepository) ListStoryViews(ctx context.Context, storyId int64) ([]StoryView, error) {
	args := m.Called(storyId)
	views, _ := args.Get(0).([]StoryView)
	return views, args.Error(1)
}

func (m *MockGoChatRepository) GetCloseFriends(ctx context.Context, ownerId string) ([]string, error) {
	args := m.Called(ownerId)
	friends, _ := args.Get(0).([]string)
	return friends, args.Error(1)
}

func (m *MockGoChatRepository) SetCloseFriends(ctx context.Context, ownerId string, friendIds []string) error {
	args := m.Called(ownerId, friendIds)
	return args.Error(0)
}
