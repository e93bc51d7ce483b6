package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

type tombstoneKey struct {
	messageId int64
	userId    string
}

type inviteKey struct {
	groupId   string
	accountId string
}

// MemoryRepository is an in-process GoChatRepository used by tests and by
// single-node deployments started with the memory store.
type MemoryRepository struct {
	mu sync.RWMutex

	accounts     map[string]User
	groups       map[string]Group
	invites      map[inviteKey]GroupInvite
	messages     map[int64]Message
	tombstones   map[tombstoneKey]Tombstone
	archives     []Archive
	receipts     map[int64]map[string]time.Time
	stories      map[int64]Story
	storyViews   map[int64]map[string]time.Time
	closeFriends map[string][]string

	nextMessageId int64
	nextArchiveId int64
	nextStoryId   int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[string]User),
		groups:       make(map[string]Group),
		invites:      make(map[inviteKey]GroupInvite),
		messages:     make(map[int64]Message),
		tombstones:   make(map[tombstoneKey]Tombstone),
		receipts:     make(map[int64]map[string]time.Time),
		stories:      make(map[int64]Story),
		storyViews:   make(map[int64]map[string]time.Time),
		closeFriends: make(map[string][]string),
	}
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[params.Id]; ok {
		return User{}, fmt.Errorf("%w: accounts_pkey", ErrConflict)
	}
	for _, u := range r.accounts {
		if u.EmailAddress == params.EmailAddress {
			return User{}, fmt.Errorf("%w: accounts_email_key", ErrConflict)
		}
		if u.Username == params.Username {
			return User{}, fmt.Errorf("%w: accounts_username_key", ErrConflict)
		}
	}

	now := time.Now().UTC()
	u := User{
		Id:           params.Id,
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.accounts[u.Id] = u

	return u, nil
}

func (r *MemoryRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.accounts[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.accounts {
		if u.EmailAddress == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *MemoryRepository) GetAccountsByIds(ctx context.Context, ids []string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var users []User
	for _, id := range uniqueStrings(ids) {
		if u, ok := r.accounts[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (r *MemoryRepository) TouchLastSeen(ctx context.Context, userId string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.accounts[userId]
	if !ok {
		return nil
	}
	if at.After(u.LastSeenAt) {
		u.LastSeenAt = at.UTC()
		r.accounts[userId] = u
	}
	return nil
}

func (r *MemoryRepository) CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[params.Id]; ok {
		return Group{}, fmt.Errorf("%w: groups_pkey", ErrConflict)
	}

	g := Group{
		Id:        params.Id,
		Name:      params.Name,
		OwnerId:   params.OwnerId,
		Members:   uniqueStrings(append([]string{params.OwnerId}, params.Members...)),
		CreatedAt: time.Now().UTC(),
	}
	r.groups[g.Id] = g

	return g, nil
}

func (r *MemoryRepository) GetGroup(ctx context.Context, id string) (Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (r *MemoryRepository) ListGroups(ctx context.Context, userId string) ([]Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var groups []Group
	for _, g := range r.groups {
		for _, m := range g.Members {
			if m == userId {
				groups = append(groups, g)
				break
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].CreatedAt.After(groups[j].CreatedAt)
	})
	return groups, nil
}

func (r *MemoryRepository) CreateInvite(ctx context.Context, invite GroupInvite) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[invite.GroupId]
	if !ok {
		return fmt.Errorf("%w: group_invites_group_id_fkey", ErrNotFound)
	}
	if slices.Contains(g.Members, invite.AccountId) {
		return fmt.Errorf("%w: already a member", ErrConflict)
	}

	key := inviteKey{invite.GroupId, invite.AccountId}
	if _, ok := r.invites[key]; ok {
		return fmt.Errorf("%w: group_invites_pkey", ErrConflict)
	}

	invite.GroupName = g.Name
	invite.CreatedAt = time.Now().UTC()
	r.invites[key] = invite
	return nil
}

func (r *MemoryRepository) AcceptInvite(ctx context.Context, groupId, accountId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inviteKey{groupId, accountId}
	if _, ok := r.invites[key]; !ok {
		return ErrNotFound
	}
	delete(r.invites, key)

	g, ok := r.groups[groupId]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(g.Members, accountId) {
		g.Members = append(slices.Clone(g.Members), accountId)
		r.groups[groupId] = g
	}
	return nil
}

func (r *MemoryRepository) ListInvites(ctx context.Context, accountId string) ([]GroupInvite, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var invites []GroupInvite
	for _, inv := range r.invites {
		if inv.AccountId == accountId {
			invites = append(invites, inv)
		}
	}
	sort.Slice(invites, func(i, j int) bool {
		return invites[i].CreatedAt.After(invites[j].CreatedAt)
	})
	return invites, nil
}

func (r *MemoryRepository) CreateMessage(ctx context.Context, params CreateMessageParams, beforeCommit BeforeCommitFunc) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if params.ClientToken != nil {
		for _, m := range r.messages {
			if m.ClientToken != nil && *m.ClientToken == *params.ClientToken &&
				m.RoomId == params.RoomId && m.AuthorId == params.AuthorId {
				return Message{}, fmt.Errorf("%w: messages_client_token_idx", ErrConflict)
			}
		}
	}

	msg := Message{
		Id:             r.nextMessageId + 1,
		RoomId:         params.RoomId,
		AuthorId:       params.AuthorId,
		Content:        params.Content,
		AttachmentURL:  params.AttachmentURL,
		AttachmentType: params.AttachmentType,
		ReplyToId:      params.ReplyToId,
		ClientToken:    params.ClientToken,
		CreatedAt:      params.CreatedAt.UTC(),
	}

	if beforeCommit != nil {
		if err := beforeCommit(msg); err != nil {
			return Message{}, err
		}
	}

	r.nextMessageId = msg.Id
	r.messages[msg.Id] = msg

	return msg, nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, id int64) (Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (r *MemoryRepository) GetMessageByClientToken(ctx context.Context, roomId, authorId, token string) (Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.messages {
		if m.ClientToken != nil && *m.ClientToken == token && m.RoomId == roomId && m.AuthorId == authorId {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (r *MemoryRepository) GetMessagesByIds(ctx context.Context, ids []int64) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var msgs []Message
	for _, id := range uniqueIds(ids) {
		if m, ok := r.messages[id]; ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Id < msgs[j].Id
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func (r *MemoryRepository) ListRoomMessages(ctx context.Context, roomId, viewerId string, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var msgs []Message
	for _, m := range r.messages {
		if m.RoomId != roomId {
			continue
		}
		if _, hidden := r.tombstones[tombstoneKey{m.Id, viewerId}]; hidden {
			continue
		}
		msgs = append(msgs, m)
	}

	sortMessages(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *MemoryRepository) AttachmentShared(ctx context.Context, url string, excludeId int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.messages {
		if m.Id == excludeId || m.IsDeleted || m.AttachmentURL == nil {
			continue
		}
		if *m.AttachmentURL == url {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) ListMedia(ctx context.Context, authorId, roomId string, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var msgs []Message
	for _, m := range r.messages {
		if m.AuthorId != authorId || m.AttachmentURL == nil {
			continue
		}
		if roomId != "" && m.RoomId != roomId {
			continue
		}
		msgs = append(msgs, m)
	}

	sortMessages(msgs)
	// newest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (r *MemoryRepository) DeleteMessage(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[id]; !ok {
		return ErrNotFound
	}
	delete(r.messages, id)
	delete(r.receipts, id)
	return nil
}

func (r *MemoryRepository) BlankMessage(ctx context.Context, id int64) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok || m.IsDeleted {
		return Message{}, ErrNotFound
	}
	m.Content = nil
	m.AttachmentURL = nil
	m.AttachmentType = nil
	m.IsDeleted = true
	r.messages[id] = m

	return m, nil
}

func (r *MemoryRepository) CreateTombstones(ctx context.Context, userId string, ids []int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids = uniqueIds(ids)
	for _, id := range ids {
		if _, ok := r.messages[id]; !ok {
			return ErrNotFound
		}
	}

	for _, id := range ids {
		key := tombstoneKey{id, userId}
		if _, ok := r.tombstones[key]; ok {
			continue
		}
		r.tombstones[key] = Tombstone{MessageId: id, UserId: userId, CreatedAt: at.UTC()}
	}
	return nil
}

func (r *MemoryRepository) CreateArchive(ctx context.Context, a Archive) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.archives {
		if existing.OriginalMessageId == a.OriginalMessageId {
			return ErrConflict
		}
	}

	r.nextArchiveId++
	a.Id = r.nextArchiveId
	a.ArchivedAt = a.ArchivedAt.UTC()
	r.archives = append(r.archives, a)
	return nil
}

func (r *MemoryRepository) ListArchives(ctx context.Context, originalMessageId int64) ([]Archive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var archives []Archive
	for _, a := range r.archives {
		if a.OriginalMessageId == originalMessageId {
			archives = append(archives, a)
		}
	}
	return archives, nil
}

func (r *MemoryRepository) UpsertReceipts(ctx context.Context, readerId string, ids []int64, at time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstRead []int64
	for _, id := range uniqueIds(ids) {
		m, ok := r.messages[id]
		if !ok || m.AuthorId == readerId {
			continue
		}

		readers, ok := r.receipts[id]
		if !ok {
			readers = make(map[string]time.Time)
			r.receipts[id] = readers
		}
		if _, seen := readers[readerId]; seen {
			continue
		}
		if len(readers) == 0 {
			firstRead = append(firstRead, id)
		}
		readers[readerId] = at.UTC()
	}

	sort.Slice(firstRead, func(i, j int) bool { return firstRead[i] < firstRead[j] })
	return firstRead, nil
}

func (r *MemoryRepository) ListReaders(ctx context.Context, messageId int64) ([]Receipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var receipts []Receipt
	for userId, readAt := range r.receipts[messageId] {
		receipts = append(receipts, Receipt{MessageId: messageId, UserId: userId, ReadAt: readAt})
	}
	sort.Slice(receipts, func(i, j int) bool {
		if receipts[i].ReadAt.Equal(receipts[j].ReadAt) {
			return receipts[i].UserId < receipts[j].UserId
		}
		return receipts[i].ReadAt.After(receipts[j].ReadAt)
	})
	return receipts, nil
}

func (r *MemoryRepository) CreateStory(ctx context.Context, params CreateStoryParams) (Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextStoryId++
	s := Story{
		Id:              r.nextStoryId,
		AuthorId:        params.AuthorId,
		MediaType:       params.MediaType,
		MediaURL:        params.MediaURL,
		Caption:         params.Caption,
		BackgroundColor: params.BackgroundColor,
		Privacy:         params.Privacy,
		CreatedAt:       params.CreatedAt.UTC(),
		ExpiresAt:       params.ExpiresAt.UTC(),
	}
	r.stories[s.Id] = s

	return s, nil
}

func (r *MemoryRepository) GetStory(ctx context.Context, id int64) (Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stories[id]
	if !ok {
		return Story{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) ListActiveStories(ctx context.Context, now time.Time) ([]Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stories []Story
	for _, s := range r.stories {
		if s.ExpiresAt.After(now) {
			stories = append(stories, s)
		}
	}
	sort.Slice(stories, func(i, j int) bool {
		if stories[i].CreatedAt.Equal(stories[j].CreatedAt) {
			return stories[i].Id < stories[j].Id
		}
		return stories[i].CreatedAt.Before(stories[j].CreatedAt)
	})
	return stories, nil
}

func (r *MemoryRepository) DeleteStory(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stories[id]; !ok {
		return ErrNotFound
	}
	delete(r.stories, id)
	delete(r.storyViews, id)
	return nil
}

func (r *MemoryRepository) CreateStoryView(ctx context.Context, view StoryView) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stories[view.StoryId]; !ok {
		return false, ErrNotFound
	}

	views, ok := r.storyViews[view.StoryId]
	if !ok {
		views = make(map[string]time.Time)
		r.storyViews[view.StoryId] = views
	}
	if _, seen := views[view.ViewerId]; seen {
		return false, nil
	}
	views[view.ViewerId] = view.ViewedAt.UTC()
	return true, nil
}

func (r *MemoryRepository) ListStoryViews(ctx context.Context, storyId int64) ([]StoryView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var views []StoryView
	for viewerId, at := range r.storyViews[storyId] {
		views = append(views, StoryView{StoryId: storyId, ViewerId: viewerId, ViewedAt: at})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].ViewedAt.Equal(views[j].ViewedAt) {
			return views[i].ViewerId < views[j].ViewerId
		}
		return views[i].ViewedAt.After(views[j].ViewedAt)
	})
	return views, nil
}

func (r *MemoryRepository) GetCloseFriends(ctx context.Context, ownerId string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	friends := append([]string{}, r.closeFriends[ownerId]...)
	sort.Strings(friends)
	return friends, nil
}

func (r *MemoryRepository) SetCloseFriends(ctx context.Context, ownerId string, friendIds []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeFriends[ownerId] = uniqueStrings(friendIds)
	return nil
}
