package database

import "time"

type User struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	LastSeenAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Group struct {
	Id        string
	Name      string
	OwnerId   string
	Members   []string
	CreatedAt time.Time
}

// GroupInvite is a pending invitation. Accepting it moves the invitee into
// group_members.
type GroupInvite struct {
	GroupId   string
	GroupName string
	AccountId string
	InvitedBy string
	CreatedAt time.Time
}

type Message struct {
	Id             int64
	RoomId         string
	AuthorId       string
	Content        *string
	AttachmentURL  *string
	AttachmentType *string
	ReplyToId      *int64
	IsDeleted      bool
	ClientToken    *string
	CreatedAt      time.Time
}

type Tombstone struct {
	MessageId int64
	UserId    string
	CreatedAt time.Time
}

type Archive struct {
	Id                int64
	OriginalMessageId int64
	RoomId            string
	AuthorId          string
	Content           *string
	AttachmentURL     *string
	ArchivedAt        time.Time
}

type Receipt struct {
	MessageId int64
	UserId    string
	ReadAt    time.Time
}

type Story struct {
	Id              int64
	AuthorId        string
	MediaType       string
	MediaURL        *string
	Caption         string
	BackgroundColor string
	Privacy         string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

type StoryView struct {
	StoryId  int64
	ViewerId string
	ViewedAt time.Time
}

type CreateAccountParams struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateGroupParams struct {
	Id      string
	Name    string
	OwnerId string
	Members []string
}

type CreateMessageParams struct {
	RoomId         string
	AuthorId       string
	Content        *string
	AttachmentURL  *string
	AttachmentType *string
	ReplyToId      *int64
	ClientToken    *string
	CreatedAt      time.Time
}

type CreateStoryParams struct {
	AuthorId        string
	MediaType       string
	MediaURL        *string
	Caption         string
	BackgroundColor string
	Privacy         string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}
