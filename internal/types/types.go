package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	IsPresent    bool      `json:"is_present,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Group struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerId   string    `json:"owner_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

type GroupInvite struct {
	GroupId   string    `json:"group_id"`
	GroupName string    `json:"group_name"`
	InvitedBy string    `json:"invited_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	Id             int64         `json:"id"`
	RoomId         string        `json:"room_id"`
	AuthorId       string        `json:"author_id"`
	AuthorName     string        `json:"author_name,omitempty"`
	Content        *string       `json:"content"`
	AttachmentURL  *string       `json:"attachment_url,omitempty"`
	AttachmentType *string       `json:"attachment_type,omitempty"`
	ReplyToId      *int64        `json:"reply_to_id,omitempty"`
	Reply          *ReplyPreview `json:"reply,omitempty"`
	IsDeleted      bool          `json:"is_deleted"`
	ClientToken    string        `json:"client_token,omitempty"`
	Status         string        `json:"status,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// HasAttachment reports whether the message carries a stored object.
func (m Message) HasAttachment() bool {
	return m.AttachmentURL != nil && *m.AttachmentURL != ""
}

// ReplyPreview is the denormalized view of the message being replied to.
type ReplyPreview struct {
	MessageId   int64  `json:"message_id"`
	AuthorName  string `json:"author_name,omitempty"`
	Summary     string `json:"summary"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

type Reader struct {
	UserId   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ReadAt   time.Time `json:"read_at"`
}

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaText  MediaType = "text"
)

type Privacy string

const (
	PrivacyPublic       Privacy = "public"
	PrivacyCloseFriends Privacy = "close_friends"
	PrivacyPrivate      Privacy = "private"
)

type Story struct {
	Id              int64     `json:"id"`
	AuthorId        string    `json:"author_id"`
	MediaType       MediaType `json:"media_type"`
	MediaURL        *string   `json:"media_url,omitempty"`
	Caption         string    `json:"caption"`
	BackgroundColor string    `json:"background_color,omitempty"`
	Privacy         Privacy   `json:"privacy"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// StoryGroup holds one author's active stories, oldest first.
type StoryGroup struct {
	AuthorId string  `json:"author_id"`
	Stories  []Story `json:"stories"`
}

type StoryView struct {
	StoryId  int64     `json:"story_id"`
	ViewerId string    `json:"viewer_id"`
	ViewedAt time.Time `json:"viewed_at"`
}

type PresenceEntry struct {
	UserId     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
