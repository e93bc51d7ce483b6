package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

type EventKind string

const (
	KindInsert      EventKind = "insert"
	KindUpdate      EventKind = "update"
	KindDelete      EventKind = "delete"
	KindTyping      EventKind = "typing"
	KindStoryViewed EventKind = "story_viewed"
)

// Event is one of Insert, Update, Delete, Typing or StoryViewed.
type Event interface {
	Kind() EventKind
}

type Insert struct {
	Message types.Message `json:"message"`
}

type Update struct {
	Message types.Message `json:"message"`
}

type Delete struct {
	MessageId int64 `json:"message_id"`
}

// Typing is ephemeral. Clients expire it after two seconds without a
// refresh.
type Typing struct {
	UserId   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

type StoryViewed struct {
	StoryId  int64     `json:"story_id"`
	ViewerId string    `json:"viewer_id"`
	ViewedAt time.Time `json:"viewed_at"`
}

func (Insert) Kind() EventKind      { return KindInsert }
func (Update) Kind() EventKind      { return KindUpdate }
func (Delete) Kind() EventKind      { return KindDelete }
func (Typing) Kind() EventKind      { return KindTyping }
func (StoryViewed) Kind() EventKind { return KindStoryViewed }

// RoomEvent is an event as delivered to a subscriber.
type RoomEvent struct {
	RoomId string
	Event  Event
}

// envelope is the wire form shared by the transport and websocket clients.
type envelope struct {
	Kind    EventKind       `json:"kind"`
	RoomId  string          `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

func (e RoomEvent) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("room event without payload")
	}

	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{
		Kind:    e.Event.Kind(),
		RoomId:  e.RoomId,
		Payload: payload,
	})
}

func (e *RoomEvent) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var ev Event
	switch env.Kind {
	case KindInsert:
		var v Insert
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		ev = v
	case KindUpdate:
		var v Update
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		ev = v
	case KindDelete:
		var v Delete
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		ev = v
	case KindTyping:
		var v Typing
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		ev = v
	case KindStoryViewed:
		var v StoryViewed
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return err
		}
		ev = v
	default:
		return fmt.Errorf("unknown event kind %q", env.Kind)
	}

	e.RoomId = env.RoomId
	e.Event = ev
	return nil
}

// StoryTopic is the topic story events for author are published on.
func StoryTopic(authorId string) string {
	return "stories:" + authorId
}
