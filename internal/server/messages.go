package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/hub"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
	Read    *Read    `json:"read,omitempty"`
	Typing  *Typing  `json:"typing,omitempty"`
	Hide    *Hide    `json:"hide,omitempty"`
	Purge   *Purge   `json:"purge,omitempty"`
	UserId  string   `json:"-"`
}

// Join makes room_id the client's active room.
type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId         string  `json:"room_id"`
	Content        *string `json:"content,omitempty"`
	AttachmentURL  *string `json:"attachment_url,omitempty"`
	AttachmentType *string `json:"attachment_type,omitempty"`
	ReplyToId      *int64  `json:"reply_to_id,omitempty"`
	ClientToken    string  `json:"client_token,omitempty"`
}

type Read struct {
	RoomId     string  `json:"room_id"`
	MessageIds []int64 `json:"message_ids"`
}

type Typing struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type Hide struct {
	MessageIds []int64 `json:"message_ids"`
}

type Purge struct {
	MessageId int64 `json:"message_id"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Event        *hub.RoomEvent `json:"event,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Presence *Presence `json:"presence,omitempty"`
	Resync   *Resync   `json:"resync,omitempty"`
}

type Presence struct {
	Present bool   `json:"present"`
	UserId  string `json:"user_id"`
}

// Resync tells a client its subscription was dropped and the room must be
// joined and fetched again.
type Resync struct {
	RoomId string `json:"room_id"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrTooManyRequests(id int) *ServerMessage {
	return response(id, http.StatusTooManyRequests, "too many requests", nil)
}

func ErrNotSubscribed(id int) *ServerMessage {
	return response(id, http.StatusConflict, "not subscribed to room", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

// ErrFromError maps an engine error to a response. Internal details are not
// sent to the client.
func ErrFromError(id int, err error) *ServerMessage {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		var e *errs.Error
		msg := "invalid request"
		if errors.As(err, &e) && e.Msg != "" {
			msg = e.Msg
		}
		return response(id, http.StatusBadRequest, msg, nil)
	case errs.KindNotFound:
		return response(id, http.StatusNotFound, "not found", nil)
	case errs.KindForbidden:
		return response(id, http.StatusForbidden, "forbidden", nil)
	case errs.KindConflict:
		return response(id, http.StatusConflict, "conflict", nil)
	case errs.KindStorageUnavailable:
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}

func EventMessage(ev hub.RoomEvent) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       &ev,
	}
}

func PresenceNotification(userId string, present bool) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &Presence{Present: present, UserId: userId},
		},
	}
}

func ResyncNotification(roomId string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Resync: &Resync{RoomId: roomId},
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
