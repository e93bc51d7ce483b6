package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// multipartMemory bounds the part of an upload buffered in memory.
const multipartMemory = 1 << 20

type SendMessageRequest struct {
	Content        *string `json:"content"`
	AttachmentURL  *string `json:"attachment_url"`
	AttachmentType *string `json:"attachment_type"`
	ReplyToId      *int64  `json:"reply_to_id"`
	ClientToken    string  `json:"client_token"`
}

type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type MessageIdsRequest struct {
	MessageIds []int64 `json:"message_ids"`
}

type InviteRequest struct {
	UserId string `json:"user_id"`
}

type StatusResponse struct {
	MessageId int64                `json:"message_id"`
	Status    types.DeliveryStatus `json:"status"`
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	limit, err := queryInt(r, "limit")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.svc.Store.FetchRoom(r.Context(), r.PathValue("room"), userId, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.svc.Store.Send(r.Context(), chat.SendParams{
		RoomId:         r.PathValue("room"),
		AuthorId:       userId,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
		AttachmentType: req.AttachmentType,
		ReplyToId:      req.ReplyToId,
		ClientToken:    req.ClientToken,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) exportTranscript(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)
	roomId := r.PathValue("room")

	transcript, err := s.svc.Store.ExportTranscript(r.Context(), roomId, userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filename := strings.NewReplacer(":", "-", "/", "-").Replace(roomId) + ".txt"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(transcript))
}

func (s *GoChatApp) createGroup(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	group, err := s.svc.Rooms.CreateGroup(r.Context(), userId, req.Name, req.Members)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, group)
}

func (s *GoChatApp) listGroups(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	groups, err := s.svc.Rooms.ListGroups(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []types.Group{}
	}

	s.writeJson(w, http.StatusOK, groups)
}

func (s *GoChatApp) inviteMember(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Rooms.InviteMember(r.Context(), r.PathValue("group"), userId, req.UserId); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) acceptInvite(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	group, err := s.svc.Rooms.AcceptInvite(r.Context(), r.PathValue("group"), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, group)
}

func (s *GoChatApp) listInvites(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	invites, err := s.svc.Rooms.PendingInvites(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if invites == nil {
		invites = []types.GroupInvite{}
	}

	s.writeJson(w, http.StatusOK, invites)
}

func (s *GoChatApp) forwardMessages(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req MessageIdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	copies, err := s.svc.Store.Forward(r.Context(), req.MessageIds, r.PathValue("room"), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, copies)
}

func (s *GoChatApp) hideMessages(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req MessageIdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Pipeline.HideManyForUser(r.Context(), req.MessageIds, userId); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) purgeMessage(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	id, err := pathId(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Pipeline.PurgeForAll(r.Context(), id, userId); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) getReaders(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	id, err := pathId(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	readers, err := s.svc.Ledger.GetReaders(r.Context(), id, userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if readers == nil {
		readers = []types.Reader{}
	}

	s.writeJson(w, http.StatusOK, readers)
}

func (s *GoChatApp) getStatus(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	id, err := pathId(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	status, err := s.svc.Ledger.Status(r.Context(), id, userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, StatusResponse{MessageId: id, Status: status})
}

func (s *GoChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req MessageIdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Ledger.MarkRead(r.Context(), userId, req.MessageIds); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseUpload limits the request body and parses the multipart form.
func (s *GoChatApp) parseUpload(w http.ResponseWriter, r *http.Request) *ApiError {
	if s.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartMemory)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return newApiError(http.StatusRequestEntityTooLarge)
		}
		return NewBadRequestError()
	}
	return nil
}

func (s *GoChatApp) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	if errResp := s.parseUpload(w, r); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		errResp := NewValidationError("file is required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer file.Close()

	att, err := s.svc.Store.Upload(r.Context(), userId, header.Filename, file, header.Size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, att)
}

func (s *GoChatApp) getMedia(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	limit, err := queryInt(r, "limit")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	media, err := s.svc.Store.FetchMedia(r.Context(), userId, r.PathValue("id"), r.URL.Query().Get("room_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if media == nil {
		media = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, media)
}
