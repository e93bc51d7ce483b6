package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/stories"
	"github.com/npezzotti/go-chatsync/internal/types"
)

type CreateStoryRequest struct {
	MediaType       types.MediaType `json:"media_type"`
	Caption         string          `json:"caption"`
	BackgroundColor string          `json:"background_color"`
	Privacy         types.Privacy   `json:"privacy"`
}

type CloseFriendsRequest struct {
	UserIds []string `json:"user_ids"`
}

// createStory accepts JSON for text stories and multipart forms with a
// "media" file for image and video stories.
func (s *GoChatApp) createStory(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req CreateStoryRequest
	var media *stories.Media

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if errResp := s.parseUpload(w, r); errResp != nil {
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		req = CreateStoryRequest{
			MediaType:       types.MediaType(r.FormValue("media_type")),
			Caption:         r.FormValue("caption"),
			BackgroundColor: r.FormValue("background_color"),
			Privacy:         types.Privacy(r.FormValue("privacy")),
		}

		file, header, err := r.FormFile("media")
		if err == nil {
			defer file.Close()
			media = &stories.Media{Filename: header.Filename, Reader: file, Size: header.Size}
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	story, err := s.svc.Stories.Create(r.Context(), stories.CreateParams{
		AuthorId:        userId,
		MediaType:       req.MediaType,
		Media:           media,
		Caption:         req.Caption,
		BackgroundColor: req.BackgroundColor,
		Privacy:         req.Privacy,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, story)
}

func (s *GoChatApp) getStories(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	groups, err := s.svc.Stories.FetchActive(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []types.StoryGroup{}
	}

	s.writeJson(w, http.StatusOK, groups)
}

func (s *GoChatApp) recordStoryView(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	id, err := pathId(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Stories.RecordView(r.Context(), id, userId); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) getStoryViews(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	id, err := pathId(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	views, err := s.svc.Stories.Viewers(r.Context(), id, userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []types.StoryView{}
	}

	s.writeJson(w, http.StatusOK, views)
}

func (s *GoChatApp) deleteStory(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	id, err := pathId(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Stories.Delete(r.Context(), id, userId); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) getCloseFriends(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	friends, err := s.svc.Stories.CloseFriends(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if friends == nil {
		friends = []string{}
	}

	s.writeJson(w, http.StatusOK, CloseFriendsRequest{UserIds: friends})
}

func (s *GoChatApp) setCloseFriends(w http.ResponseWriter, r *http.Request) {
	userId := sessionUserId(r)

	var req CloseFriendsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Stories.SetCloseFriends(r.Context(), userId, req.UserIds); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) getPresence(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.Presence.LastSeen(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, entry)
}
