package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/event"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

// handleAuthChannel serves POST /auth-channel.
func (s *Relay) handleAuthChannel(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req api.GrantRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := Authorize(user, req.Channel); err != nil {
		s.metrics.Grant(false)
		s.logger.Debug("channel denied",
			zap.String("user", user),
			zap.String("channel", req.Channel),
		)
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	token, expires, err := s.grants.Issue(user, req.Channel, req.ConnectionID, req.Realm)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.Grant(true)
	writeJSON(w, http.StatusOK, api.Grant{Channel: req.Channel, Grant: token, ExpiresAt: expires})
}

// handlePoll serves GET /events/poll.
func (s *Relay) handlePoll(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	q := r.URL.Query()

	var since string
	var channels []string
	if err := runtime.BindQueryParameter("form", true, false, "since", q, &since); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "channel", q, &channels); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, ch := range channels {
		if err := Authorize(user, ch); err != nil {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
	}

	events, latest, err := s.store.Since(since, channels, s.cfg.PollLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, api.PollResponse{Events: events, LatestCursor: latest})
}

// handleMarkRead serves POST /messages/mark-read.
func (s *Relay) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req api.MarkReadRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := s.MarkRead(user, req.MessageID); err != nil {
		if errors.Is(err, ErrUnknownMessage) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTyping serves POST /typing.
func (s *Relay) handleTyping(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req api.TypingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Typing(user, req.ConversationID, req.IsTyping); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePublish serves POST /publish. The sender defaults to the caller.
func (s *Relay) handlePublish(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if !decodeBody(w, r, &e) {
		return
	}
	if e.SenderID == "" {
		e.SenderID = userFrom(r.Context())
	}
	stored, err := s.Publish(e)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}
