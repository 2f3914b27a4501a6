package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"
)

// sseFrame renders one event as a server-sent event.
func sseFrame(_ string, data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, '\n', '\n'), nil
}

// HandleStream serves GET /events/stream: one server-sent event per
// published event on the granted channels, plus keepalive comments.
func (s *Relay) HandleStream(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var channels, grants []string
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, true, "channel", q, &channels); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, true, "grant", q, &grants); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(channels) != len(grants) {
		writeError(w, http.StatusBadRequest, "each channel needs exactly one grant")
		return
	}
	for i, ch := range channels {
		granted, err := s.grants.Verify(grants[i], ch, "")
		if err != nil || granted != user {
			writeError(w, http.StatusForbidden, "grant rejected for "+ch)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	m := newMember(uuid.NewString(), transportServerPush, sseFrame)
	if !s.hub.Register(m) {
		writeError(w, http.StatusServiceUnavailable, "relay shutting down")
		return
	}
	defer s.hub.Unregister(m)
	for _, ch := range channels {
		s.hub.JoinGroup(m, ch)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With(zap.String("connID", m.id), zap.String("user", user))
	logger.Debug("event stream opened", zap.Strings("channels", channels))

	keepalive := time.NewTicker(s.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client")
			return

		case msg, ok := <-m.send:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
