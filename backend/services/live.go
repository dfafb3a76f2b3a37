package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/weblate/tracim/backend/live"
	"github.com/weblate/tracim/utils"
)

type LiveService struct {
	messages *MessageService
	monitor  *live.StreamMonitor
	proxyKey []byte
}

type streamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LiveMessages opens the per-user event stream. The backend only performs
// the handshake: it replays any backlog past the client's cursor, then the
// GRIP headers instruct the proxy to hold the connection and push everything
// published to the user's channel from then on.
func (s *LiveService) LiveMessages(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamInt(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := live.VerifyGripSig(r, s.proxyKey); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	afterEventId, err := utils.QueryParamInt(r, "after_event_id", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", live.ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")

	if !s.monitor.TryOpen() {
		// The overflow travels in band on the open stream, the HTTP status
		// stays 200 so that held connections are unaffected.
		payload, _ := json.Marshal(streamError{Code: http.StatusTooManyRequests, Message: "too many open live streams"})
		fmt.Fprint(w, live.SSEEvent(live.StreamErrorEventName, string(payload)))
		return
	}

	// The slot is held for as long as the request stays open: until client
	// disconnect for a direct stream, until proxy hand-off completes for a
	// proxied one.
	ctx := r.Context()
	go func() {
		<-ctx.Done()
		s.monitor.Close()
	}()

	w.Header().Set("Grip-Hold", live.GripHoldStream)
	w.Header().Set("Grip-Channel", live.UserChannel(userId))
	w.Header().Set("Grip-Keep-Alive", live.GripKeepAliveHeader)

	fmt.Fprint(w, live.SSEEvent(live.StreamOpenEventName, ""))

	if afterEventId > 0 {
		backlog, err := s.messages.messagesAfter(userId, afterEventId)
		if err != nil {
			slog.Error("error replaying message backlog", "user_id", userId, "error", err)
			return
		}

		for _, message := range backlog {
			payload, err := json.Marshal(message)
			if err != nil {
				slog.Error("error serializing backlog message", "event_id", message.EventId, "error", err)
				continue
			}
			fmt.Fprint(w, live.SSEEvent("message", string(payload)))
		}
	}
}
