package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/osa-agent/osa/internal/events"
)

// keepaliveInterval spaces the SSE comment frames that hold idle
// connections open through proxies.
const keepaliveInterval = 30 * time.Second

// handleStream multiplexes all bus events for one session onto an SSE
// connection. The first frame is always `connected`.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.deps.Bus.SubscribeSession(sessionID)
	defer sub.Close()

	writeFrame(w, events.Connected, map[string]any{"session_id": sessionID})
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			payload := map[string]any{"session_id": evt.SessionID}
			for k, v := range evt.Payload {
				payload[k] = v
			}
			writeFrame(w, evt.Type, payload)
			flusher.Flush()
		}
	}
}

// writeFrame emits one `event: <tag>\ndata: <json>\n\n` frame.
func writeFrame(w http.ResponseWriter, tag events.Type, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", tag, data)
}
