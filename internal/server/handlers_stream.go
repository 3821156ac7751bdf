package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claude/wodtimer/internal/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// Stream message types.
const (
	msgSnapshot = "snapshot"
	msgCue      = "cue"
)

// streamMessage is the envelope sent to observers. Event is set on cues only.
type streamMessage struct {
	Type  string              `json:"type"`
	Event models.DerivedEvent `json:"event,omitempty"`
	State models.SessionState `json:"state"`
}

// handleSessionWS streams snapshots and cues to an observer. The connection
// counts as an attachment for the lifecycle manager while it is open.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "error", err)
		return
	}
	defer conn.Close()

	if s.life != nil {
		s.life.Attach()
		defer s.life.Detach()
	}
	s.log.Info("observer connected", "remote", r.RemoteAddr)
	defer s.log.Info("observer disconnected", "remote", r.RemoteAddr)

	states, unsubscribe := s.host.Subscribe()
	defer unsubscribe()
	cues, unsubscribeCues := s.host.SubscribeCues()
	defer unsubscribeCues()

	// Observers only listen; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		var msg streamMessage
		select {
		case <-closed:
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			msg = streamMessage{Type: msgSnapshot, State: st}
		case cue, ok := <-cues:
			if !ok {
				return
			}
			msg = streamMessage{Type: msgCue, Event: cue.Event, State: cue.State}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		}

		data, err := json.Marshal(msg)
		if err != nil {
			s.log.Error("ws marshal error", "error", err)
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// handleCueStream sends acted-on milestone and time-ended cues as
// server-sent events, one event per cue named after it.
func (s *Server) handleCueStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	cues, unsubscribe := s.host.SubscribeCues()
	defer unsubscribe()

	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msgSnapshot, mustJSON(s.host.Snapshot()))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case cue, ok := <-cues:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", cue.Event, mustJSON(cue.State))
			flusher.Flush()
		}
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{}`
	}
	return string(b)
}
