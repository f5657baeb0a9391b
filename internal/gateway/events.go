package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Observers are same-operator tooling; the endpoint carries no
	// credentials and no mutation surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams the event bus to observers. The same payloads go out
// either as WebSocket frames or as a newline-delimited JSON stream,
// depending on whether the client asked for an upgrade. An optional
// request_id query parameter narrows the stream to one request.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestFilter := r.URL.Query().Get("request_id")
	var filter func(models.Event) bool
	if requestFilter != "" {
		filter = func(e models.Event) bool { return e.RequestID == requestFilter }
	}

	sub := s.bus.Subscribe(bus.DefaultBufferSize, filter)
	defer sub.Cancel()

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.serveEventsWS(w, r, sub)
		return
	}
	s.serveEventsNDJSON(w, r, sub)
}

func (s *Server) serveEventsWS(w http.ResponseWriter, r *http.Request, sub *bus.Subscription) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reader goroutine: surfaces client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-sub.Events():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bus closed"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveEventsNDJSON(w http.ResponseWriter, r *http.Request, sub *bus.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "", "internal_error", "INTERNAL", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\n", data)
			flusher.Flush()
		}
	}
}
