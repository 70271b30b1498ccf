package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/orgcoord/internal/coordinator"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPingPeriod = 30 * time.Second
	watchPongWait   = 2 * watchPingPeriod
)

// handleWatch handles GET /coordinator/{id}/watch. The connection receives
// the current state, then one snapshot after every committed transition.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.watchers == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Watch stream not available")
		return
	}
	entityID := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Printf("[API] Watch upgrade for %s failed: %v", entityID, err)
		return
	}
	defer conn.Close()

	watcher := s.watchers.Subscribe(entityID)
	defer s.watchers.Unsubscribe(watcher)

	state, err := s.registry.Status(r.Context(), entityID)
	if err != nil && !errors.Is(err, coordinator.ErrNotInitialized) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(watchWriteWait))
		return
	}
	if err := writeSnapshot(conn, coordinator.Snapshot{EntityID: entityID, State: state}); err != nil {
		return
	}

	// Drain client frames so pongs and close frames are processed.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case snap, ok := <-watcher.Channel:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(watchWriteWait))
				return
			}
			if err := writeSnapshot(conn, snap); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap coordinator.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(snap)
}
