package syncer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout      = 10 * time.Second
	wsHeartbeatInterval = 30 * time.Second
	wsPageSize          = 200
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// ServeWS streams the viewer's change feed over a WebSocket. The connection
// first catches up from the requested cursor, then pushes pages whenever a
// commit publishes a newer cursor for this owner. A viewer that cannot keep
// up is disconnected and resumes by cursor on reconnect.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request, userID string, cursor int64) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	if err := writeWS(conn, map[string]any{
		"type":   "connected",
		"cursor": cursor,
	}); err != nil {
		return fmt.Errorf("write websocket connected payload: %w", err)
	}

	// Subscribe before catching up so no commit between the catch-up query
	// and the first notify is lost.
	sub := s.topic.subscribe(userID)
	defer s.topic.unsubscribe(sub)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	currentCursor, err := s.pushPending(r.Context(), conn, userID, cursor)
	if err != nil {
		return err
	}

	heartbeat := time.NewTicker(wsHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-readDone:
			return nil
		case <-sub.dropped:
			_ = writeWS(conn, map[string]any{"type": "error", "error": "event queue overflow, reconnect and resume by cursor"})
			return nil
		case notified := <-sub.notify:
			drainNotifications(sub, notified)
			currentCursor, err = s.pushPending(r.Context(), conn, userID, currentCursor)
			if err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := writeWS(conn, map[string]any{"type": "heartbeat", "cursor": currentCursor}); err != nil {
				return fmt.Errorf("write websocket heartbeat: %w", err)
			}
		}
	}
}

// pushPending pages the feed from the given cursor and writes every page,
// returning the highest cursor delivered.
func (s *Service) pushPending(ctx context.Context, conn *websocket.Conn, userID string, cursor int64) (int64, error) {
	for {
		pullCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result, err := s.Pull(pullCtx, userID, cursor, wsPageSize)
		cancel()
		if err != nil {
			if writeErr := writeWS(conn, map[string]any{"type": "error", "error": err.Error()}); writeErr != nil {
				return cursor, fmt.Errorf("write websocket error payload: %w", writeErr)
			}
			return cursor, nil
		}
		if len(result.Events) == 0 {
			return cursor, nil
		}

		if err := writeWS(conn, map[string]any{
			"type":   "events",
			"cursor": result.Cursor,
			"events": result.Events,
		}); err != nil {
			return cursor, fmt.Errorf("write websocket events payload: %w", err)
		}
		cursor = result.Cursor

		if !result.HasMore {
			return cursor, nil
		}
	}
}

// drainNotifications coalesces queued wake-ups; one re-query covers them all.
func drainNotifications(sub *subscriber, _ int64) {
	for {
		select {
		case <-sub.notify:
		default:
			return
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
