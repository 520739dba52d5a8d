package handlers

import (
	"context"
	"net/http"
	"time"

	"task-service/auth"
	"task-service/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type taskMessage struct {
	Operation string      `json:"operation"`
	Task      taskSummary `json:"task"`
}

// TaskFeed streams changes to the caller's tasks over a websocket. Browsers
// cannot set headers on the upgrade, so the token travels as ?token=.
func (h *TaskHandler) TaskFeed(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "TaskFeed")

	id, err := h.issuer.Verify(r.URL.Query().Get("token"))
	if err == nil && id.Role != auth.RoleMechanic {
		err = errWrongRole
	}
	if err != nil {
		h.writeError(w, span, err, "Websocket token rejected")
		span.End()
		return
	}

	// the feed outlives the request span
	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	changes, err := h.service.WatchTasks(feedCtx, id.Subject)
	if err != nil {
		cancel()
		h.writeError(w, span, err, "Failed to open task feed")
		span.End()
		return
	}
	span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		h.logger.Error("Websocket upgrade failed", "error", err, "mechanicID", id.Subject, "app", "task-service")
		return
	}
	h.logger.Info("Task feed connected", "mechanicID", id.Subject, "app", "task-service")

	go h.readPump(conn, cancel)
	h.writePump(conn, changes, id.Subject)
}

// readPump discards client frames and cancels the feed once the peer goes away.
func (h *TaskHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Task feed closed unexpectedly", "error", err, "app", "task-service")
			}
			return
		}
	}
}

func (h *TaskHandler) writePump(conn *websocket.Conn, changes <-chan domain.TaskChange, mechanicID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.logger.Info("Task feed disconnected", "mechanicID", mechanicID, "app", "task-service")
	}()
	for {
		select {
		case change, ok := <-changes:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(taskMessage{Operation: change.Operation, Task: summarizeTask(change.Task)}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
