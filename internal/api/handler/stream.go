package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

// Streamer attaches a WebSocket to a job's live updates. load is called once
// the socket is subscribed and supplies the first record sent.
type Streamer interface {
	Attach(jobID string, conn *websocket.Conn, load func() (models.StatusRecord, error))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewStreamHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/stream.
// The current record is sent first. A job already in a terminal state gets
// that one record and a normal closure; otherwise tracking is started if
// needed and every further record is pushed until the job finishes.
func NewStreamHandler(svc Watcher, hub Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		rec, err := svc.Snapshot(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}

		if rec.Terminal() {
			defer conn.Close()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if msg, err := json.Marshal(rec); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, msg)
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
			return
		}

		svc.Track(jobID)
		// Re-read after subscribing: the job may have finished, and its stream
		// been closed, since the first snapshot.
		ctx := r.Context()
		hub.Attach(jobID, conn, func() (models.StatusRecord, error) {
			return svc.Snapshot(ctx, jobID)
		})
	}
}
