// Package stream fans status records out to WebSocket subscribers per job.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

type subscriber struct {
	id    uuid.UUID
	jobID string
	conn  *websocket.Conn
	send  chan []byte

	// While pending, broadcasts are held back and a Close is deferred until
	// the initial record has been queued.
	pending bool
	held    [][]byte
	closed  bool
}

// Hub tracks WebSocket subscribers per job. Broadcast never blocks on a slow
// client: each subscriber has its own writer goroutine and a bounded buffer,
// and a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uuid.UUID]*subscriber
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[uuid.UUID]*subscriber),
		logger: logger,
	}
}

// Subscribe registers conn for jobID and starts its writer.
func (h *Hub) Subscribe(jobID string, conn *websocket.Conn) uuid.UUID {
	return h.subscribe(jobID, conn, false)
}

func (h *Hub) subscribe(jobID string, conn *websocket.Conn, pending bool) uuid.UUID {
	s := &subscriber{
		id:      uuid.New(),
		jobID:   jobID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		pending: pending,
	}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[uuid.UUID]*subscriber)
	}
	h.subs[jobID][s.id] = s
	h.mu.Unlock()

	go h.writePump(s)
	return s.id
}

// Attach subscribes conn, then sends the record returned by load ahead of any
// broadcast. load runs only once the subscription exists, so a stream closed
// meanwhile still delivers its final record. A terminal or failed load ends
// the stream. Attach blocks reading from the client until it disconnects or
// the job's stream is closed. A nil load sends no initial record.
func (h *Hub) Attach(jobID string, conn *websocket.Conn, load func() (models.StatusRecord, error)) {
	id := h.subscribe(jobID, conn, load != nil)

	if load != nil {
		var msg []byte
		end := true
		rec, err := load()
		if err != nil {
			h.logger.Warn("load stream snapshot", "job_id", jobID, "error", err)
		} else if msg, err = json.Marshal(rec); err != nil {
			h.logger.Error("encode stream record", "job_id", jobID, "error", err)
			msg = nil
		} else {
			end = rec.Terminal()
		}
		h.release(jobID, id, msg, end)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.Unsubscribe(jobID, id)
}

// release queues initial and anything broadcast while the subscriber was
// pending, then applies a deferred Close.
func (h *Hub) release(jobID string, id uuid.UUID, initial []byte, end bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.subs[jobID][id]
	if s == nil {
		return
	}
	held := s.held
	s.pending, s.held = false, nil

	if initial != nil && !h.enqueueLocked(s, initial) {
		return
	}
	if !end {
		for _, msg := range held {
			if !h.enqueueLocked(s, msg) {
				return
			}
		}
	}
	if end || s.closed {
		h.removeLocked(s)
	}
}

func (h *Hub) Unsubscribe(jobID string, id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.subs[jobID][id]; s != nil {
		h.removeLocked(s)
	}
}

// Broadcast sends rec to every subscriber of rec.ID.
func (h *Hub) Broadcast(rec models.StatusRecord) {
	msg, err := json.Marshal(rec)
	if err != nil {
		h.logger.Error("encode stream record", "job_id", rec.ID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[rec.ID] {
		h.enqueueLocked(s, msg)
	}
}

// Close ends every stream for jobID with a normal closure.
func (h *Hub) Close(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[jobID] {
		h.closeLocked(s)
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, byID := range h.subs {
		for _, s := range byID {
			h.closeLocked(s)
		}
	}
}

// Subscribers returns the number of live subscribers for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// enqueueLocked reports false when s was dropped for falling behind.
func (h *Hub) enqueueLocked(s *subscriber, msg []byte) bool {
	if s.pending {
		if len(s.held) < sendBuffer {
			s.held = append(s.held, msg)
			return true
		}
	} else {
		select {
		case s.send <- msg:
			return true
		default:
		}
	}
	h.logger.Warn("dropping slow stream subscriber", "job_id", s.jobID, "subscriber", s.id)
	h.removeLocked(s)
	return false
}

func (h *Hub) closeLocked(s *subscriber) {
	if s.pending {
		s.closed = true
		return
	}
	h.removeLocked(s)
}

// removeLocked closes the send channel; the writer drains it and closes the conn.
func (h *Hub) removeLocked(s *subscriber) {
	byID := h.subs[s.jobID]
	if byID[s.id] != s {
		return
	}
	delete(byID, s.id)
	if len(byID) == 0 {
		delete(h.subs, s.jobID)
	}
	close(s.send)
}

func (h *Hub) writePump(s *subscriber) {
	defer s.conn.Close()

	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("stream write failed", "job_id", s.jobID, "error", err)
			h.Unsubscribe(s.jobID, s.id)
			for range s.send {
			}
			return
		}
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
}
