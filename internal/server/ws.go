package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/host"
)

const (
	// broadcastInterval polls the scene at about 15 Hz.
	broadcastInterval = 66 * time.Millisecond
	writeWait         = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// transformMessage is pushed to WebSocket clients.
type transformMessage struct {
	host.Snapshot
	Timestamp int64 `json:"timestamp"`
}

// wsClient tracks the last revision a client has seen.
type wsClient struct {
	revision uint64
	primed   bool
}

// TransformHandler pushes the active object's transform to WebSocket
// clients whenever the scene changes.
type TransformHandler struct {
	scene   SceneSource
	log     *zap.Logger
	clients map[*websocket.Conn]*wsClient
	mu      sync.Mutex
}

// NewTransformHandler creates a TransformHandler reading from scene.
func NewTransformHandler(scene SceneSource, log *zap.Logger) *TransformHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransformHandler{
		scene:   scene,
		log:     log,
		clients: make(map[*websocket.Conn]*wsClient),
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *TransformHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = &wsClient{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Clients returns the number of connected clients.
func (h *TransformHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run polls the scene and broadcasts changes until ctx is done.
func (h *TransformHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

// broadcast sends the current snapshot to every client that has not seen
// this revision yet.
func (h *TransformHandler) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) == 0 {
		return
	}

	snap, ok := h.scene.Snapshot()
	if !ok {
		return
	}

	var msg []byte
	for conn, c := range h.clients {
		if c.primed && c.revision == snap.Revision {
			continue
		}
		if msg == nil {
			var err error
			msg, err = json.Marshal(transformMessage{Snapshot: snap, Timestamp: time.Now().UnixMilli()})
			if err != nil {
				h.log.Error("marshal transform", zap.Error(err))
				return
			}
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("dropping websocket client", zap.Error(err))
			conn.Close()
			delete(h.clients, conn)
			continue
		}
		c.revision = snap.Revision
		c.primed = true
	}
}

// closeAll disconnects every client.
func (h *TransformHandler) closeAll() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
}
