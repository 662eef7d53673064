package realtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamHandler upgrades HTTP requests to websocket incident change streams.
type StreamHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a websocket handler. An empty allowedOrigins list
// accepts same-origin requests only; "*" accepts any origin.
func NewStreamHandler(hub *Hub, allowedOrigins []string) *StreamHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || origins["*"] || origins[origin] {
					return true
				}
				return origin == "http://"+r.Host || origin == "https://"+r.Host
			},
		},
	}
}

// RegisterRoutes registers the stream route.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/facilities/{facilityID}/incidents/stream", h.Stream)
}

// Stream handles GET /facilities/{facilityID}/incidents/stream.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	sessionID := uuid.NewString()
	logger := slog.With("session_id", sessionID, "facility_id", facilityID)
	logger.Info("incident stream opened")

	changes, unsubscribe := h.hub.Subscribe(facilityID, "websocket")
	defer unsubscribe()

	if err := h.write(ws, map[string]interface{}{
		"action":     "session_created",
		"session_id": sessionID,
	}); err != nil {
		return
	}

	// The read side only serves control frames; it ends the stream on close.
	closed := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Info("incident stream closed by client")
			return
		case <-r.Context().Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := h.write(ws, map[string]interface{}{
				"action": "incident_changed",
				"change": change,
			}); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) write(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(v); err != nil {
		slog.Warn("failed to write websocket message", "error", err)
		return err
	}
	return nil
}
