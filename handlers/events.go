package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storyForge/middleware"
	"storyForge/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventsHandler streams bus events to WebSocket observers, one
// subscription per connection.
type EventsHandler struct {
	bus    *pipeline.Bus
	logger *zap.Logger
}

func NewEventsHandler(bus *pipeline.Bus, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger}
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	h.logger.Info("Event stream opened",
		zap.String("trace_id", traceID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Drain reads so close frames are processed; unsubscribing unblocks
	// the write loop through the closed channel.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for evt := range events {
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Info("Event stream closed",
				zap.String("trace_id", traceID),
				zap.Error(err),
			)
			return
		}
	}
}
