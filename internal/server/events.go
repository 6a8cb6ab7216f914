package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// eventWriteWait bounds each frame write so a dead peer releases its
// dispatcher subscription instead of holding it until TCP gives up.
const eventWriteWait = 10 * time.Second

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Access control happens in the session middleware.
		return true
	},
}

// handleEvents upgrades to a websocket and streams every push event of the
// requested resource until the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	resourceID := c.Param("resourceId")
	if resourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
		return
	}

	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.dispatcher.Subscribe(ctx, resourceID)
	defer cleanup()

	// Drain reads so close frames end the stream.
	go func() {
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			data, encodeErr := event.Encode()
			if encodeErr != nil {
				h.logger.Error("event encoding failed", zap.Error(encodeErr))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if writeErr := conn.WriteMessage(websocket.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
