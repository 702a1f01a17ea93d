package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades the connection and pushes composite snapshots until
// the client disconnects. Each client has its own producer; a disconnect
// cancels only that producer.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	clientID := uuid.NewString()
	s.logger.Info("stream client connected", "client_id", clientID, "remote", conn.RemoteAddr().String())

	ctx := c.Request.Context()
	snapshots := s.aggregator.Stream(ctx, s.streamInterval)

	// Reader goroutine: surfaces client close and discards any input.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		conn.Close()
		s.logger.Info("stream client disconnected", "client_id", clientID)
	}()

	for {
		select {
		case <-done:
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}
