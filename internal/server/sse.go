package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/collab/push"
)

// handleSSE streams the push messages of a page to one edit session.
// Browsers reconnect on their own, so a session may open several streams
// over its lifetime; the newest replaces the older one.
func (s *Server) handleSSE(c *gin.Context) {
	pagePath := strings.TrimSpace(c.Query("page"))
	uid := strings.TrimSpace(c.Query("uid"))
	if pagePath == "" || uid == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Dispatcher", "no-cache")
	c.Status(http.StatusOK)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.stream.StreamTimeout)
	defer cancel()

	conn := push.NewStreamConnection(uuid.NewString(), s.stream.QueueSize, s.stream.SendTimeout)
	defer s.collab.Close(conn)

	logger := s.logger.With(
		zap.String("page", pagePath),
		zap.String("session_id", uid),
		zap.String("conn", conn.ID()))
	if err := s.collab.Open(ctx, pagePath, userID(c), uid, conn); err != nil {
		logger.Error("failed to open event stream", zap.Error(err))
		return
	}
	logger.Debug("event stream opened")

	for {
		select {
		case frame := <-conn.Frames():
			if _, err := c.Writer.Write(frame); err != nil {
				logger.Debug("failed to write event", zap.Error(err))
				return
			}
			c.Writer.Flush()
		case <-conn.Done():
			logger.Debug("event stream closed by server")
			return
		case <-ctx.Done():
			logger.Debug("event stream ended", zap.Error(ctx.Err()))
			return
		case <-s.shutdownCh:
			return
		}
	}
}
