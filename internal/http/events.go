package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

const streamHeartbeat = 15 * time.Second

// streamEvents streams progress notifications of one execution as
// Server-Sent Events until the client goes away.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.GetExecution(id); err != nil {
		respondError(c, err)
		return
	}

	sub := s.engine.Bus().Subscribe(id)
	defer sub.Unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UTC()})
			return true
		case n, ok := <-sub.C():
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{Event: "progress", Id: strconv.FormatUint(n.Seq, 10), Data: n})
			return true
		}
	})
}
