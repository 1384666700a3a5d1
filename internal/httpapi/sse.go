package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatgate/internal/realtime"
)

const heartbeatInterval = 15 * time.Second

// sseConn adapts one SSE response stream to the hub's Conn interface.
// WriteEvent runs on the client's writer goroutine only.
type sseConn struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func (s *sseConn) WriteEvent(ev realtime.Event) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payloadOrEmpty(ev)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func payloadOrEmpty(ev realtime.Event) string {
	if len(ev.Payload) == 0 {
		return "{}"
	}
	return string(ev.Payload)
}

// streamEvents joins the connection to the session's realtime channel and
// streams hub events as SSE until the client goes away. Join credentials
// ride in query parameters because EventSource cannot set headers.
func (a *API) streamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: codeInternal, Message: "streaming unsupported"})
		return
	}
	uid := c.Query("userId")
	if uid == "" {
		uid = userID(c)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	client := a.hub.Attach(&sseConn{w: c.Writer, flusher: flusher})
	defer a.hub.Detach(client)

	join, err := json.Marshal(realtime.JoinPayload{
		SessionID: c.Param("id"),
		Token:     c.Query("token"),
		UserID:    uid,
		Name:      c.Query("name"),
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: codeInternal, Message: "internal error"})
		return
	}
	ctx := c.Request.Context()
	a.hub.HandleEvent(ctx, client, realtime.Event{Type: realtime.EventJoinChatSession, Payload: join})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Keeps proxies from reaping idle streams. Goes through the
			// client queue so it cannot interleave with hub events.
			if !client.Heartbeat() {
				return
			}
		}
	}
}
