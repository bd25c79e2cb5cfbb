package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/conda-incubator/condastore/internal/app"
	"github.com/conda-incubator/condastore/internal/buildstate"
	"github.com/gin-gonic/gin"
)

// Event stream timing. Tests shorten these.
var (
	eventPoll      = 2 * time.Second
	eventHeartbeat = 15 * time.Second
)

// handleBuildEvents streams a build's status as server-sent events. A
// "status" event is sent on every change; the stream ends once the build
// reaches a terminal state.
func handleBuildEvents(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		b, err := a.GetBuild(id)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		last := b.Status
		writeSSE(c.Writer, "status", newBuildView(b))
		c.Writer.Flush()
		if buildstate.Terminal(last) {
			return
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(eventPoll)
		heartbeat := time.NewTicker(eventHeartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				b, err := a.GetBuild(id)
				if err != nil {
					writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
					c.Writer.Flush()
					return
				}
				if b.Status == last {
					continue
				}
				last = b.Status
				writeSSE(c.Writer, "status", newBuildView(b))
				c.Writer.Flush()
				if buildstate.Terminal(last) {
					return
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
