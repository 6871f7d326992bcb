package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/centrodesk/lineup/internal/models"
)

// sseFrame is one event queued for the client.
type sseFrame struct {
	event string
	data  []byte
}

// sseConn adapts an SSE stream to the presence Conn interface. Push is
// called from other goroutines, so frames go through a buffered channel and
// the handler goroutine does all writing.
type sseConn struct {
	frames chan sseFrame
	done   chan struct{}
}

func newSSEConn() *sseConn {
	return &sseConn{
		frames: make(chan sseFrame, 64),
		done:   make(chan struct{}),
	}
}

// Push queues one event for the stream. Returns an error when the stream is
// gone or the client is too slow to keep its buffer drained.
func (s *sseConn) Push(event string, payload []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("server: sse stream closed")
	case s.frames <- sseFrame{event: event, data: payload}:
		return nil
	default:
		return fmt.Errorf("server: sse buffer full")
	}
}

// handleSSE is the per-operator event stream. Opening it marks the operator
// online in the presence registry; the registry entry is cleared on every
// exit path. Queued messages are replayed right after the handshake.
func handleSSE(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID, ok := parseUintParam(c, "operator_id")
		if !ok {
			return
		}

		var op models.Operator
		result := opts.DB.Where("id = ?", operatorID).Find(&op)
		if result.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown operator"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		conn := newSSEConn()
		detach := opts.Registry.Connect(operatorID, conn)
		setOnline(opts, operatorID, true)
		defer func() {
			close(conn.done)
			detach()
			setOnline(opts, operatorID, false)
		}()

		writeSSE(c.Writer, "connected", []byte(`{"operator_id":`+strconv.FormatUint(uint64(operatorID), 10)+`}`))
		c.Writer.Flush()

		// Replay what queued up while the operator was offline.
		if _, err := opts.Router.DrainPending(operatorID); err != nil {
			fmt.Fprintf(opts.Out, "server: drain pending for operator %d: %v\n", operatorID, err)
		}

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				data, _ := json.Marshal(map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				writeSSE(c.Writer, "heartbeat", data)
				c.Writer.Flush()
			case frame := <-conn.frames:
				writeSSE(c.Writer, frame.event, frame.data)
				c.Writer.Flush()
			}
		}
	}
}

// setOnline mirrors presence into the advisory operators.online column.
func setOnline(opts *Opts, operatorID uint, online bool) {
	if err := opts.DB.Model(&models.Operator{}).
		Where("id = ?", operatorID).
		Update("online", online).Error; err != nil {
		fmt.Fprintf(opts.Out, "server: set online=%v for operator %d: %v\n", online, operatorID, err)
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// parseUintParam parses a numeric path parameter, writing the 400 itself.
func parseUintParam(c *gin.Context, name string) (uint, bool) {
	raw := c.Param(name)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return uint(v), true
}
