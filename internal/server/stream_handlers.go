package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/bank"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/monitoring"
	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	Collection string   `json:"collection"`
	RecordIDs  []string `json:"recordIds"`
	Timestamp  string   `json:"timestamp"`
	Source     string   `json:"source"`
}

func (h *httpHandler) handleListMonitoringDays(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"days": monitoring.Days()})
}

func (h *httpHandler) handleMonitoringDay(c *gin.Context) {
	report, err := monitoring.DayReport(c.Param("day"))
	if err != nil {
		if errors.Is(err, monitoring.ErrUnknownDay) {
			respondNotFound(c, "day")
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleEventStream streams change notifications as server-sent events. The optional
// `collections` query narrows the stream to a comma-separated subset.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	collections, ok := streamCollections(c.Query("collections"))
	if !ok {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request", Detail: "unknown collection"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, collections...)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Collection: message.Collection,
				RecordIDs:  message.RecordIDs,
				Timestamp:  message.Timestamp.Format(time.RFC3339Nano),
				Source:     realtimeSourceBackend,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
			return true
		}
	})
}

func (h *httpHandler) heartbeatPayload() realtimeEventPayload {
	return realtimeEventPayload{
		RecordIDs: []string{},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    realtimeSourceBackend,
	}
}

func streamCollections(raw string) ([]string, bool) {
	if strings.TrimSpace(raw) == "" {
		return []string{bank.CollectionCustomer, bank.CollectionDeposit}, true
	}
	collections := make([]string, 0, 2)
	for _, part := range strings.Split(raw, ",") {
		collection := strings.ToLower(strings.TrimSpace(part))
		if _, known := realtimeEvents[collection]; !known {
			return nil, false
		}
		collections = append(collections, collection)
	}
	return collections, true
}
