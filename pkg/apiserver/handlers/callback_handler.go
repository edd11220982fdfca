package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/callbacks"
	"github.com/adflow/adflow/pkg/eventbus"
)

const maxCallbackBody = 1 << 20

// CallbackQueue hands webhooks to the callback worker.
type CallbackQueue interface {
	PublishCallback(ctx context.Context, cb eventbus.Callback) error
}

// CallbackHandler receives vendor webhooks. With a queue the webhook is
// authenticated and queued; otherwise it is applied before responding.
type CallbackHandler struct {
	processor *callbacks.Processor
	queue     CallbackQueue
	logger    *zap.Logger
}

func NewCallbackHandler(processor *callbacks.Processor, queue CallbackQueue, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{processor: processor, queue: queue, logger: logger}
}

func (h *CallbackHandler) Receive(c *gin.Context) {
	vendor := c.Param("vendor")
	token := c.Query("token")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if h.queue != nil {
		if _, err := h.processor.Verify(vendor, token); err != nil {
			respondError(c, h.logger, err)
			return
		}
		if err := h.queue.PublishCallback(c.Request.Context(), eventbus.NewCallback(vendor, token, body)); err != nil {
			h.logger.Error("failed to queue callback", zap.String("vendor", vendor), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "callback not accepted"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"success": true, "queued": true})
		return
	}

	rec, err := h.processor.Process(c.Request.Context(), vendor, token, body)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"workflow_id": rec.ID.String(),
		"status":      string(rec.Status),
	})
}
