package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/monitor"
)

const MonitorSecretHeader = "X-Monitor-Secret"

type Sweeper interface {
	Sweep(ctx context.Context) (monitor.Report, error)
}

// MonitorHandler lets an external scheduler trigger a sweep.
type MonitorHandler struct {
	sweeper Sweeper
	secret  string
	logger  *zap.Logger
}

func NewMonitorHandler(sweeper Sweeper, secret string, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{sweeper: sweeper, secret: secret, logger: logger}
}

func (h *MonitorHandler) Run(c *gin.Context) {
	if h.secret == "" || h.sweeper == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "monitor endpoint disabled"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(c.GetHeader(MonitorSecretHeader)), []byte(h.secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid monitor secret"})
		return
	}

	report, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
