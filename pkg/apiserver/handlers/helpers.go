package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/auth"
	"github.com/adflow/adflow/pkg/callbacks"
	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/workflow"
)

const timeRFC3339Nano = time.RFC3339Nano

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseOffset(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func formatTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}

func parseWorkflowID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps domain errors to status codes. Anything unrecognised is
// logged and reported as an internal error without details.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status, message := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, callbacks.ErrMalformed):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.Is(err, auth.ErrInvalidToken):
		status, message = http.StatusUnauthorized, "invalid token"
	case errors.Is(err, credits.ErrInsufficientCredits):
		status, message = http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, workflow.ErrForbidden):
		status, message = http.StatusForbidden, "forbidden"
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, callbacks.ErrUnknownVendor):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, workflow.ErrPrecondition):
		status, message = http.StatusConflict, "precondition failed"
	case errors.Is(err, workflow.ErrCapacityExhausted):
		status, message = http.StatusServiceUnavailable, "maintenance"
	}

	switch status {
	case http.StatusInternalServerError:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": message})
		return
	case http.StatusServiceUnavailable:
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{"error": message, "details": err.Error()})
}
