package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/services"
)

// MaxReplayLimit caps one manual replay request
const MaxReplayLimit = 500

// PendingReplayer re-drives stored webhooks that were never processed
type PendingReplayer interface {
	ReplayPending(ctx context.Context, limit int) (*services.ReplaySummary, error)
}

// ReplayHandler exposes webhook replay to support staff
type ReplayHandler struct {
	replayer     PendingReplayer
	defaultLimit int
	logger       *logrus.Logger
}

// NewReplayHandler creates a new ReplayHandler
func NewReplayHandler(replayer PendingReplayer, defaultLimit int, logger *logrus.Logger) *ReplayHandler {
	return &ReplayHandler{replayer: replayer, defaultLimit: defaultLimit, logger: logger}
}

// Replay handles POST /api/v1/admin/payments/webhooks/replay
// @Summary Replay unprocessed webhooks
// @Tags Payments Admin
// @Produce json
// @Param limit query int false "Maximum rows to replay"
// @Success 200 {object} services.ReplaySummary
// @Failure 400 {object} map[string]interface{} "Invalid limit"
// @Router /admin/payments/webhooks/replay [post]
func (h *ReplayHandler) Replay(c *gin.Context) {
	limit := h.defaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > MaxReplayLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	summary, err := h.replayer.ReplayPending(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Webhook replay failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay_failed"})
		return
	}

	c.JSON(http.StatusOK, summary)
}
