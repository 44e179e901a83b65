package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/pkg/response"
)

// ListIntents 查询跨存储意图日志
// @Summary 意图日志
// @Tags 运维
// @Produce json
// @Security BearerAuth
// @Param status query string false "pending|done|failed|stale"
// @Param limit query int false "条数" default(50)
// @Success 200 {object} response.Response{data=[]model.Intent}
// @Router /api/v1/intents [get]
func (h *Handler) ListIntents(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", model.IntentPending, model.IntentDone, model.IntentFailed, model.IntentStale:
	default:
		response.BadRequest(c, "unknown status "+status)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		response.BadRequest(c, "limit must be a positive integer")
		return
	}
	list, err := h.intents.List(c.Request.Context(), status, limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"status": status, "list": list})
}
