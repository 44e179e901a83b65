package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/pkg/response"
)

// GetAsset 读取附件
// @Summary 读取附件
// @Tags 附件
// @Produce octet-stream
// @Param path path string true "附件路径 tweets/{author}/{post}"
// @Success 200 {file} binary
// @Success 304 "未修改"
// @Failure 404 {object} response.Response
// @Router /assets/{path} [get]
func (h *Handler) GetAsset(c *gin.Context) {
	p := strings.TrimPrefix(c.Param("path"), "/")
	blob, err := h.blobs.Get(c.Request.Context(), p)
	if errors.Is(err, apperr.ErrNotFound) {
		response.NotFound(c, "asset not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}

	etag := `"` + blob.ETag + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "public, max-age=60")
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ct := blob.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(http.StatusOK, ct, blob.Data)
}
