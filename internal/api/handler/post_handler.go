package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/service"
	"github.com/d60-Lab/feedsync/pkg/response"
)

type createPostForm struct {
	Body    string `form:"body"`
	Confirm bool   `form:"confirm"`
}

type editPostForm struct {
	Body    string `form:"body"`
	Asset   string `form:"asset" binding:"omitempty,oneof=unchanged removed replaced"`
	Confirm bool   `form:"confirm"`
}

// confirmation HTTP 端由请求参数给出是/否
func confirmation(yes bool) service.Confirmer {
	if yes {
		return service.Confirmed
	}
	return service.Declined
}

// readAsset 读取可选的 file 字段；超限直接拒绝，不读完整个请求体
func (h *Handler) readAsset(c *gin.Context) ([]byte, error) {
	fh, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Validation("upload", "%v", err)
	}
	if h.maxAsset > 0 && fh.Size >= h.maxAsset {
		return nil, apperr.Validation("upload", "asset is %d bytes, limit is below %d", fh.Size, h.maxAsset)
	}
	return readPart(fh)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Validation("upload", "%v", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ListPosts 一次性查询投影后的 feed
// @Summary 查询 feed
// @Tags 帖子
// @Produce json
// @Param author query string false "作者ID，为空表示全局"
// @Param limit query int false "条数，作者视图默认不限"
// @Success 200 {object} response.Response{data=[]service.FeedEntry}
// @Failure 500 {object} response.Response
// @Router /api/v1/posts [get]
func (h *Handler) ListPosts(c *gin.Context) {
	author := c.Query("author")
	limit := h.limit
	if author != "" {
		limit = 0
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	q := repository.Query{Collection: h.collection, OrderBy: repository.FieldCreatedAt, Desc: true, Limit: limit}
	if author != "" {
		q.Filters = []repository.Filter{{Field: repository.FieldAuthorID, Value: author}}
	}
	snap, err := h.docs.Query(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, service.NewFeedProjector(h.assets, limit).Apply(snap))
}

// GetPost 读取单条帖子
// @Summary 读取帖子
// @Tags 帖子
// @Produce json
// @Param id path string true "帖子ID"
// @Success 200 {object} response.Response{data=service.FeedEntry}
// @Failure 404 {object} response.Response
// @Router /api/v1/posts/{id} [get]
func (h *Handler) GetPost(c *gin.Context) {
	doc, err := h.docs.Get(c.Request.Context(), h.collection, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, service.NewFeedProjector(h.assets, 0).Project(doc))
}

// CreatePost 发帖（可选附件）
// @Summary 发帖
// @Tags 帖子
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param body formData string true "正文，1-180 字"
// @Param file formData file false "图片附件，小于 1MiB"
// @Param confirm formData bool true "确认"
// @Success 201 {object} response.Response{data=service.FeedEntry}
// @Failure 400 {object} response.Response
// @Failure 409 {object} response.Response "未确认"
// @Failure 500 {object} response.Response
// @Router /api/v1/posts [post]
func (h *Handler) CreatePost(c *gin.Context) {
	var form createPostForm
	if err := c.ShouldBind(&form); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	asset, err := h.readAsset(c)
	if err != nil {
		fail(c, err)
		return
	}
	entry, err := h.coord.CreatePost(c.Request.Context(), middleware.ActorFrom(c), form.Body, asset, confirmation(form.Confirm))
	if err != nil {
		fail(c, err)
		return
	}
	h.withURL(&entry)
	response.Created(c, entry)
}

// EditPost 编辑正文与附件
// @Summary 编辑帖子
// @Tags 帖子
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param id path string true "帖子ID"
// @Param body formData string true "新正文"
// @Param asset formData string false "unchanged|removed|replaced" default(unchanged)
// @Param file formData file false "替换用图片，asset=replaced 时必填"
// @Param confirm formData bool true "确认"
// @Success 200 {object} response.Response{data=service.FeedEntry}
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response "未确认"
// @Router /api/v1/posts/{id} [patch]
func (h *Handler) EditPost(c *gin.Context) {
	var form editPostForm
	if err := c.ShouldBind(&form); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	change := service.KeepAsset()
	switch form.Asset {
	case "removed":
		change = service.RemoveAsset()
	case "replaced":
		data, err := h.readAsset(c)
		if err != nil {
			fail(c, err)
			return
		}
		if data == nil {
			response.BadRequest(c, "asset=replaced requires a file")
			return
		}
		change = service.ReplaceAsset(data)
	}
	entry, err := h.coord.EditPost(c.Request.Context(), middleware.ActorFrom(c), c.Param("id"), form.Body, change, confirmation(form.Confirm))
	if err != nil {
		fail(c, err)
		return
	}
	h.withURL(&entry)
	response.Success(c, entry)
}

// DeletePost 删除帖子及附件
// @Summary 删除帖子
// @Tags 帖子
// @Produce json
// @Security BearerAuth
// @Param id path string true "帖子ID"
// @Param has_asset query bool false "客户端视图中是否带附件"
// @Param confirm query bool true "确认"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response "未确认"
// @Router /api/v1/posts/{id} [delete]
func (h *Handler) DeletePost(c *gin.Context) {
	hasAsset, _ := strconv.ParseBool(c.Query("has_asset"))
	yes, _ := strconv.ParseBool(c.Query("confirm"))
	id := c.Param("id")
	if err := h.coord.DeletePost(c.Request.Context(), middleware.ActorFrom(c), id, hasAsset, confirmation(yes)); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"id": id})
}

func (h *Handler) withURL(e *service.FeedEntry) {
	if !e.Asset.Present() || h.assets == nil {
		return
	}
	if url, err := h.assets.ResolveURL(e.Asset.Locator); err == nil {
		e.AssetURL = url
	}
}
