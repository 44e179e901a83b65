package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/service"
	"github.com/d60-Lab/feedsync/pkg/response"
)

// Handler HTTP 入口，依赖全部显式注入
type Handler struct {
	coord      *service.MutationCoordinator
	subs       *service.SubscriptionManager
	assets     *service.AssetManager
	docs       repository.DocumentStore
	blobs      repository.BlobStore
	intents    repository.IntentRepository
	collection string
	limit      int
	maxAsset   int64
}

type Options struct {
	Coordinator   *service.MutationCoordinator
	Subscriptions *service.SubscriptionManager
	Assets        *service.AssetManager
	Docs          repository.DocumentStore
	Blobs         repository.BlobStore
	Intents       repository.IntentRepository
	Collection    string
	FeedLimit     int
	MaxAssetBytes int64
}

func New(o Options) *Handler {
	return &Handler{
		coord:      o.Coordinator,
		subs:       o.Subscriptions,
		assets:     o.Assets,
		docs:       o.Docs,
		blobs:      o.Blobs,
		intents:    o.Intents,
		collection: o.Collection,
		limit:      o.FeedLimit,
		maxAsset:   o.MaxAssetBytes,
	}
}

// Health 健康检查
// @Summary 健康检查
// @Tags 系统
// @Success 200 {object} response.Response
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// fail 把错误类别映射为 HTTP 状态
func fail(c *gin.Context, err error) {
	var perr *service.PartialError
	switch {
	case errors.As(err, &perr):
		// 元数据已落库，附件步骤失败：返回 id 以便客户端定位
		response.JSON(c, http.StatusInternalServerError, perr.Error(), gin.H{"id": perr.PostID, "step": perr.Step})
		_ = c.Error(err)
	case errors.Is(err, service.ErrNotConfirmed):
		response.Conflict(c, err.Error(), nil)
	case errors.Is(err, apperr.ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, apperr.ErrAuthorization):
		response.Forbidden(c, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		response.NotFound(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}
