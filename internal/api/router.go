package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/feedsync/config"
	_ "github.com/d60-Lab/feedsync/docs"
	"github.com/d60-Lab/feedsync/internal/api/handler"
	"github.com/d60-Lab/feedsync/internal/api/middleware"
)

const wsPath = "/api/v1/feed/ws"

// NewRouter 组装路由：读接口匿名，写接口需要 token
func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	// websocket 需要 hijack，不能套 gzip
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{wsPath, "/assets/"})))

	r.GET("/health", h.Health)
	r.GET("/assets/*path", h.GetAsset)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/posts", h.ListPosts)
		v1.GET("/posts/:id", h.GetPost)
		v1.GET("/feed/ws", h.FeedWS)

		auth := v1.Group("", middleware.Auth(cfg.JWT), middleware.RateLimit(cfg.RateLimit))
		auth.POST("/posts", h.CreatePost)
		auth.PATCH("/posts/:id", h.EditPost)
		auth.DELETE("/posts/:id", h.DeletePost)
		auth.GET("/intents", h.ListIntents)
	}
	return r
}
