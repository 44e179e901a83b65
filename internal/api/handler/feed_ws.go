package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/service"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// feedMessage 每次推送一份完整有序快照
type feedMessage struct {
	Type    string              `json:"type"` // snapshot | error
	View    string              `json:"view"`
	Entries []service.FeedEntry `json:"entries"`
	Error   string              `json:"error,omitempty"`
	At      time.Time           `json:"at"`
}

// FeedWS 实时 feed
// @Summary 实时 feed（websocket）
// @Description 连接后立即推送一次快照，此后每次变更推送完整快照。订阅归属于单个连接，view 只是回显的标签。
// @Tags 帖子
// @Param author query string false "作者ID，为空表示全局"
// @Param view query string false "逻辑视图名"
// @Router /api/v1/feed/ws [get]
func (h *Handler) FeedWS(c *gin.Context) {
	scope, limit := service.GlobalScope, h.limit
	if author := c.Query("author"); author != "" {
		scope, limit = service.ByAuthor(author), 0
	}
	view := c.DefaultQuery("view", "feed")
	// 每个连接独占一个订阅键，客户端不能顶掉别人的订阅
	key := "ws:" + uuid.NewString() + "/" + view

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.subs.Open(ctx, key, scope, limit)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(wsWriteTimeout))
		logger.Warn("feed subscribe failed", zap.String("view", view), zap.Error(err))
		return
	}
	defer sub.Cancel()

	// 读循环只用来感知断开和 pong
	go func() {
		defer cancel()
		ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(wsPongTimeout)) })
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	projector := service.NewFeedProjector(h.assets, limit)
	for {
		snap, err := sub.Next(ctx)
		if errors.Is(err, service.ErrSubscriptionClosed) || ctx.Err() != nil {
			return
		}
		msg := feedMessage{Type: "snapshot", View: view, At: time.Now()}
		if err != nil {
			msg.Type, msg.Error = "error", err.Error()
		} else {
			msg.Entries = projector.Apply(snap)
		}
		if msg.Entries == nil {
			msg.Entries = []service.FeedEntry{}
		}
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(msg); err != nil {
			logger.Debug("feed push failed", zap.String("view", view), zap.Error(err))
			return
		}
	}
}
