package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

// IntentAuditor 周期扫描长期 pending 的跨存储意图并标记为 stale，交给外部修复流程；本身不修复
type IntentAuditor struct {
	intents      repository.IntentRepository
	staleAfter   time.Duration
	pollInterval time.Duration
	claimLimit   int
	flaggedCh    chan *model.Intent
	now          func() time.Time
}

func NewIntentAuditor(intents repository.IntentRepository, staleAfter, pollInterval time.Duration, claimLimit int) *IntentAuditor {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if claimLimit <= 0 {
		claimLimit = 100
	}
	return &IntentAuditor{intents: intents, staleAfter: staleAfter, pollInterval: pollInterval, claimLimit: claimLimit, flaggedCh: make(chan *model.Intent, 1024), now: time.Now}
}

// Flagged 每标记一条 stale 发送一次（满则丢弃）
func (a *IntentAuditor) Flagged() <-chan *model.Intent { return a.flaggedCh }

// Start 启动轮询；返回停止函数
func (a *IntentAuditor) Start() func(context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.loop(stop)
	}()
	return func(ctx context.Context) error {
		close(stop)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *IntentAuditor) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := a.SweepOnce(context.Background()); err != nil {
				logger.Warn("intent sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce 标记一批超时的 pending 意图，返回标记条数
func (a *IntentAuditor) SweepOnce(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.staleAfter)
	batch, err := a.intents.ListPending(ctx, cutoff, a.claimLimit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]string, len(batch))
	for i, in := range batch {
		ids[i] = in.ID
	}
	n, err := a.intents.MarkStale(ctx, ids)
	if err != nil {
		return 0, err
	}

	for _, in := range batch {
		in.Status = model.IntentStale
		logger.Warn("stale cross-store intent needs repair",
			zap.String("intent", in.ID), zap.String("op", string(in.Op)),
			zap.String("post", in.PostID), zap.String("asset_path", in.AssetPath),
			zap.Duration("age", a.now().Sub(in.CreatedAt)))
		select {
		case a.flaggedCh <- in:
		default:
		}
	}
	return int(n), nil
}
