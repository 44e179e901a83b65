// Package app wires configuration into stores, services and the HTTP handler.
package app

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/internal/api/handler"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/service"
	"github.com/d60-Lab/feedsync/pkg/database"
)

type App struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client

	Notifier      repository.ChangeNotifier
	Docs          repository.DocumentStore
	Blobs         repository.BlobStore
	Intents       repository.IntentRepository
	Assets        *service.AssetManager
	Coordinator   *service.MutationCoordinator
	Subscriptions *service.SubscriptionManager
	Auditor       *service.IntentAuditor
}

// New 打开数据库与 redis，迁移表结构，组装服务
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := repository.AutoMigrate(db); err != nil {
		return nil, err
	}
	rdb, err := database.InitRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	notifier, err := repository.NewRedisNotifier(ctx, rdb, cfg.Redis.Channel)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return Assemble(cfg, db, rdb, notifier), nil
}

// Assemble builds the service graph over already opened connections.
func Assemble(cfg *config.Config, db *gorm.DB, rdb *redis.Client, notifier repository.ChangeNotifier) *App {
	a := &App{Config: cfg, DB: db, Redis: rdb, Notifier: notifier}
	a.Docs = repository.NewGormDocumentStore(db, notifier)
	a.Blobs = repository.NewRedisBlobStore(rdb, cfg.Storage.KeyPrefix, cfg.Storage.PublicBaseURL)
	a.Intents = repository.NewIntentRepository(db)
	a.Assets = service.NewAssetManager(a.Blobs, cfg.Feed.MaxAssetBytes, cfg.Feed.AllowedAssetTypes)
	a.Coordinator = service.NewMutationCoordinator(a.Docs, a.Assets, a.Intents, service.CoordinatorConfig{
		Collection:    cfg.Feed.Collection,
		MaxBodyLength: cfg.Feed.MaxBodyLength,
	})
	a.Subscriptions = service.NewSubscriptionManager(a.Docs, cfg.Feed.Collection)
	a.Auditor = service.NewIntentAuditor(a.Intents, cfg.Intents.StaleAfter, cfg.Intents.PollInterval, cfg.Intents.ClaimLimit)
	return a
}

func (a *App) Handler() *handler.Handler {
	return handler.New(handler.Options{
		Coordinator:   a.Coordinator,
		Subscriptions: a.Subscriptions,
		Assets:        a.Assets,
		Docs:          a.Docs,
		Blobs:         a.Blobs,
		Intents:       a.Intents,
		Collection:    a.Config.Feed.Collection,
		FeedLimit:     a.Config.Feed.Limit,
		MaxAssetBytes: a.Config.Feed.MaxAssetBytes,
	})
}

// Close 关闭订阅与连接
func (a *App) Close() error {
	a.Subscriptions.Close()
	var errs []error
	if a.Notifier != nil {
		errs = append(errs, a.Notifier.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
