package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

const refreshTimeout = 10 * time.Second

// GormDocumentStore 以 gorm 表承载文档集合；集合名即表名，表结构为 model.Post
type GormDocumentStore struct {
	db       *gorm.DB
	notifier ChangeNotifier
}

func NewGormDocumentStore(db *gorm.DB, notifier ChangeNotifier) *GormDocumentStore {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &GormDocumentStore{db: db, notifier: notifier}
}

// AutoMigrate 初始化 tweets 与 intents 表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Post{}, &model.Intent{})
}

func (s *GormDocumentStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := ulid.Make().String()
	row := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if _, drop := v.(deleteField); drop {
			continue
		}
		row[k] = v
	}
	row[FieldID] = id

	if err := s.db.WithContext(ctx).Table(collection).Create(row).Error; err != nil {
		return "", apperr.Store("add "+collection, err)
	}
	s.changed(ctx, collection)
	return id, nil
}

func (s *GormDocumentStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	row := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == FieldID {
			continue
		}
		if _, drop := v.(deleteField); drop {
			row[k] = nil
			continue
		}
		row[k] = v
	}
	if len(row) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Table(collection).Where("id = ?", id).Updates(row)
	if res.Error != nil {
		return apperr.Store("update "+collection, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("update "+collection, "document %s", id)
	}
	s.changed(ctx, collection)
	return nil
}

func (s *GormDocumentStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var p model.Post
	err := s.db.WithContext(ctx).Table(collection).Where("id = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, apperr.NotFound("get "+collection, "document %s", id)
	}
	if err != nil {
		return Document{}, apperr.Store("get "+collection, err)
	}
	return toDocument(p), nil
}

func (s *GormDocumentStore) Delete(ctx context.Context, collection, id string) error {
	res := s.db.WithContext(ctx).Table(collection).Where("id = ?", id).Delete(&model.Post{})
	if res.Error != nil {
		return apperr.Store("delete "+collection, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("delete "+collection, "document %s", id)
	}
	s.changed(ctx, collection)
	return nil
}

func (s *GormDocumentStore) Query(ctx context.Context, q Query) (Snapshot, error) {
	tx := s.db.WithContext(ctx).Table(q.Collection)
	for _, f := range q.Filters {
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: f.Field}, Value: f.Value})
	}
	if q.OrderBy != "" {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: q.OrderBy}, Desc: q.Desc})
	}
	tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: FieldID}})
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []model.Post
	if err := tx.Find(&rows).Error; err != nil {
		return Snapshot{}, apperr.Store("query "+q.Collection, err)
	}
	docs := make([]Document, len(rows))
	for i, r := range rows {
		docs[i] = toDocument(r)
	}
	return Snapshot{Docs: docs, ReadAt: time.Now()}, nil
}

func (s *GormDocumentStore) Subscribe(ctx context.Context, q Query, onChange func(Snapshot, error)) (func(), error) {
	// 先注册再首查，首查与注册之间的变更不会丢
	changes, stopWatch := s.notifier.Watch(q.Collection)

	var stopped atomic.Bool
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			stopped.Store(true)
			close(done)
			stopWatch()
		})
	}

	initial, err := s.Query(ctx, q)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	deliver := func(snap Snapshot, err error) {
		if stopped.Load() {
			return
		}
		onChange(snap, err)
	}

	go func() {
		deliver(initial, nil)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				unsubscribe()
				return
			case <-changes:
				rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
				snap, err := s.Query(rctx, q)
				cancel()
				deliver(snap, err)
			}
		}
	}()
	return unsubscribe, nil
}

func (s *GormDocumentStore) changed(ctx context.Context, collection string) {
	if err := s.notifier.Notify(ctx, collection); err != nil {
		logger.Warn("change notification failed", zap.String("collection", collection), zap.Error(err))
	}
}

func toDocument(p model.Post) Document {
	f := Fields{
		FieldBody:      p.Body,
		FieldCreatedAt: p.CreatedAt,
		FieldAuthorID:  p.AuthorID,
		FieldUsername:  p.Username,
	}
	if p.UpdatedAt != nil {
		f[FieldUpdatedAt] = *p.UpdatedAt
	}
	if p.Asset != nil && *p.Asset != "" {
		f[FieldAsset] = *p.Asset
	}
	return Document{ID: p.ID, Fields: f}
}
