package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/internal/model"
)

// IntentRepository 跨存储意图日志
type IntentRepository interface {
	Record(ctx context.Context, in *model.Intent) error
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, step string, cause error) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Intent, error)
	MarkStale(ctx context.Context, ids []string) (int64, error)
	List(ctx context.Context, status string, limit int) ([]*model.Intent, error)
}

type intentRepository struct{ db *gorm.DB }

func NewIntentRepository(db *gorm.DB) IntentRepository { return &intentRepository{db: db} }

func (r *intentRepository) Record(ctx context.Context, in *model.Intent) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Status == "" {
		in.Status = model.IntentPending
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(in).Error; err != nil {
		return apperr.Store("record intent", err)
	}
	return nil
}

func (r *intentRepository) MarkDone(ctx context.Context, id string) error {
	now := time.Now()
	return r.finish(ctx, id, map[string]any{"status": model.IntentDone, "processed_at": now})
}

func (r *intentRepository) MarkFailed(ctx context.Context, id, step string, cause error) error {
	now := time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(ctx, id, map[string]any{"status": model.IntentFailed, "step": step, "error": msg, "processed_at": now})
}

func (r *intentRepository) finish(ctx context.Context, id string, updates map[string]any) error {
	err := r.db.WithContext(ctx).Model(&model.Intent{}).
		Where("id = ? AND status = ?", id, model.IntentPending).
		Updates(updates).Error
	return apperr.Store("finish intent", err)
}

func (r *intentRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Intent, error) {
	var res []*model.Intent
	tx := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.IntentPending, olderThan).
		Order("created_at")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&res).Error; err != nil {
		return nil, apperr.Store("list pending intents", err)
	}
	return res, nil
}

// MarkStale 只翻转仍为 pending 的记录，返回实际翻转数
func (r *intentRepository) MarkStale(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Intent{}).
		Where("id IN ? AND status = ?", ids, model.IntentPending).
		Updates(map[string]any{"status": model.IntentStale, "processed_at": now})
	if res.Error != nil {
		return 0, apperr.Store("mark stale intents", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *intentRepository) List(ctx context.Context, status string, limit int) ([]*model.Intent, error) {
	var res []*model.Intent
	tx := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&res).Error; err != nil {
		return nil, apperr.Store("list intents", err)
	}
	return res, nil
}
