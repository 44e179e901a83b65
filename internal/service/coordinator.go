package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

type AssetChangeKind uint8

const (
	AssetUnchanged AssetChangeKind = iota
	AssetRemoved
	AssetReplaced
)

// AssetChange 编辑时对附件的处理
type AssetChange struct {
	Kind AssetChangeKind
	Data []byte
}

func KeepAsset() AssetChange               { return AssetChange{Kind: AssetUnchanged} }
func RemoveAsset() AssetChange             { return AssetChange{Kind: AssetRemoved} }
func ReplaceAsset(data []byte) AssetChange { return AssetChange{Kind: AssetReplaced, Data: data} }

// PartialError reports a mutation whose metadata step succeeded while a
// following asset step did not. The two stores are left inconsistent and the
// matching intent is marked failed; nothing retries it.
type PartialError struct {
	Op     string
	PostID string
	Step   string
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s: post %s: %s step failed: %v", e.Op, e.PostID, e.Step, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// CoordinatorConfig 变更协调器参数
type CoordinatorConfig struct {
	Collection    string
	MaxBodyLength int
}

// MutationCoordinator 按固定顺序跨元数据存储与附件存储执行 create/edit/delete
type MutationCoordinator struct {
	docs       repository.DocumentStore
	assets     *AssetManager
	intents    repository.IntentRepository
	collection string
	maxBody    int
	bodyRule   string
	validate   *validator.Validate
	tracer     trace.Tracer
	now        func() time.Time
}

func NewMutationCoordinator(docs repository.DocumentStore, assets *AssetManager, intents repository.IntentRepository, cfg CoordinatorConfig) *MutationCoordinator {
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = 180
	}
	return &MutationCoordinator{
		docs:       docs,
		assets:     assets,
		intents:    intents,
		collection: cfg.Collection,
		maxBody:    cfg.MaxBodyLength,
		bodyRule:   fmt.Sprintf("required,max=%d", cfg.MaxBodyLength),
		validate:   validator.New(),
		tracer:     otel.Tracer("github.com/d60-Lab/feedsync/internal/service"),
		now:        time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (c *MutationCoordinator) WithClock(now func() time.Time) *MutationCoordinator {
	c.now = now
	return c
}

func (c *MutationCoordinator) validateBody(op, body string) error {
	// validator 对字符串按 rune 计数
	if err := c.validate.Var(body, c.bodyRule); err != nil {
		return apperr.Validation(op, "body must be 1-%d characters", c.maxBody)
	}
	return nil
}

// Get 读取单条帖子
func (c *MutationCoordinator) Get(ctx context.Context, postID string) (FeedEntry, error) {
	doc, err := c.docs.Get(ctx, c.collection, postID)
	if err != nil {
		return FeedEntry{}, apperr.Store("get", err)
	}
	return ProjectDocument(doc), nil
}

// CreatePost writes the record without an asset, then uploads the asset and
// attaches its locator. An upload failure leaves the record without an asset.
func (c *MutationCoordinator) CreatePost(ctx context.Context, actor Actor, body string, asset []byte, confirm Confirmer) (entry FeedEntry, err error) {
	const op = "createPost"
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("actor", actor.ID)))
	defer func() { endSpan(span, err) }()

	if actor.ID == "" {
		return FeedEntry{}, apperr.Authorization(op, "no authenticated actor")
	}
	if err := c.validateBody(op, body); err != nil {
		return FeedEntry{}, err
	}
	if asset != nil {
		if err := c.assets.Validate(asset); err != nil {
			return FeedEntry{}, err
		}
		// 作者ID会成为附件路径的一段，写记录前先校验
		if err := checkSegment(actor.ID); err != nil {
			return FeedEntry{}, err
		}
	}
	if !confirmed(ctx, confirm, Action{Kind: ActionCreate}) {
		return FeedEntry{}, ErrNotConfirmed
	}

	now := c.now()
	id, err := c.docs.Add(ctx, c.collection, repository.Fields{
		repository.FieldBody:      body,
		repository.FieldCreatedAt: now.UnixMilli(),
		repository.FieldAuthorID:  actor.ID,
		repository.FieldUsername:  actor.Name(),
	})
	if err != nil {
		return FeedEntry{}, apperr.Store(op, err)
	}
	entry = FeedEntry{ID: id, Body: body, AuthorID: actor.ID, Username: actor.Name(), CreatedAt: time.UnixMilli(now.UnixMilli())}
	span.SetAttributes(attribute.String("post", id))
	if asset == nil {
		logger.Info("post created", zap.String("post", id), zap.String("actor", actor.ID))
		return entry, nil
	}

	path, err := AssetPath(actor.ID, id)
	if err != nil {
		return entry, c.partial(op, id, "asset_path", nil, err)
	}
	intent := &model.Intent{PostID: id, AuthorID: actor.ID, Op: model.IntentAttach, AssetPath: path}
	if err := c.intents.Record(ctx, intent); err != nil {
		return entry, c.partial(op, id, "record_intent", nil, err)
	}

	loc, err := c.assets.Upload(ctx, path, asset)
	if err != nil {
		return entry, c.partial(op, id, "upload", intent, err)
	}
	if err := c.docs.Update(ctx, c.collection, id, repository.Fields{repository.FieldAsset: string(loc)}); err != nil {
		// 对象已上传但未被引用
		return entry, c.partial(op, id, "attach", intent, err)
	}
	c.done(ctx, intent)

	entry.Asset = Attached(loc)
	entry.HasAsset = true
	logger.Info("post created", zap.String("post", id), zap.String("actor", actor.ID), zap.String("asset", path))
	return entry, nil
}

// EditPost asks for confirmation, checks ownership, then applies the body change and the asset
// change. Removal deletes the object before clearing the field; replacement
// removes the old object before uploading the new one.
func (c *MutationCoordinator) EditPost(ctx context.Context, actor Actor, postID, newBody string, change AssetChange, confirm Confirmer) (entry FeedEntry, err error) {
	const op = "editPost"
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("actor", actor.ID), attribute.String("post", postID), attribute.Int("asset_change", int(change.Kind))))
	defer func() { endSpan(span, err) }()

	if actor.ID == "" {
		return FeedEntry{}, apperr.Authorization(op, "no authenticated actor")
	}
	if err := c.validateBody(op, newBody); err != nil {
		return FeedEntry{}, err
	}
	switch change.Kind {
	case AssetUnchanged, AssetRemoved:
	case AssetReplaced:
		if err := c.assets.Validate(change.Data); err != nil {
			return FeedEntry{}, err
		}
	default:
		return FeedEntry{}, apperr.Validation(op, "unknown asset change %d", change.Kind)
	}
	// 确认在任何存储调用之前
	if !confirmed(ctx, confirm, Action{Kind: ActionEdit, PostID: postID}) {
		return FeedEntry{}, ErrNotConfirmed
	}

	doc, err := c.docs.Get(ctx, c.collection, postID)
	if err != nil {
		return FeedEntry{}, apperr.Store(op, err)
	}
	post := ProjectDocument(doc)
	if err := AssertOwner(actor.ID, post.AuthorID); err != nil {
		return FeedEntry{}, err
	}

	now := c.now()
	fields := repository.Fields{
		repository.FieldBody:      newBody,
		repository.FieldUpdatedAt: now.UnixMilli(),
	}
	updatedAt := time.UnixMilli(now.UnixMilli())
	entry = post
	entry.Body = newBody
	entry.UpdatedAt = &updatedAt

	if change.Kind == AssetUnchanged {
		if err := c.docs.Update(ctx, c.collection, postID, fields); err != nil {
			return FeedEntry{}, apperr.Store(op, err)
		}
		logger.Info("post edited", zap.String("post", postID), zap.String("actor", actor.ID))
		return entry, nil
	}

	path, err := AssetPath(post.AuthorID, postID)
	if err != nil {
		return FeedEntry{}, err
	}
	intentOp := model.IntentRemove
	if change.Kind == AssetReplaced {
		intentOp = model.IntentReplace
	}
	intent := &model.Intent{PostID: postID, AuthorID: post.AuthorID, Op: intentOp, AssetPath: path}
	if err := c.intents.Record(ctx, intent); err != nil {
		return FeedEntry{}, apperr.Store(op, err)
	}

	switch change.Kind {
	case AssetRemoved:
		if post.Asset.Present() {
			if err := c.assets.Remove(ctx, path); err != nil {
				c.fail(ctx, intent, "remove", err)
				return FeedEntry{}, err
			}
		}
		fields[repository.FieldAsset] = repository.DeleteField
		if err := c.docs.Update(ctx, c.collection, postID, fields); err != nil {
			if post.Asset.Present() {
				// 对象已删除，记录仍引用它
				return FeedEntry{}, c.partial(op, postID, "clear_field", intent, err)
			}
			c.fail(ctx, intent, "clear_field", err)
			return FeedEntry{}, apperr.Store(op, err)
		}
		entry.Asset = NoAsset()
		entry.HasAsset = false

	case AssetReplaced:
		loc, err := c.assets.Replace(ctx, path, change.Data)
		if err != nil {
			if !errors.Is(err, ErrAssetRemoved) {
				c.fail(ctx, intent, "replace", err)
				return FeedEntry{}, err
			}
			if post.Asset.Present() {
				// 旧对象已删；清掉字段，避免记录引用不存在的对象
				if cerr := c.docs.Update(ctx, c.collection, postID, repository.Fields{repository.FieldAsset: repository.DeleteField}); cerr != nil {
					logger.Error("clear dangling asset field failed", zap.String("post", postID), zap.Error(cerr))
				}
			}
			return FeedEntry{}, c.partial(op, postID, "upload", intent, err)
		}
		fields[repository.FieldAsset] = string(loc)
		if err := c.docs.Update(ctx, c.collection, postID, fields); err != nil {
			return FeedEntry{}, c.partial(op, postID, "set_field", intent, err)
		}
		entry.Asset = Attached(loc)
		entry.HasAsset = true
	}

	c.done(ctx, intent)
	logger.Info("post edited", zap.String("post", postID), zap.String("actor", actor.ID), zap.Int("asset_change", int(change.Kind)))
	return entry, nil
}

// DeletePost removes the record, then the asset when hasAsset is set or the
// stored record carries one. An asset failure after the record is gone leaves
// an orphaned object.
func (c *MutationCoordinator) DeletePost(ctx context.Context, actor Actor, postID string, hasAsset bool, confirm Confirmer) (err error) {
	const op = "deletePost"
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("actor", actor.ID), attribute.String("post", postID)))
	defer func() { endSpan(span, err) }()

	if actor.ID == "" {
		return apperr.Authorization(op, "no authenticated actor")
	}
	if !confirmed(ctx, confirm, Action{Kind: ActionDelete, PostID: postID}) {
		return ErrNotConfirmed
	}

	doc, err := c.docs.Get(ctx, c.collection, postID)
	if err != nil {
		return apperr.Store(op, err)
	}
	post := ProjectDocument(doc)
	if err := AssertOwner(actor.ID, post.AuthorID); err != nil {
		return err
	}

	withAsset := hasAsset || post.Asset.Present()
	var (
		intent *model.Intent
		path   string
	)
	if withAsset {
		if path, err = AssetPath(post.AuthorID, postID); err != nil {
			return err
		}
		intent = &model.Intent{PostID: postID, AuthorID: post.AuthorID, Op: model.IntentDelete, AssetPath: path}
		if err := c.intents.Record(ctx, intent); err != nil {
			return apperr.Store(op, err)
		}
	}

	if err := c.docs.Delete(ctx, c.collection, postID); err != nil {
		if intent != nil {
			c.fail(ctx, intent, "delete_record", err)
		}
		return apperr.Store(op, err)
	}
	if withAsset {
		if err := c.assets.Remove(ctx, path); err != nil {
			return c.partial(op, postID, "remove", intent, err)
		}
		c.done(ctx, intent)
	}
	logger.Info("post deleted", zap.String("post", postID), zap.String("actor", actor.ID), zap.Bool("asset", withAsset))
	return nil
}

func (c *MutationCoordinator) done(ctx context.Context, intent *model.Intent) {
	if err := c.intents.MarkDone(ctx, intent.ID); err != nil {
		logger.Warn("mark intent done failed", zap.String("intent", intent.ID), zap.Error(err))
	}
}

func (c *MutationCoordinator) fail(ctx context.Context, intent *model.Intent, step string, cause error) {
	if err := c.intents.MarkFailed(ctx, intent.ID, step, cause); err != nil {
		logger.Warn("mark intent failed failed", zap.String("intent", intent.ID), zap.Error(err))
	}
}

func (c *MutationCoordinator) partial(op, postID, step string, intent *model.Intent, cause error) error {
	if intent != nil {
		c.fail(context.Background(), intent, step, cause)
	}
	perr := &PartialError{Op: op, PostID: postID, Step: step, Err: cause}
	logger.Error("cross-store mutation left stores inconsistent",
		zap.String("op", op), zap.String("post", postID), zap.String("step", step), zap.Error(cause))
	sentry.CaptureException(perr)
	return perr
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
