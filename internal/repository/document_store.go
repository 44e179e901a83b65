package repository

import (
	"context"
	"time"
)

// 记录字段名（与 tweets 表列名一致）
const (
	FieldID        = "id"
	FieldBody      = "body"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldAuthorID  = "author_id"
	FieldUsername  = "username"
	FieldAsset     = "asset"
)

// Fields 文档字段；Update 时值为 DeleteField 表示删除该字段
type Fields map[string]any

type deleteField struct{}

// DeleteField marks a field for removal in Update.
var DeleteField = deleteField{}

// Document 一条原始记录
type Document struct {
	ID     string
	Fields Fields
}

// Filter 等值过滤
type Filter struct {
	Field string
	Value any
}

// Query 查询描述；Limit <= 0 表示不限
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Desc       bool
	Limit      int
}

// Snapshot 某一时刻的完整有序结果
type Snapshot struct {
	Docs   []Document
	ReadAt time.Time
}

// DocumentStore 元数据存储
type DocumentStore interface {
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	Update(ctx context.Context, collection, id string, fields Fields) error
	Get(ctx context.Context, collection, id string) (Document, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) (Snapshot, error)
	// Subscribe delivers the initial snapshot and a fresh one after every change
	// to q.Collection. onChange is called from a single goroutine per subscription.
	Subscribe(ctx context.Context, q Query, onChange func(Snapshot, error)) (unsubscribe func(), err error)
}
