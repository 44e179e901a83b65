package repository

import (
	"context"
	"strings"
	"time"
)

// Locator 附件的不透明引用，形如 "<path>#<etag>"
type Locator string

func NewLocator(path, etag string) Locator { return Locator(path + "#" + etag) }

// Path 返回 locator 指向的存储路径
func (l Locator) Path() string {
	p, _, _ := strings.Cut(string(l), "#")
	return p
}

// ETag 返回内容版本
func (l Locator) ETag() string {
	_, e, _ := strings.Cut(string(l), "#")
	return e
}

// Blob 存储对象
type Blob struct {
	Path        string
	Data        []byte
	ContentType string
	ETag        string
	CreatedAt   time.Time
}

// BlobStore 附件存储。Delete 对不存在的路径返回 apperr.ErrNotFound。
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte) (Locator, error)
	Get(ctx context.Context, path string) (*Blob, error)
	Delete(ctx context.Context, path string) error
	ResolveURL(loc Locator) (string, error)
}
