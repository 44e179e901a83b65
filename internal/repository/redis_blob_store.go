package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/d60-Lab/feedsync/internal/apperr"
)

// RedisBlobStore 每个路径一个 hash：data / etag / content_type / created_at
type RedisBlobStore struct {
	client  *redis.Client
	prefix  string
	baseURL string
}

func NewRedisBlobStore(client *redis.Client, prefix, publicBaseURL string) *RedisBlobStore {
	return &RedisBlobStore{client: client, prefix: prefix, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (s *RedisBlobStore) key(path string) string { return s.prefix + path }

// ETagOf 内容摘要（blake2b-256 前 16 字节）
func ETagOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func (s *RedisBlobStore) Put(ctx context.Context, path string, data []byte) (Locator, error) {
	etag := ETagOf(data)
	key := s.key(path)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"data", data,
		"etag", etag,
		"content_type", mimetype.Detect(data).String(),
		"created_at", time.Now().UnixMilli(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", apperr.Store("put blob "+path, err)
	}
	return NewLocator(path, etag), nil
}

func (s *RedisBlobStore) Get(ctx context.Context, path string) (*Blob, error) {
	vals, err := s.client.HGetAll(ctx, s.key(path)).Result()
	if err != nil {
		return nil, apperr.Store("get blob "+path, err)
	}
	if len(vals) == 0 {
		return nil, apperr.NotFound("get blob", "%s", path)
	}
	b := &Blob{
		Path:        path,
		Data:        []byte(vals["data"]),
		ContentType: vals["content_type"],
		ETag:        vals["etag"],
	}
	if ms, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		b.CreatedAt = time.UnixMilli(ms)
	}
	return b, nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, path string) error {
	n, err := s.client.Del(ctx, s.key(path)).Result()
	if err != nil {
		return apperr.Store("delete blob "+path, err)
	}
	if n == 0 {
		return apperr.NotFound("delete blob", "%s", path)
	}
	return nil
}

// Exists 仅用于运维/测试
func (s *RedisBlobStore) Exists(ctx context.Context, path string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(path)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, apperr.Store("exists blob "+path, err)
	}
	return n > 0, nil
}

func (s *RedisBlobStore) ResolveURL(loc Locator) (string, error) {
	p := loc.Path()
	if p == "" {
		return "", apperr.Validation("resolve url", "empty locator")
	}
	u := fmt.Sprintf("%s/%s", s.baseURL, (&url.URL{Path: p}).EscapedPath())
	if etag := loc.ETag(); etag != "" {
		u += "?v=" + url.QueryEscape(etag)
	}
	return u, nil
}
