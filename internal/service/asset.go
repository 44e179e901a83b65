package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/internal/repository"
)

// AssetRoot 帖子附件的路径前缀
const AssetRoot = "tweets"

// ErrAssetRemoved 替换时旧对象已删除而新对象未能上传
var ErrAssetRemoved = errors.New("previous asset removed before upload failed")

// AssetPath returns tweets/{authorID}/{postID}. Distinct (author, post) pairs never collide.
func AssetPath(authorID, postID string) (string, error) {
	for _, seg := range []string{authorID, postID} {
		if err := checkSegment(seg); err != nil {
			return "", err
		}
	}
	return path.Join(AssetRoot, authorID, postID), nil
}

func checkSegment(seg string) error {
	if seg == "" || strings.Contains(seg, "/") || seg == "." || seg == ".." {
		return apperr.Validation("assetPath", "invalid path segment %q", seg)
	}
	return nil
}

// AssetManager 附件生命周期：上传、替换、删除
type AssetManager struct {
	blobs        repository.BlobStore
	maxBytes     int64
	allowedTypes []string
}

// NewAssetManager; an empty allowedTypes accepts any content type.
func NewAssetManager(blobs repository.BlobStore, maxBytes int64, allowedTypes []string) *AssetManager {
	return &AssetManager{blobs: blobs, maxBytes: maxBytes, allowedTypes: allowedTypes}
}

// Validate runs entirely client side.
func (m *AssetManager) Validate(data []byte) error {
	if len(data) == 0 {
		return apperr.Validation("upload", "asset is empty")
	}
	if int64(len(data)) >= m.maxBytes {
		return apperr.Validation("upload", "asset is %d bytes, limit is below %d", len(data), m.maxBytes)
	}
	if len(m.allowedTypes) == 0 {
		return nil
	}
	mt := mimetype.Detect(data).String()
	for _, prefix := range m.allowedTypes {
		if strings.HasPrefix(mt, prefix) {
			return nil
		}
	}
	return apperr.Validation("upload", "content type %s not allowed", mt)
}

func (m *AssetManager) Upload(ctx context.Context, p string, data []byte) (repository.Locator, error) {
	if err := m.Validate(data); err != nil {
		return "", err
	}
	loc, err := m.blobs.Put(ctx, p, data)
	if err != nil {
		return "", apperr.Store("upload", err)
	}
	return loc, nil
}

// Remove is idempotent: a missing object counts as removed.
func (m *AssetManager) Remove(ctx context.Context, p string) error {
	err := m.blobs.Delete(ctx, p)
	if err == nil || errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return apperr.Store("remove", err)
}

// Replace removes the current object before uploading the new one, so a stale
// object is never live alongside its replacement. If the upload fails after an
// existing object was removed the returned error wraps ErrAssetRemoved.
func (m *AssetManager) Replace(ctx context.Context, p string, data []byte) (repository.Locator, error) {
	if err := m.Validate(data); err != nil {
		return "", err
	}
	removed := true
	if err := m.blobs.Delete(ctx, p); err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.Store("remove", err)
		}
		removed = false
	}
	loc, err := m.blobs.Put(ctx, p, data)
	switch {
	case err == nil:
		return loc, nil
	case removed:
		return "", apperr.Store("replace", fmt.Errorf("%w: %w", ErrAssetRemoved, err))
	default:
		// 原本就没有对象，两边仍一致
		return "", apperr.Store("replace", err)
	}
}

func (m *AssetManager) ResolveURL(loc repository.Locator) (string, error) {
	return m.blobs.ResolveURL(loc)
}
