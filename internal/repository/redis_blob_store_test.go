package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedsync/internal/apperr"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestRedisBlobStore_PutGetDelete(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisBlobStore(client, "blob:", "http://cdn.local/assets/")
	ctx := context.Background()

	loc, err := s.Put(ctx, "tweets/alice/p1", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "tweets/alice/p1", loc.Path())
	assert.Equal(t, ETagOf(pngHeader), loc.ETag())

	b, err := s.Get(ctx, "tweets/alice/p1")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, b.Data)
	assert.Equal(t, "image/png", b.ContentType)
	assert.False(t, b.CreatedAt.IsZero())

	url, err := s.ResolveURL(loc)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.local/assets/tweets/alice/p1?v="+loc.ETag(), url)

	require.NoError(t, s.Delete(ctx, "tweets/alice/p1"))
	assert.ErrorIs(t, s.Delete(ctx, "tweets/alice/p1"), apperr.ErrNotFound)
	_, err = s.Get(ctx, "tweets/alice/p1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRedisBlobStore_PutOverwritesSamePath(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisBlobStore(client, "blob:", "http://x")
	ctx := context.Background()

	first, err := s.Put(ctx, "tweets/a/p", []byte("one"))
	require.NoError(t, err)
	second, err := s.Put(ctx, "tweets/a/p", []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, mr.Keys(), 1)
	ok, err := s.Exists(ctx, "tweets/a/p")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisBlobStore_StoreErrorWhenDown(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisBlobStore(client, "blob:", "http://x")
	mr.Close()

	_, err := s.Put(context.Background(), "tweets/a/p", []byte("x"))
	assert.ErrorIs(t, err, apperr.ErrStore)
}
