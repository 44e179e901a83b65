package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedsync/internal/apperr"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
)

var (
	alice = Actor{ID: "alice", DisplayName: "Alice"}
	bob   = Actor{ID: "bob", DisplayName: "Bob"}
)

// stepClock 每次调用前进一秒
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func (f *fixture) feed(t *testing.T) []FeedEntry {
	t.Helper()
	snap, err := f.docs.Query(context.Background(), repository.Query{
		Collection: testCollection, OrderBy: repository.FieldCreatedAt, Desc: true, Limit: 25,
	})
	require.NoError(t, err)
	return NewFeedProjector(f.assets, 25).Apply(snap)
}

func (f *fixture) mustCreate(t *testing.T, actor Actor, body string, asset []byte) FeedEntry {
	t.Helper()
	e, err := f.coord.CreatePost(context.Background(), actor, body, asset, Confirmed)
	require.NoError(t, err)
	return e
}

func TestCreatePost_AppearsFirstInFeed(t *testing.T) {
	f := newFixture(t)
	f.coord.WithClock(stepClock(time.UnixMilli(1_700_000_000_000)))

	f.mustCreate(t, bob, "older", nil)
	e := f.mustCreate(t, alice, "hello", nil)

	assert.Equal(t, "hello", e.Body)
	assert.Equal(t, "alice", e.AuthorID)
	assert.Equal(t, "Alice", e.Username)
	assert.False(t, e.HasAsset)
	assert.False(t, e.Asset.Present())

	feed := f.feed(t)
	require.Len(t, feed, 2)
	assert.Equal(t, e.ID, feed[0].ID)
	assert.Equal(t, "hello", feed[0].Body)
	assert.False(t, feed[0].HasAsset)
	assert.Nil(t, feed[0].UpdatedAt)
}

func TestCreatePost_AnonymousUsername(t *testing.T) {
	f := newFixture(t)
	e := f.mustCreate(t, Actor{ID: "carol"}, "hi", nil)
	got, err := f.coord.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", got.Username)
}

func TestCreatePost_BodyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, body := range []string{"", strings.Repeat("x", 181)} {
		_, err := f.coord.CreatePost(ctx, alice, body, nil, Confirmed)
		assert.ErrorIs(t, err, apperr.ErrValidation, "len=%d", len(body))
	}
	// 按字符计数，180 个多字节字符合法
	_, err := f.coord.CreatePost(ctx, alice, strings.Repeat("好", 180), nil, Confirmed)
	require.NoError(t, err)

	assert.Len(t, f.feed(t), 1)
	assert.Equal(t, 1, f.docs.writeCount())
}

func TestCreatePost_RequiresActor(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreatePost(context.Background(), Actor{}, "hi", nil, Confirmed)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.Zero(t, f.docs.writeCount())
}

func TestCreatePost_Declined(t *testing.T) {
	f := newFixture(t)
	for _, c := range []Confirmer{Declined, nil} {
		_, err := f.coord.CreatePost(context.Background(), alice, "hi", pngOf(64), c)
		assert.ErrorIs(t, err, ErrNotConfirmed)
	}
	puts, _ := f.blobs.calls()
	assert.Zero(t, puts)
	assert.Zero(t, f.docs.writeCount())
}

func TestCreatePost_WithAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.mustCreate(t, alice, "pic", pngOf(128))

	require.True(t, e.HasAsset)
	path := "tweets/alice/" + e.ID
	assert.Equal(t, path, e.Asset.Locator.Path())

	got, err := f.coord.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Asset.Locator, got.Asset.Locator)

	ok, err := f.store.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)

	feed := f.feed(t)
	require.Len(t, feed, 1)
	assert.True(t, strings.HasPrefix(feed[0].AssetURL, "http://cdn.test/assets/tweets/alice/"))

	done, err := f.intents.List(ctx, model.IntentDone, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, model.IntentAttach, done[0].Op)
	assert.Equal(t, path, done[0].AssetPath)
}

func TestCreatePost_OversizedAssetRejectedBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreatePost(context.Background(), alice, "big", pngOf(1<<20), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	puts, deletes := f.blobs.calls()
	assert.Zero(t, puts)
	assert.Zero(t, deletes)
	assert.Zero(t, f.docs.writeCount())
}

func TestCreatePost_UploadFailureLeavesRecordWithoutAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.blobs.failPut = true

	e, err := f.coord.CreatePost(ctx, alice, "pic", pngOf(64), Confirmed)
	var perr *PartialError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "upload", perr.Step)
	assert.Equal(t, e.ID, perr.PostID)
	assert.ErrorIs(t, err, errInjected)

	got, err := f.coord.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAsset)

	failed, err := f.intents.List(ctx, model.IntentFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "upload", failed[0].Step)
}

func TestEditPost_BodyOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.WithClock(stepClock(time.UnixMilli(1_700_000_000_000)))
	p := f.mustCreate(t, alice, "a", nil)

	e, err := f.coord.EditPost(ctx, alice, p.ID, "b", KeepAsset(), Confirmed)
	require.NoError(t, err)
	require.NotNil(t, e.UpdatedAt)

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Body)
	require.NotNil(t, got.UpdatedAt)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
	first := *got.UpdatedAt

	_, err = f.coord.EditPost(ctx, alice, p.ID, "c", KeepAsset(), Confirmed)
	require.NoError(t, err)
	got, err = f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(first))

	// 纯文本编辑不写意图
	all, err := f.intents.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreatePost_InvalidAuthorSegmentWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.CreatePost(ctx, Actor{ID: "org/alice"}, "hello", pngOf(64), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	var perr *PartialError
	assert.False(t, errors.As(err, &perr))

	assert.Empty(t, f.feed(t))
	assert.Zero(t, f.docs.writeCount())
	puts, _ := f.blobs.calls()
	assert.Zero(t, puts)

	// 无附件时不涉及路径
	e, err := f.coord.CreatePost(ctx, Actor{ID: "org/alice"}, "hello", nil, Confirmed)
	require.NoError(t, err)
	assert.Equal(t, "org/alice", e.AuthorID)
}

func TestEditPost_UnknownAssetChangeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", nil)
	writes := f.docs.writeCount()

	_, err := f.coord.EditPost(ctx, alice, p.ID, "b", AssetChange{Kind: 7}, Confirmed)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Body)
	assert.Equal(t, writes, f.docs.writeCount())
	all, err := f.intents.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMutations_ConfirmBeforeAnyStoreCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 帖子不存在：拒绝确认时不应读到存储，返回未确认而非 not found
	_, err := f.coord.EditPost(ctx, alice, "missing", "b", KeepAsset(), Declined)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	err = f.coord.DeletePost(ctx, alice, "missing", true, Declined)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	_, err = f.coord.EditPost(ctx, alice, "missing", "b", KeepAsset(), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = f.coord.DeletePost(ctx, Actor{}, "missing", false, Confirmed)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestEditPost_NonOwnerLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))
	before, err := f.docs.Get(ctx, testCollection, p.ID)
	require.NoError(t, err)
	writes := f.docs.writeCount()

	for _, change := range []AssetChange{KeepAsset(), RemoveAsset(), ReplaceAsset(pngOf(32))} {
		_, err := f.coord.EditPost(ctx, bob, p.ID, "hijack", change, Confirmed)
		assert.ErrorIs(t, err, apperr.ErrAuthorization)
	}
	_, err = f.coord.EditPost(ctx, Actor{}, p.ID, "hijack", KeepAsset(), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	after, err := f.docs.Get(ctx, testCollection, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, writes, f.docs.writeCount())
	ok, err := f.store.Exists(ctx, p.Asset.Locator.Path())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEditPost_ValidationAndDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", nil)
	writes := f.docs.writeCount()

	_, err := f.coord.EditPost(ctx, alice, p.ID, "", KeepAsset(), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.coord.EditPost(ctx, alice, p.ID, strings.Repeat("y", 181), KeepAsset(), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.coord.EditPost(ctx, alice, p.ID, "b", ReplaceAsset(pngOf(1<<20)), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.coord.EditPost(ctx, alice, p.ID, "b", ReplaceAsset([]byte("plain text")), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	var asked []Action
	_, err = f.coord.EditPost(ctx, alice, p.ID, "b", KeepAsset(), ConfirmFunc(func(_ context.Context, a Action) bool {
		asked = append(asked, a)
		return false
	}))
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, []Action{{Kind: ActionEdit, PostID: p.ID}}, asked)

	assert.Equal(t, writes, f.docs.writeCount())
	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Body)
}

func TestEditPost_MissingPost(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.EditPost(context.Background(), alice, "nope", "b", KeepAsset(), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEditPost_RemoveAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))
	path := p.Asset.Locator.Path()

	e, err := f.coord.EditPost(ctx, alice, p.ID, "a2", RemoveAsset(), Confirmed)
	require.NoError(t, err)
	assert.False(t, e.HasAsset)

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAsset)
	assert.Equal(t, "a2", got.Body)
	ok, err := f.store.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	// 无附件时 remove 也成功
	_, err = f.coord.EditPost(ctx, alice, p.ID, "a3", RemoveAsset(), Confirmed)
	require.NoError(t, err)
}

func TestEditPost_ReplaceAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))
	path := "tweets/alice/" + p.ID
	require.Equal(t, path, p.Asset.Locator.Path())

	next := pngOf(96)
	next[len(next)-1] = 0x42
	e, err := f.coord.EditPost(ctx, alice, p.ID, "a", ReplaceAsset(next), Confirmed)
	require.NoError(t, err)
	assert.Equal(t, path, e.Asset.Locator.Path())
	assert.NotEqual(t, p.Asset.Locator, e.Asset.Locator)
	assert.Equal(t, repository.ETagOf(next), e.Asset.Locator.ETag())

	blob, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, next, blob.Data)

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Asset.Locator, got.Asset.Locator)

	puts, deletes := f.blobs.calls()
	assert.Equal(t, 2, puts)
	assert.Equal(t, 1, deletes)

	done, err := f.intents.List(ctx, model.IntentDone, 10)
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestEditPost_ReplaceOnPostWithoutAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", nil)

	e, err := f.coord.EditPost(ctx, alice, p.ID, "a", ReplaceAsset(pngOf(32)), Confirmed)
	require.NoError(t, err)
	assert.True(t, e.HasAsset)
	ok, err := f.store.Exists(ctx, "tweets/alice/"+p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEditPost_ReplaceUploadFailureClearsField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))
	f.blobs.failPut = true

	_, err := f.coord.EditPost(ctx, alice, p.ID, "a", ReplaceAsset(pngOf(32)), Confirmed)
	var perr *PartialError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "upload", perr.Step)
	assert.True(t, errors.Is(err, ErrAssetRemoved))

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAsset)
	ok, err := f.store.Exists(ctx, p.Asset.Locator.Path())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEditPost_ReplaceUploadFailureWithoutPriorAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", nil)
	f.blobs.failPut = true

	_, err := f.coord.EditPost(ctx, alice, p.ID, "b", ReplaceAsset(pngOf(32)), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrStore)
	assert.False(t, errors.Is(err, ErrAssetRemoved))
	var perr *PartialError
	assert.False(t, errors.As(err, &perr))

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Body)
	assert.False(t, got.HasAsset)

	failed, err := f.intents.List(ctx, model.IntentFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, model.IntentReplace, failed[0].Op)
}

func TestEditPost_RemoveFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))
	f.blobs.failDelete = true

	_, err := f.coord.EditPost(ctx, alice, p.ID, "a2", RemoveAsset(), Confirmed)
	assert.ErrorIs(t, err, apperr.ErrStore)
	var perr *PartialError
	assert.False(t, errors.As(err, &perr))

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Body)
	assert.Equal(t, p.Asset.Locator, got.Asset.Locator)

	failed, err := f.intents.List(ctx, model.IntentFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, model.IntentRemove, failed[0].Op)
}

func TestEditPost_ClearFieldFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))
	f.docs.failUpdate = true

	_, err := f.coord.EditPost(ctx, alice, p.ID, "a2", RemoveAsset(), Confirmed)
	var perr *PartialError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "clear_field", perr.Step)
}

func TestDeletePost_NonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", nil)

	err := f.coord.DeletePost(ctx, bob, p.ID, false, Confirmed)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	got, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Body)
}

func TestDeletePost_RemovesRecordAndAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.mustCreate(t, alice, "keep", nil)
	p := f.mustCreate(t, alice, "gone", pngOf(64))

	require.NoError(t, f.coord.DeletePost(ctx, alice, p.ID, true, Confirmed))

	_, err := f.coord.Get(ctx, p.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	ok, err := f.store.Exists(ctx, p.Asset.Locator.Path())
	require.NoError(t, err)
	assert.False(t, ok)

	feed := f.feed(t)
	require.Len(t, feed, 1)
	assert.Equal(t, keep.ID, feed[0].ID)

	err = f.coord.DeletePost(ctx, alice, p.ID, true, Confirmed)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeletePost_StoredAssetOverridesFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "gone", pngOf(64))

	require.NoError(t, f.coord.DeletePost(ctx, alice, p.ID, false, Confirmed))
	ok, err := f.store.Exists(ctx, p.Asset.Locator.Path())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeletePost_WithoutAssetSkipsBlobStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "plain", nil)

	require.NoError(t, f.coord.DeletePost(ctx, alice, p.ID, false, Confirmed))
	_, deletes := f.blobs.calls()
	assert.Zero(t, deletes)
	all, err := f.intents.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeletePost_Declined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))

	assert.ErrorIs(t, f.coord.DeletePost(ctx, alice, p.ID, true, Declined), ErrNotConfirmed)
	_, err := f.coord.Get(ctx, p.ID)
	require.NoError(t, err)
	_, deletes := f.blobs.calls()
	assert.Zero(t, deletes)
}

func TestDeletePost_AssetFailureOrphansObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.mustCreate(t, alice, "a", pngOf(64))
	f.blobs.failDelete = true

	err := f.coord.DeletePost(ctx, alice, p.ID, true, Confirmed)
	var perr *PartialError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "remove", perr.Step)

	_, err = f.coord.Get(ctx, p.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	ok, err := f.store.Exists(ctx, p.Asset.Locator.Path())
	require.NoError(t, err)
	assert.True(t, ok)

	failed, err := f.intents.List(ctx, model.IntentFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, model.IntentDelete, failed[0].Op)
	assert.Equal(t, "remove", failed[0].Step)
}
