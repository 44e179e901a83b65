package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/feedsync/internal/repository"
)

const testCollection = "tweets"

// pngHeader 足以让 mimetype 识别为 image/png
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func pngOf(n int) []byte {
	b := make([]byte, n)
	copy(b, pngHeader)
	return b
}

var errInjected = errors.New("injected failure")

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(db))
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// flakyBlobs 可注入失败并统计调用次数
type flakyBlobs struct {
	repository.BlobStore

	mu         sync.Mutex
	failPut    bool
	failDelete bool
	puts       int
	deletes    int
}

func (b *flakyBlobs) Put(ctx context.Context, path string, data []byte) (repository.Locator, error) {
	b.mu.Lock()
	b.puts++
	fail := b.failPut
	b.mu.Unlock()
	if fail {
		return "", errInjected
	}
	return b.BlobStore.Put(ctx, path, data)
}

func (b *flakyBlobs) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	b.deletes++
	fail := b.failDelete
	b.mu.Unlock()
	if fail {
		return errInjected
	}
	return b.BlobStore.Delete(ctx, path)
}

func (b *flakyBlobs) calls() (puts, deletes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts, b.deletes
}

// flakyDocs 可注入失败并统计写调用
type flakyDocs struct {
	repository.DocumentStore

	mu         sync.Mutex
	failUpdate bool
	writes     int
}

func (d *flakyDocs) Add(ctx context.Context, collection string, fields repository.Fields) (string, error) {
	d.count()
	return d.DocumentStore.Add(ctx, collection, fields)
}

func (d *flakyDocs) Update(ctx context.Context, collection, id string, fields repository.Fields) error {
	d.mu.Lock()
	d.writes++
	fail := d.failUpdate
	d.mu.Unlock()
	if fail {
		return errInjected
	}
	return d.DocumentStore.Update(ctx, collection, id, fields)
}

func (d *flakyDocs) Delete(ctx context.Context, collection, id string) error {
	d.count()
	return d.DocumentStore.Delete(ctx, collection, id)
}

func (d *flakyDocs) count() {
	d.mu.Lock()
	d.writes++
	d.mu.Unlock()
}

func (d *flakyDocs) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

type fixture struct {
	db      *gorm.DB
	docs    *flakyDocs
	blobs   *flakyBlobs
	store   *repository.RedisBlobStore
	intents repository.IntentRepository
	assets  *AssetManager
	coord   *MutationCoordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	_, client := newTestRedis(t)
	store := repository.NewRedisBlobStore(client, "blob:", "http://cdn.test/assets")
	f := &fixture{
		db:      db,
		docs:    &flakyDocs{DocumentStore: repository.NewGormDocumentStore(db, nil)},
		store:   store,
		intents: repository.NewIntentRepository(db),
	}
	f.blobs = &flakyBlobs{BlobStore: store}
	f.assets = NewAssetManager(f.blobs, 1<<20, []string{"image/"})
	f.coord = NewMutationCoordinator(f.docs, f.assets, f.intents, CoordinatorConfig{Collection: testCollection, MaxBodyLength: 180})
	return f
}
