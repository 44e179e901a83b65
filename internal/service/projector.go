package service

import (
	"iter"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

type AssetState uint8

const (
	AssetNone AssetState = iota
	AssetAttached
	AssetPendingRemoval
)

// AssetRef 附件的三态值
type AssetRef struct {
	State   AssetState
	Locator repository.Locator
}

func NoAsset() AssetRef                        { return AssetRef{} }
func Attached(loc repository.Locator) AssetRef { return AssetRef{State: AssetAttached, Locator: loc} }
func (a AssetRef) Present() bool               { return a.State == AssetAttached && a.Locator != "" }
func (a AssetRef) PendingRemoval() AssetRef    { return AssetRef{State: AssetPendingRemoval, Locator: a.Locator} }

// FeedEntry 帖子的投影视图
type FeedEntry struct {
	ID        string     `json:"id"`
	Body      string     `json:"body"`
	AuthorID  string     `json:"author_id"`
	Username  string     `json:"username"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Asset     AssetRef   `json:"-"`
	HasAsset  bool       `json:"has_asset"`
	AssetURL  string     `json:"asset_url,omitempty"`
}

// ProjectDocument maps a raw record. Missing or mistyped fields become zero values.
func ProjectDocument(doc repository.Document) FeedEntry {
	e := FeedEntry{
		ID:        doc.ID,
		Body:      asString(doc.Fields[repository.FieldBody]),
		AuthorID:  asString(doc.Fields[repository.FieldAuthorID]),
		Username:  asString(doc.Fields[repository.FieldUsername]),
		CreatedAt: time.UnixMilli(asInt64(doc.Fields[repository.FieldCreatedAt])),
	}
	if v, ok := doc.Fields[repository.FieldUpdatedAt]; ok && v != nil {
		t := time.UnixMilli(asInt64(v))
		e.UpdatedAt = &t
	}
	if loc := asString(doc.Fields[repository.FieldAsset]); loc != "" {
		e.Asset = Attached(repository.Locator(loc))
		e.HasAsset = true
	}
	return e
}

// SortEntries orders by CreatedAt descending, ties by ID ascending.
func SortEntries(entries []FeedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// URLResolver turns an asset locator into a retrieval URL.
type URLResolver interface {
	ResolveURL(loc repository.Locator) (string, error)
}

// FeedProjector 把快照投影为有序 FeedEntry，只保留最近一次快照
type FeedProjector struct {
	resolver URLResolver
	limit    int

	mu     sync.RWMutex
	latest []FeedEntry
}

// NewFeedProjector; limit <= 0 keeps every entry. resolver may be nil.
func NewFeedProjector(resolver URLResolver, limit int) *FeedProjector {
	return &FeedProjector{resolver: resolver, limit: limit}
}

func (p *FeedProjector) Project(doc repository.Document) FeedEntry {
	e := ProjectDocument(doc)
	if e.Asset.Present() && p.resolver != nil {
		url, err := p.resolver.ResolveURL(e.Asset.Locator)
		if err != nil {
			logger.Warn("resolve asset url failed", zap.String("post", e.ID), zap.Error(err))
		} else {
			e.AssetURL = url
		}
	}
	return e
}

// Apply replaces the held snapshot and returns the ordered entries.
func (p *FeedProjector) Apply(snap repository.Snapshot) []FeedEntry {
	entries := make([]FeedEntry, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		entries = append(entries, p.Project(d))
	}
	SortEntries(entries)
	if p.limit > 0 && len(entries) > p.limit {
		entries = entries[:p.limit]
	}

	p.mu.Lock()
	p.latest = entries
	p.mu.Unlock()
	out := make([]FeedEntry, len(entries))
	copy(out, entries)
	return out
}

// Entries iterates the latest snapshot. Each range starts over from the
// snapshot held at that moment.
func (p *FeedProjector) Entries() iter.Seq[FeedEntry] {
	return func(yield func(FeedEntry) bool) {
		p.mu.RLock()
		entries := p.latest
		p.mu.RUnlock()
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

func (p *FeedProjector) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.latest)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case repository.Locator:
		return string(t)
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(t), 10, 64)
		return n
	case time.Time:
		return t.UnixMilli()
	default:
		return 0
	}
}
