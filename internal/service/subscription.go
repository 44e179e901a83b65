package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

// ErrSubscriptionClosed is returned by Next once Cancel has been called.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Scope 全局或按作者
type Scope struct {
	AuthorID string
}

var GlobalScope = Scope{}

func ByAuthor(authorID string) Scope { return Scope{AuthorID: authorID} }

func (s Scope) String() string {
	if s.AuthorID == "" {
		return "global"
	}
	return "author:" + s.AuthorID
}

// SubscriptionManager 每个逻辑视图最多一个活跃订阅
type SubscriptionManager struct {
	docs       repository.DocumentStore
	collection string

	mu     sync.Mutex
	active map[string]*Subscription
}

func NewSubscriptionManager(docs repository.DocumentStore, collection string) *SubscriptionManager {
	return &SubscriptionManager{docs: docs, collection: collection, active: make(map[string]*Subscription)}
}

func (m *SubscriptionManager) query(scope Scope, limit int) repository.Query {
	q := repository.Query{
		Collection: m.collection,
		OrderBy:    repository.FieldCreatedAt,
		Desc:       true,
		Limit:      limit,
	}
	if scope.AuthorID != "" {
		q.Filters = []repository.Filter{{Field: repository.FieldAuthorID, Value: scope.AuthorID}}
	}
	return q
}

// Open starts a live query for view, cancelling any subscription the view
// already holds. limit <= 0 is unbounded.
func (m *SubscriptionManager) Open(ctx context.Context, view string, scope Scope, limit int) (*Subscription, error) {
	sub := &Subscription{
		view:  view,
		scope: scope,
		m:     m,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.active[view]
	m.active[view] = sub
	m.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	// 订阅生命周期与 Open 的 ctx 解耦，由 Cancel 结束
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unsubscribe, err := m.docs.Subscribe(subCtx, m.query(scope, limit), sub.push)
	if err != nil {
		cancel()
		sub.Cancel()
		return nil, err
	}

	sub.mu.Lock()
	if sub.closed {
		// 打开期间已被新的 Open 取代
		sub.mu.Unlock()
		unsubscribe()
		cancel()
		return sub, nil
	}
	sub.unsubscribe = func() {
		unsubscribe()
		cancel()
	}
	sub.mu.Unlock()

	logger.Debug("feed subscription opened", zap.String("view", view), zap.String("scope", scope.String()), zap.Int("limit", limit))
	return sub, nil
}

// Active reports whether view currently holds an open subscription.
func (m *SubscriptionManager) Active(view string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[view]
	return ok
}

// Len returns the number of open subscriptions.
func (m *SubscriptionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close cancels every open subscription.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.active))
	for _, s := range m.active {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

func (m *SubscriptionManager) release(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[s.view] == s {
		delete(m.active, s.view)
	}
}

// Subscription 推送的快照只保留最新一份，Next 在消费方 goroutine 上交付
type Subscription struct {
	view  string
	scope Scope
	m     *SubscriptionManager

	mu          sync.Mutex
	closed      bool
	pending     bool
	snap        repository.Snapshot
	err         error
	unsubscribe func()

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) View() string { return s.view }
func (s *Subscription) Scope() Scope { return s.scope }

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) push(snap repository.Snapshot, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.snap, s.err, s.pending = snap, err, true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot newer than the last one returned is available.
// A refresh failure is returned as the error; the subscription stays open.
func (s *Subscription) Next(ctx context.Context) (repository.Snapshot, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return repository.Snapshot{}, ErrSubscriptionClosed
		}
		if s.pending {
			snap, err := s.snap, s.err
			s.pending, s.snap, s.err = false, repository.Snapshot{}, nil
			s.mu.Unlock()
			return snap, err
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return repository.Snapshot{}, ctx.Err()
		}
	}
}

// Cancel is idempotent. After it returns Next never yields another snapshot,
// including one the store pushed while Cancel was running.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending, s.snap, s.err = false, repository.Snapshot{}, nil
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		s.mu.Unlock()

		close(s.done)
		if unsubscribe != nil {
			unsubscribe()
		}
		s.m.release(s)
	})
}
