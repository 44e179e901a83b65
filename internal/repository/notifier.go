package repository

import (
	"context"
	"sync"
)

// ChangeNotifier 集合变更信号。信号只表示“有变化”，订阅方自行重查。
type ChangeNotifier interface {
	Notify(ctx context.Context, collection string) error
	Watch(collection string) (<-chan struct{}, func())
	Close() error
}

// LocalNotifier 进程内变更广播
type LocalNotifier struct {
	mu       sync.Mutex
	nextID   int
	watchers map[string]map[int]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{watchers: make(map[string]map[int]chan struct{})}
}

func (n *LocalNotifier) Notify(_ context.Context, collection string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.watchers[collection] {
		// 缓冲为 1，合并连续信号
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Watch(collection string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	ch := make(chan struct{}, 1)
	if n.watchers[collection] == nil {
		n.watchers[collection] = make(map[int]chan struct{})
	}
	n.watchers[collection][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.watchers[collection], id)
			if len(n.watchers[collection]) == 0 {
				delete(n.watchers, collection)
			}
		})
	}
}

func (n *LocalNotifier) Close() error { return nil }
