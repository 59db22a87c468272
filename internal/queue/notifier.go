// Package queue provides a push-based notification layer on top of the
// database action queue. Polling the documents table remains the source of
// truth; notifications only let a worker skip the remainder of its poll sleep
// when the HTTP intake has just enqueued an action.
//
// Implementations:
//   - NoopNotifier: never signals; workers rely purely on polling
//   - ChannelNotifier: in-process channels, for single-process tests
//   - RedisNotifier: Redis pub/sub, for multi-process deployments
package queue

import (
	"context"
	"sync"

	"github.com/vmlab/lmunit/internal/model"
)

// Notifier signals workers that new actions of a type may be claimable.
type Notifier interface {
	// Notify signals that new work is available on the given action queue.
	Notify(ctx context.Context, queue model.ActionType) error

	// Subscribe returns a channel that receives signals when new work is
	// available on the given action queue. The channel is closed when the
	// context is cancelled or Close is called.
	Subscribe(ctx context.Context, queue model.ActionType) <-chan struct{}

	// Close releases all resources held by the notifier.
	Close() error
}

// NoopNotifier is a no-op implementation that never sends notifications.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(_ context.Context, _ model.ActionType) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context, _ model.ActionType) <-chan struct{} {
	// Never written to; closed on cancellation to prevent goroutine leaks.
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is an in-process, channel-based notifier suitable for
// single-process deployments and tests.
type ChannelNotifier struct {
	mu          sync.Mutex
	subscribers map[model.ActionType][]chan struct{}
	closed      bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{
		subscribers: make(map[model.ActionType][]chan struct{}),
	}
}

func (n *ChannelNotifier) Notify(_ context.Context, queue model.ActionType) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subscribers[queue] {
		select {
		case ch <- struct{}{}:
		default:
			// Non-blocking: subscriber already has a pending notification
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, queue model.ActionType) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subscribers[queue] = append(n.subscribers[queue], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subscribers[queue]
		for i, s := range subs {
			if s == ch {
				n.subscribers[queue] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subscribers = nil
	return nil
}
