package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/vmlab/lmunit/internal/model"
)

const redisChannelPrefix = "lmunit:actions:notify:"

// RedisNotifier is a distributed, Redis-backed notifier that uses
// PUBLISH/SUBSCRIBE to broadcast action-queue signals across processes: the
// HTTP intake publishes after commit, worker processes subscribe.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[model.ActionType][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewRedisClient dials Redis with the unit's connection settings.
func NewRedisClient(addr, password string, dbIndex int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: dbIndex})
}

// NewRedisNotifier creates a new Redis-backed notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		subs:   make(map[model.ActionType][]*redisSub),
	}
}

// Notify publishes a signal to the Redis channel for the given action queue.
func (n *RedisNotifier) Notify(ctx context.Context, queue model.ActionType) error {
	channel := redisChannelPrefix + string(queue)
	return n.client.Publish(ctx, channel, "1").Err()
}

// Subscribe returns a channel that receives signals when new work is
// available on the given action queue. A background goroutine listens on the
// Redis PubSub channel and forwards notifications to the returned channel.
func (n *RedisNotifier) Subscribe(ctx context.Context, queue model.ActionType) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}

	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[queue] = append(n.subs[queue], rs)
	n.mu.Unlock()

	channel := redisChannelPrefix + string(queue)
	pubsub := n.client.Subscribe(subCtx, channel)

	go func() {
		// The goroutine owns ch: closing it here cannot race with the
		// forwarding send below.
		defer func() {
			pubsub.Close()
			n.removeSub(queue, rs)
			select {
			case <-ch:
			default:
			}
			close(ch)
		}()

		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
					// Non-blocking: subscriber already has a pending notification
				}
			}
		}
	}()

	return ch
}

// Close releases all resources held by the notifier, cancelling all
// background goroutines which will close their subscriber channels.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(queue model.ActionType, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[queue]
	for i, s := range subs {
		if s == target {
			n.subs[queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
