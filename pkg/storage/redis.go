package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient implements every queue capability on top of go-redis/v9.
// Queues are Redis lists: RPUSH appends, BLPOP pops the head.
type RedisClient struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

var (
	_ queue.Client   = (*RedisClient)(nil)
	_ queue.KeyValue = (*RedisClient)(nil)
	_ queue.PubSub   = (*RedisClient)(nil)
	_ queue.Streams  = (*RedisClient)(nil)
)

// NewRedisClient connects to the store at url (redis://[user:pass@]host:port/db)
// and pings it so an unreachable store fails here rather than on first pop.
func NewRedisClient(ctx context.Context, url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	// a ctx deadline becomes the socket deadline; plain cancellation is
	// handled between BLPOP slices
	opts.ContextTimeoutEnabled = true
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisClientFrom(rdb), nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(rdb *redis.Client) *RedisClient {
	return &RedisClient{client: rdb, subs: make(map[*redisSubscription]struct{})}
}

// Raw exposes the underlying client for components that need more than the
// capability interfaces (rate limiter scripts).
func (r *RedisClient) Raw() *redis.Client { return r.client }

func (r *RedisClient) Push(ctx context.Context, queueName, payload string) error {
	return r.client.RPush(ctx, queueName, payload).Err()
}

func (r *RedisClient) BlockingPop(ctx context.Context, queueName string, timeout time.Duration) (string, bool, error) {
	return slicedPop(ctx, timeout, func(ctx context.Context, wait time.Duration) ([]string, error) {
		res, err := r.client.BLPop(ctx, wait, queueName).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return res, err
	})
}

func (r *RedisClient) Len(ctx context.Context, queueName string) (int64, error) {
	return r.client.LLen(ctx, queueName).Result()
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisClient) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

type redisSubscription struct {
	owner  *RedisClient
	ps     *redis.PubSub
	done   chan struct{}
	closer sync.Once
}

func (s *redisSubscription) Close() error {
	s.closer.Do(func() {
		// may already be closed by ctx cancellation
		_ = s.ps.Close()
		<-s.done
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return nil
}

// Subscribe opens a dedicated pub/sub connection for channel.
func (r *RedisClient) Subscribe(ctx context.Context, channel string, handler func(message string)) (queue.Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, queue.ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so no publish is missed after return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	sub := &redisSubscription{owner: r, ps: ps, done: make(chan struct{})}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				r.mu.Lock()
				delete(r.subs, sub)
				r.mu.Unlock()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return sub, nil
}

func (r *RedisClient) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, ID: "*", Values: values}).Result()
}

func (r *RedisClient) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func (r *RedisClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]queue.StreamMessage, error) {
	if count <= 0 {
		count = 1
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []queue.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, queue.StreamMessage{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return out, nil
}

func (r *RedisClient) AckStream(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.client.XAck(ctx, stream, group, ids...).Err()
}

// Close releases subscriptions first, then the main connection pool.
func (r *RedisClient) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return r.client.Close()
}

// isBusyGroup matches the error Redis returns when XGROUP CREATE targets an
// existing group.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func stringFields(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
