package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"errors"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
)

// LegacyRedisClient speaks to the same store through go-redis/v8. It offers
// the narrower surface: lists plus streams and consumer groups, no get/set and
// no pub/sub.
type LegacyRedisClient struct {
	client *redisv8.Client
}

var (
	_ queue.Client  = (*LegacyRedisClient)(nil)
	_ queue.Streams = (*LegacyRedisClient)(nil)
)

func NewLegacyRedisClient(ctx context.Context, url string) (*LegacyRedisClient, error) {
	opts, err := redisv8.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redisv8.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return &LegacyRedisClient{client: rdb}, nil
}

func (l *LegacyRedisClient) Push(ctx context.Context, queueName, payload string) error {
	return l.client.RPush(ctx, queueName, payload).Err()
}

func (l *LegacyRedisClient) BlockingPop(ctx context.Context, queueName string, timeout time.Duration) (string, bool, error) {
	return slicedPop(ctx, timeout, func(ctx context.Context, wait time.Duration) ([]string, error) {
		res, err := l.client.BLPop(ctx, wait, queueName).Result()
		if errors.Is(err, redisv8.Nil) {
			return nil, nil
		}
		return res, err
	})
}

func (l *LegacyRedisClient) Len(ctx context.Context, queueName string) (int64, error) {
	return l.client.LLen(ctx, queueName).Result()
}

func (l *LegacyRedisClient) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	// flat field/value pairs keep insertion order irrelevant to the store
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return l.client.XAdd(ctx, &redisv8.XAddArgs{Stream: stream, ID: "*", Values: values}).Result()
}

func (l *LegacyRedisClient) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func (l *LegacyRedisClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]queue.StreamMessage, error) {
	if count <= 0 {
		count = 1
	}
	res, err := l.client.XReadGroup(ctx, &redisv8.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redisv8.Nil) {
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

func (l *LegacyRedisClient) AckStream(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.client.XAck(ctx, stream, group, ids...).Err()
}

func (l *LegacyRedisClient) Close() error {
	return l.client.Close()
}
