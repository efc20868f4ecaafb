package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRedisURL points at TEST_REDIS_URL when set, otherwise at an in-process
// miniredis server that lives as long as the test.
func testRedisURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		return url
	}
	mr := miniredis.RunT(t)
	return "redis://" + mr.Addr()
}

func setupRedisClient(t *testing.T) *RedisClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := NewRedisClient(ctx, testRedisURL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func setupLegacyRedisClient(t *testing.T) *LegacyRedisClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := NewLegacyRedisClient(ctx, testRedisURL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// uniqueKey keeps tests independent without flushing the database.
func uniqueKey(t *testing.T, prefix string) string {
	t.Helper()
	return prefix + ":" + uuid.New().String()
}

func TestIsBusyGroup(t *testing.T) {
	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errors.New("NOGROUP no such key")))
	assert.False(t, isBusyGroup(nil))
}

func TestStringFields(t *testing.T) {
	got := stringFields(map[string]interface{}{"a": "x", "b": int64(3)})
	assert.Equal(t, map[string]string{"a": "x", "b": "3"}, got)
}

func TestRedisClient_ListOps(t *testing.T) {
	c := setupRedisClient(t)
	ctx := context.Background()
	q := uniqueKey(t, "test-queue")
	defer c.Raw().Del(ctx, q)

	require.NoError(t, c.Push(ctx, q, "Message A"))
	require.NoError(t, c.Push(ctx, q, "Message B"))
	n, err := c.Len(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	p, ok, err := c.BlockingPop(ctx, q, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Message A", p)
	p, _, _ = c.BlockingPop(ctx, q, 0)
	assert.Equal(t, "Message B", p)

	_, ok, err = c.BlockingPop(ctx, q, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "positive timeout elapses with nothing to pop")
}

// popAfterCancel starts a zero-timeout pop on an empty queue, cancels its
// context without any deadline, and reports what the pop returned.
func popAfterCancel(t *testing.T, c queue.Client) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := c.BlockingPop(ctx, uniqueKey(t, "test-queue"), 0)
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		return err
	case <-time.After(popSlice + 2*time.Second):
		t.Fatal("zero-timeout pop ignored context cancellation")
		return nil
	}
}

func TestRedisClient_PopCancelled(t *testing.T) {
	c := setupRedisClient(t)
	assert.ErrorIs(t, popAfterCancel(t, c), context.Canceled)
}

func TestLegacyRedisClient_PopCancelled(t *testing.T) {
	c := setupLegacyRedisClient(t)
	assert.ErrorIs(t, popAfterCancel(t, c), context.Canceled)
}

func TestRedisClient_ZeroTimeoutOutlastsSlices(t *testing.T) {
	c := setupRedisClient(t)
	ctx := context.Background()
	q := uniqueKey(t, "test-queue")

	type result struct {
		payload string
		ok      bool
		err     error
	}
	got := make(chan result, 1)
	go func() {
		p, ok, err := c.BlockingPop(ctx, q, 0)
		got <- result{p, ok, err}
	}()

	// longer than one BLPOP slice: an empty slice must not surface as "none"
	select {
	case r := <-got:
		t.Fatalf("pop returned early: %+v", r)
	case <-time.After(popSlice + 500*time.Millisecond):
	}
	require.NoError(t, c.Push(ctx, q, "late"))
	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
		assert.Equal(t, "late", r.payload)
	case <-time.After(3 * time.Second):
		t.Fatal("pop never returned the pushed task")
	}
}

func TestRedisClient_KeyValue(t *testing.T) {
	c := setupRedisClient(t)
	ctx := context.Background()
	key := uniqueKey(t, "test-kv")
	defer c.Raw().Del(ctx, key)

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, "v", time.Minute))
	v, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	ttl, err := c.Raw().TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisClient_PubSub(t *testing.T) {
	c := setupRedisClient(t)
	ctx := context.Background()
	channel := uniqueKey(t, "test-channel")

	got := make(chan string, 1)
	sub, err := c.Subscribe(ctx, channel, func(msg string) { got <- msg })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, channel, "hello"))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRedisClient_Streams(t *testing.T) {
	c := setupRedisClient(t)
	ctx := context.Background()
	stream := uniqueKey(t, "test-stream")
	defer c.Raw().Del(ctx, stream)

	require.NoError(t, c.CreateConsumerGroup(ctx, stream, "g"))
	require.NoError(t, c.CreateConsumerGroup(ctx, stream, "g"), "BUSYGROUP is tolerated")

	id, err := c.StreamAppend(ctx, stream, map[string]string{"msg": "hi"})
	require.NoError(t, err)

	msgs, err := c.ReadGroup(ctx, stream, "g", "c1", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Fields["msg"])
	require.NoError(t, c.AckStream(ctx, stream, "g", id))

	msgs, err = c.ReadGroup(ctx, stream, "g", "c1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisClient_SubscriptionEndsWithContext(t *testing.T) {
	c := setupRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Subscribe(ctx, uniqueKey(t, "test-channel"), func(string) {})
	require.NoError(t, err)

	tracked := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.subs)
	}
	assert.Equal(t, 1, tracked())
	cancel()
	assert.Eventually(t, func() bool { return tracked() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisClient_ClosedSubscribe(t *testing.T) {
	c := setupRedisClient(t)
	require.NoError(t, c.Close())
	_, err := c.Subscribe(context.Background(), "x", func(string) {})
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestLegacyRedisClient_ListAndStreams(t *testing.T) {
	c := setupLegacyRedisClient(t)
	ctx := context.Background()
	q := uniqueKey(t, "test-queue")
	stream := uniqueKey(t, "test-stream")

	require.NoError(t, c.Push(ctx, q, "x"))
	p, ok, err := c.BlockingPop(ctx, q, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", p)
	_, ok, err = c.BlockingPop(ctx, q, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.CreateConsumerGroup(ctx, stream, "g"))
	require.NoError(t, c.CreateConsumerGroup(ctx, stream, "g"))
	id, err := c.StreamAppend(ctx, stream, map[string]string{"n": "1"})
	require.NoError(t, err)
	msgs, err := c.ReadGroup(ctx, stream, "g", "c", 0, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	require.NoError(t, c.AckStream(ctx, stream, "g", id))

	_, isKV := interface{}(c).(queue.KeyValue)
	assert.False(t, isKV, "legacy adapter has no get/set")
}

func TestRedisRateLimiterSharesBucket(t *testing.T) {
	c := setupRedisClient(t)
	ctx := context.Background()
	key := uniqueKey(t, "q")
	defer c.Raw().Del(ctx, "rate_limit:"+key)

	cfg := queue.RateLimitConfig{RatePerSecond: 2, BurstSize: 3}
	a := NewRedisRateLimiter(c.Raw(), cfg)
	b := NewRateLimiter(c, cfg)
	require.IsType(t, &RedisRateLimiter{}, b)

	allowed := 0
	for i := 0; i < 4; i++ {
		l := queue.RateLimiter(a)
		if i%2 == 1 {
			l = b
		}
		ok, err := l.Allow(ctx, key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed, "both limiters draw from one bucket")

	time.Sleep(600 * time.Millisecond)
	ok, err := a.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "refilled after waiting")
}
