package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryClient implements every queue capability in-process. It is meant for
// tests and single-process runs; nothing survives the process.
type MemoryClient struct {
	mu      sync.Mutex
	lists   map[string][]string
	wake    map[string]chan struct{} // closed and replaced on every push
	kv      map[string]memoryValue
	subs    map[string]map[*memorySubscription]struct{}
	streams map[string]*memoryStream
	closed  bool
	closeCh chan struct{}
	now     func() time.Time
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memoryStream struct {
	entries []queue.StreamMessage
	lastMs  int64
	lastSeq int64
	groups  map[string]*memoryGroup
	wake    chan struct{}
}

type memoryGroup struct {
	next    int               // index of the first undelivered entry
	pending map[string]string // entry id -> consumer
}

var (
	_ queue.Client   = (*MemoryClient)(nil)
	_ queue.KeyValue = (*MemoryClient)(nil)
	_ queue.PubSub   = (*MemoryClient)(nil)
	_ queue.Streams  = (*MemoryClient)(nil)
)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		lists:   make(map[string][]string),
		wake:    make(map[string]chan struct{}),
		kv:      make(map[string]memoryValue),
		subs:    make(map[string]map[*memorySubscription]struct{}),
		streams: make(map[string]*memoryStream),
		closeCh: make(chan struct{}),
		now:     time.Now,
	}
}

func (m *MemoryClient) wakeChan(name string) chan struct{} {
	ch, ok := m.wake[name]
	if !ok {
		ch = make(chan struct{})
		m.wake[name] = ch
	}
	return ch
}

func (m *MemoryClient) Push(ctx context.Context, queueName, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return queue.ErrClosed
	}
	m.lists[queueName] = append(m.lists[queueName], payload)
	if ch, ok := m.wake[queueName]; ok {
		close(ch)
		delete(m.wake, queueName)
	}
	return nil
}

func (m *MemoryClient) BlockingPop(ctx context.Context, queueName string, timeout time.Duration) (string, bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", false, queue.ErrClosed
		}
		if l := m.lists[queueName]; len(l) > 0 {
			head := l[0]
			l[0] = ""
			if len(l) == 1 {
				delete(m.lists, queueName)
			} else {
				m.lists[queueName] = l[1:]
			}
			m.mu.Unlock()
			return head, true, nil
		}
		wake := m.wakeChan(queueName)
		m.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-m.closeCh:
			return "", false, queue.ErrClosed
		}
	}
}

func (m *MemoryClient) Len(ctx context.Context, queueName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[queueName])), nil
}

func (m *MemoryClient) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.kv, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *MemoryClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return queue.ErrClosed
	}
	v := memoryValue{value: value}
	if expiration > 0 {
		v.expiresAt = m.now().Add(expiration)
	}
	m.kv[key] = v
	return nil
}

type memorySubscription struct {
	owner   *MemoryClient
	channel string
	msgs    chan string
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs[s.channel], s)
		s.owner.mu.Unlock()
		close(s.done)
		<-s.stopped
	})
	return nil
}

func (m *MemoryClient) Publish(ctx context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return queue.ErrClosed
	}
	for s := range m.subs[channel] {
		select {
		case s.msgs <- message:
		case <-s.done:
		default:
			// slow subscriber: drop, as a real pub/sub output buffer would
		}
	}
	return nil
}

func (m *MemoryClient) Subscribe(ctx context.Context, channel string, handler func(message string)) (queue.Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, queue.ErrClosed
	}
	sub := &memorySubscription{
		owner:   m,
		channel: channel,
		msgs:    make(chan string, 128),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer close(sub.stopped)
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				go func() { _ = sub.Close() }()
				return
			case msg := <-sub.msgs:
				handler(msg)
			}
		}
	}()
	return sub, nil
}

func (m *MemoryClient) stream(name string, create bool) *memoryStream {
	s, ok := m.streams[name]
	if !ok && create {
		s = &memoryStream{groups: make(map[string]*memoryGroup), wake: make(chan struct{})}
		m.streams[name] = s
	}
	return s
}

func (m *MemoryClient) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", queue.ErrClosed
	}
	s := m.stream(stream, true)
	ms := m.now().UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs
		s.lastSeq++
	} else {
		s.lastMs = ms
		s.lastSeq = 0
	}
	id := fmt.Sprintf("%d-%d", ms, s.lastSeq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, queue.StreamMessage{ID: id, Fields: copied})
	close(s.wake)
	s.wake = make(chan struct{})
	return id, nil
}

func (m *MemoryClient) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return queue.ErrClosed
	}
	s := m.stream(stream, true)
	if _, exists := s.groups[group]; exists {
		return nil
	}
	// "$": only entries appended after creation
	s.groups[group] = &memoryGroup{
		next:    len(s.entries),
		pending: make(map[string]string),
	}
	return nil
}

func (m *MemoryClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]queue.StreamMessage, error) {
	if count <= 0 {
		count = 1
	}
	var expired <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		expired = t.C
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, queue.ErrClosed
		}
		s := m.stream(stream, false)
		if s == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP no such key '%s' or consumer group '%s'", stream, group)
		}
		g, ok := s.groups[group]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP no such key '%s' or consumer group '%s'", stream, group)
		}
		if g.next < len(s.entries) {
			end := g.next + int(count)
			if end > len(s.entries) {
				end = len(s.entries)
			}
			out := make([]queue.StreamMessage, 0, end-g.next)
			for _, e := range s.entries[g.next:end] {
				g.pending[e.ID] = consumer
				out = append(out, e)
			}
			g.next = end
			m.mu.Unlock()
			return out, nil
		}
		wake := s.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closeCh:
			return nil, queue.ErrClosed
		}
	}
}

func (m *MemoryClient) AckStream(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream, false)
	if s == nil {
		return nil
	}
	if g, ok := s.groups[group]; ok {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries in group.
func (m *MemoryClient) Pending(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream, false)
	if s == nil {
		return 0
	}
	if g, ok := s.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}

func (m *MemoryClient) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closeCh)
	var subs []*memorySubscription
	for _, set := range m.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
