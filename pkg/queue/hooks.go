package queue

import "context"

// LifecycleHooks allows users to receive callbacks on key task transitions.
// Implementations should be fast and non-blocking. Errors should be handled internally.
type LifecycleHooks interface {
	OnPush(ctx context.Context, task Task)
	OnDone(ctx context.Context, task Task)
	OnFail(ctx context.Context, task Task, reason string)
}

// NoopHooks is the default hook implementation that does nothing.
type NoopHooks struct{}

func (NoopHooks) OnPush(ctx context.Context, task Task)                {}
func (NoopHooks) OnDone(ctx context.Context, task Task)                {}
func (NoopHooks) OnFail(ctx context.Context, task Task, reason string) {}

// MultiHooks fans out events to multiple hook implementations.
type MultiHooks []LifecycleHooks

func (m MultiHooks) OnPush(ctx context.Context, task Task) {
	for _, h := range m {
		if h != nil {
			h.OnPush(ctx, task)
		}
	}
}
func (m MultiHooks) OnDone(ctx context.Context, task Task) {
	for _, h := range m {
		if h != nil {
			h.OnDone(ctx, task)
		}
	}
}
func (m MultiHooks) OnFail(ctx context.Context, task Task, reason string) {
	for _, h := range m {
		if h != nil {
			h.OnFail(ctx, task, reason)
		}
	}
}

// Fire runs fn against hooks asynchronously, swallowing panics so a faulty
// hook never affects the caller.
func Fire(hooks LifecycleHooks, fn func(LifecycleHooks)) {
	if hooks == nil {
		return
	}
	go func() {
		defer func() { _ = recover() }()
		fn(hooks)
	}()
}
