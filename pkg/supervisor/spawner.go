package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"sync/atomic"
	"syscall"
)

// Handle is one running worker unit.
type Handle interface {
	// ID is the unit's identifier: a pid for processes, a sequence number otherwise.
	ID() int
	// Wait blocks until the unit exits and reports why.
	Wait() error
	// Stop asks the unit to terminate.
	Stop() error
}

// Spawner starts worker units.
type Spawner interface {
	Spawn(ctx context.Context) (Handle, error)
}

// ProcessSpawner forks the given executable as a child process sharing the
// parent's stdout and stderr. Stop forwards SIGTERM.
type ProcessSpawner struct {
	Path string
	Args []string
	Env  []string
}

// SelfSpawner re-executes the running binary with args.
func SelfSpawner(args ...string) (*ProcessSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ProcessSpawner{Path: path, Args: args}, nil
}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) ID() int     { return h.cmd.Process.Pid }
func (h *processHandle) Wait() error { return h.cmd.Wait() }
func (h *processHandle) Stop() error { return h.cmd.Process.Signal(syscall.SIGTERM) }

func (s *ProcessSpawner) Spawn(ctx context.Context) (Handle, error) {
	// not CommandContext: the supervisor decides when children die
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), s.Env...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Path, err)
	}
	return &processHandle{cmd: cmd}, nil
}

// RunFunc is a worker body run by FuncSpawner. The ctx is cancelled by Stop.
type RunFunc func(ctx context.Context, id int) error

// FuncSpawner runs each worker unit as a goroutine. A panic inside fn ends
// that unit only, and is reported by Wait as an error.
type FuncSpawner struct {
	Fn   RunFunc
	next atomic.Int64
}

type funcHandle struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *funcHandle) ID() int { return h.id }
func (h *funcHandle) Wait() error {
	<-h.done
	return h.err
}
func (h *funcHandle) Stop() error {
	h.cancel()
	return nil
}

// PanicError reports a worker unit that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (s *FuncSpawner) Spawn(ctx context.Context) (Handle, error) {
	// units outlive the spawn call; only Stop ends them
	uctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &funcHandle{id: int(s.next.Add(1)), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				h.err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		h.err = s.Fn(uctx, h.id)
	}()
	return h, nil
}
