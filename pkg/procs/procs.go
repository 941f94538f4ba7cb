// Package procs tracks helper processes spawned during a run so they can be
// torn down, with their whole process group, when the run ends.
package procs

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

// ErrClosed is returned when tracking a process after the run finished
var ErrClosed = errors.New("process registry closed")

// Registry is scoped to a single run. Close terminates whatever is still alive.
type Registry struct {
	mu     sync.Mutex
	grace  time.Duration
	cmds   map[int]*exec.Cmd
	closed bool
}

// NewRegistry creates a registry; grace is the SIGTERM-to-SIGKILL delay
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{grace: grace, cmds: make(map[int]*exec.Cmd)}
}

// Grace returns the teardown grace period
func (r *Registry) Grace() time.Duration { return r.grace }

// Track records a started command. A registry that is already closed kills it.
func (r *Registry) Track(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("command not started")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = killGroup(cmd.Process.Pid)
		return ErrClosed
	}
	r.cmds[cmd.Process.Pid] = cmd
	r.mu.Unlock()
	return nil
}

// Untrack forgets a command that exited on its own
func (r *Registry) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	r.mu.Lock()
	delete(r.cmds, cmd.Process.Pid)
	r.mu.Unlock()
}

// Reap kills whatever is left of an exited command's process group, such as
// a background child the helper did not wait for. The group is usually gone
// already and the error is ignored.
func Reap(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = killGroup(cmd.Process.Pid)
}

// Len is the number of processes still tracked
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

// Close terminates every tracked process group: SIGTERM now, SIGKILL after
// the grace period. It returns the number of groups signalled.
func (r *Registry) Close() int {
	r.mu.Lock()
	r.closed = true
	pids := make([]int, 0, len(r.cmds))
	for pid := range r.cmds {
		pids = append(pids, pid)
	}
	r.cmds = make(map[int]*exec.Cmd)
	r.mu.Unlock()

	if len(pids) == 0 {
		return 0
	}
	for _, pid := range pids {
		_ = termGroup(pid)
	}
	// ESRCH from an already-dead group is harmless
	time.AfterFunc(r.grace, func() {
		for _, pid := range pids {
			_ = killGroup(pid)
		}
	})
	return len(pids)
}

type registryKey struct{}

// WithRegistry attaches a registry to ctx for oracles that spawn processes
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, r)
}

// FromContext returns the run's registry, or nil
func FromContext(ctx context.Context) *Registry {
	r, _ := ctx.Value(registryKey{}).(*Registry)
	return r
}

// Prepare puts cmd in its own process group and makes context cancellation
// signal the group rather than just the leader.
func Prepare(cmd *exec.Cmd, grace time.Duration) {
	setGroup(cmd)
	cmd.Cancel = func() error {
		pid := cmd.Process.Pid
		if err := termGroup(pid); err != nil {
			return killGroup(pid)
		}
		go func() {
			time.Sleep(grace)
			_ = killGroup(pid)
		}()
		return nil
	}
	// Bound how long Wait blocks on pipes held open by grandchildren
	cmd.WaitDelay = grace
}
