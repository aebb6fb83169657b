// Package supervisor provides the primitives spec.md §4.4 requires for
// every privileged or long-running child: a non-blocking launch that never
// hangs the parent, a periodic heartbeat, a timeout watchdog, and a
// non-blocking tee of a child's stdout.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TerminateFunc is invoked on scope exit if the child has not already
// terminated. The default sends SIGINT to the child's pid (spec.md §4.4).
type TerminateFunc func(c *Child) error

// CleanupTimeout bounds how long a privileged-termination wait may block
// (spec.md §5, "CLEANUP_TIMEOUT").
const CleanupTimeout = 5 * time.Second

// Child is a scoped handle on a non-blocking subprocess. It is started with
// its own process group so a signal broadcast to the group never reaches
// the supervisor itself (spec.md §4.4).
type Child struct {
	cmd       *exec.Cmd
	pid       int
	pgid      int
	Stdout    io.ReadCloser
	Stderr    io.ReadCloser
	terminate TerminateFunc

	mu       sync.Mutex
	done     bool
	waitErr  error
	waitOnce sync.Once
	exited   chan struct{}
}

// Privileged marks a child that was launched via sudo/setuid tooling; its
// default termination path uses "sudo kill -SIGINT <pid>" instead of a
// direct signal, per spec.md §4.4.
type Options struct {
	Privileged bool
	Terminate  TerminateFunc
}

// Start launches name/args in their own process group and returns a scoped
// Child. Callers must call Close (typically via defer) to guarantee
// teardown on every exit path, including a panic unwinding past it.
func Start(ctx context.Context, name string, args []string, opts Options) (*Child, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", name, err)
	}

	c := &Child{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		pgid:   cmd.Process.Pid,
		Stdout: stdout,
		Stderr: stderr,
		exited: make(chan struct{}),
	}
	c.terminate = opts.Terminate
	if c.terminate == nil {
		if opts.Privileged {
			c.terminate = terminatePrivileged
		} else {
			c.terminate = terminateSIGINT
		}
	}

	go func() {
		c.waitErr = cmd.Wait()
		c.mu.Lock()
		c.done = true
		c.mu.Unlock()
		close(c.exited)
	}()

	return c, nil
}

func (c *Child) PID() int { return c.pid }

// Exited reports whether the child has already terminated.
func (c *Child) Exited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until the child exits or timeout elapses; ok is false on
// timeout.
func (c *Child) Wait(timeout time.Duration) (err error, ok bool) {
	select {
	case <-c.exited:
		return c.waitErr, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Close runs the termination callback exactly once if the child is still
// running, then blocks (briefly, and with a hard bound) for it to exit. It
// never panics and never hangs the caller, matching spec.md §5's
// "cancellation ... invoked on scope exit for any reason" guarantee.
func (c *Child) Close() error {
	if c.Exited() {
		return nil
	}
	if err := c.terminate(c); err != nil {
		return err
	}
	_, ok := c.Wait(CleanupTimeout)
	if !ok {
		// The user is warned by the caller (teardown); we never hang.
		return fmt.Errorf("supervisor: child pid %d did not exit within %s", c.pid, CleanupTimeout)
	}
	return nil
}

// terminateSIGINT is the default non-privileged termination callback: send
// SIGINT to the child's own pid (not the process group, so peers sharing a
// group are unaffected).
func terminateSIGINT(c *Child) error {
	return unix.Kill(c.pid, unix.SIGINT)
}

// terminatePrivileged spawns "sudo kill -SIGINT <pid>" as a peer process and
// waits for it with a bounded timeout; if the wait expires the caller is
// expected to warn, not hang (spec.md §4.4).
func terminatePrivileged(c *Child) error {
	killer := exec.Command("sudo", "kill", "-SIGINT", fmt.Sprintf("%d", c.pid))
	killer.Stdout = os.Stdout
	killer.Stderr = os.Stderr
	if err := killer.Start(); err != nil {
		return fmt.Errorf("supervisor: spawn sudo kill: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- killer.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(CleanupTimeout):
		return nil
	}
}
