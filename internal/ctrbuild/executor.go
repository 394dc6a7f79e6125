package ctrbuild

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Executor provides a consistent interface for executing external tools
// (cargo, the emulator), handling process-group isolation and cancellation.
type Executor struct {
	Context     context.Context // The context to use for cancellation
	Interactive bool            // Interactive indicates the command owns the TTY
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Proc is a started command whose process group is killed when the
// executor's context is cancelled.
type Proc struct {
	cmd  *exec.Cmd
	ctx  context.Context
	done chan struct{}
}

// Run executes the given command, inheriting our stdio unless the caller
// wired up something else, and blocks until it exits.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	p, err := e.Start(cmd)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Start launches the command. Callers that need pipes set them up first.
// The child runs in its own process group so cancellation kills the whole
// tree, not just the direct child.
func (e *Executor) Start(cmd *exec.Cmd) (*Proc, error) {
	if len(cmd.Env) == 0 {
		cmd.Env = os.Environ()
	}

	// Interactive commands must stay in our process group to keep TTY
	// ownership; those die with us anyway.
	if !e.Interactive {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	p := &Proc{cmd: cmd, ctx: e.Context, done: make(chan struct{})}
	if !e.Interactive {
		pgid := cmd.Process.Pid
		go func() {
			select {
			case <-e.Context.Done():
				// The group may already be gone; nothing to do about the error.
				_ = unix.Kill(-pgid, unix.SIGKILL)
			case <-p.done:
			}
		}()
	}
	return p, nil
}

// Wait blocks until the command exits. A cancellation observed while waiting
// is reported as ErrBuildCancelled after a short grace period for the child
// to flush its buffers.
func (p *Proc) Wait() error {
	waitErr := p.cmd.Wait()
	close(p.done)
	if p.ctx.Err() != nil {
		time.Sleep(100 * time.Millisecond)
		return ErrBuildCancelled
	}
	return waitErr
}
