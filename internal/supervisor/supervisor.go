// Package supervisor launches a workload so that counters can be bound
// to it before it executes a single instruction.
//
// Go cannot run code between fork and exec, so the child is a re-exec
// of the current binary that blocks on a one-shot handshake pipe. The
// parent attaches counters to the child's pid, then writes one byte to
// the pipe; only then does the child exec the workload. Closing the
// pipe without writing aborts the child instead.
//
//	Unforked -> Forked -> CountersAttached -> ChildRunning -> ChildExited
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State of a supervised child.
type State int

const (
	StateUnforked State = iota
	StateForked
	StateAttached
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUnforked:
		return "unforked"
	case StateForked:
		return "forked"
	case StateAttached:
		return "counters-attached"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrChildExec matches every *ExecError.
var ErrChildExec = errors.New("workload could not be executed")

// ExecError is a failure that happened in the child after the handshake:
// the workload could not be found or executed.
type ExecError struct {
	Command  string
	Message  string
	ExitCode int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("child: %s", e.Message)
}

// Is lets errors.Is(err, ErrChildExec) match.
func (e *ExecError) Is(target error) bool { return target == ErrChildExec }

// AttachFunc binds counters to pid and starts them. It runs after the
// child exists and before it is released.
type AttachFunc func(pid int) error

// DefaultGrace is how long Close waits after SIGTERM before SIGKILL.
const DefaultGrace = 2 * time.Second

// openHandshakes counts handshake pipes not yet released.
var openHandshakes atomic.Int64

// OpenHandshakes returns the number of handshakes created by Launch
// whose pipes have not been closed.
func OpenHandshakes() int { return int(openHandshakes.Load()) }

// Child is a launched workload.
type Child struct {
	cmd    *exec.Cmd
	logger *zap.Logger
	done   chan struct{}

	mu       sync.Mutex
	state    State
	gate     *os.File
	status   *os.File
	released bool
}

// Launch starts argv under supervision. attach is called with the
// child's pid while the child is still blocked; if it fails, the child
// is killed without ever being released, so the workload never runs.
// If the workload cannot be executed the child is reaped and an
// *ExecError is returned.
func Launch(ctx context.Context, argv []string, attach AttachFunc, logger *zap.Logger) (*Child, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command to launch")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gateR, gateW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating handshake: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		gateR.Close()
		gateW.Close()
		return nil, fmt.Errorf("creating exec status pipe: %w", err)
	}
	openHandshakes.Add(1)

	cmd := exec.Command("/proc/self/exe")
	cmd.Args = append([]string{childMarker}, argv...)
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{gateR, statusW} // fd 3 and 4 in the child

	c := &Child{
		cmd:    cmd,
		logger: logger,
		done:   make(chan struct{}),
		gate:   gateW,
		status: statusR,
	}

	startErr := cmd.Start()
	gateR.Close()
	statusW.Close()
	if startErr != nil {
		c.releaseHandshake()
		return nil, fmt.Errorf("starting child: %w", startErr)
	}
	go c.wait()

	pid := cmd.Process.Pid
	c.setState(StateForked)
	logger.Debug("Child forked, waiting for handshake", zap.Int("pid", pid))

	if err := ctx.Err(); err != nil {
		c.abort()
		return nil, err
	}
	if attach != nil {
		if err := attach(pid); err != nil {
			c.abort()
			return nil, fmt.Errorf("attaching counters to child %d: %w", pid, err)
		}
	}
	c.setState(StateAttached)

	if _, err := c.gate.Write([]byte{1}); err != nil {
		c.abort()
		return nil, fmt.Errorf("releasing child %d: %w", pid, err)
	}
	c.mu.Lock()
	c.gate.Close()
	c.gate = nil
	c.mu.Unlock()

	// The status pipe is close-on-exec in the child: EOF without data
	// means the workload image is running.
	msg, _ := io.ReadAll(c.status)
	if len(msg) > 0 {
		<-c.done
		execErr := &ExecError{Command: argv[0], Message: string(msg), ExitCode: c.statusCode()}
		c.setState(StateExited)
		c.releaseHandshake()
		return nil, execErr
	}

	c.setState(StateRunning)
	logger.Debug("Child released", zap.Int("pid", pid), zap.Strings("argv", argv))
	return c, nil
}

// wait reaps the child. A non-zero exit is not an error here; callers
// read it through ExitCode.
func (c *Child) wait() {
	c.cmd.Wait()
	close(c.done)
}

func (c *Child) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// abort kills a child that was never released and reaps it.
func (c *Child) abort() {
	c.cmd.Process.Signal(syscall.SIGKILL)
	<-c.done
	c.setState(StateExited)
	c.releaseHandshake()
}

// releaseHandshake closes the parent's pipe ends exactly once.
func (c *Child) releaseHandshake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.gate != nil {
		c.gate.Close()
		c.gate = nil
	}
	if c.status != nil {
		c.status.Close()
		c.status = nil
	}
	openHandshakes.Add(-1)
}

// Pid returns the child's process id.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// State returns the current state.
func (c *Child) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Poll reports, without blocking, whether the child has exited.
func (c *Child) Poll() (bool, error) {
	select {
	case <-c.done:
		c.setState(StateExited)
		return true, nil
	default:
		return false, nil
	}
}

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitCode returns the workload's exit status, 128+signal if it was
// killed, or -1 while it is still running.
func (c *Child) ExitCode() int {
	select {
	case <-c.done:
	default:
		return -1
	}
	return c.statusCode()
}

func (c *Child) statusCode() int {
	ps := c.cmd.ProcessState
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// Usage returns the user and system CPU time of the exited child.
func (c *Child) Usage() (user, system time.Duration) {
	select {
	case <-c.done:
	default:
		return 0, 0
	}
	ps := c.cmd.ProcessState
	return ps.UserTime(), ps.SystemTime()
}

// Terminate sends SIGTERM, waits up to grace, then sends SIGKILL and
// waits for the child to be reaped.
func (c *Child) Terminate(grace time.Duration) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.logger.Debug("Terminating child", zap.Int("pid", c.Pid()), zap.Duration("grace", grace))
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signalling child %d: %w", c.Pid(), err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("Child ignored SIGTERM, killing", zap.Int("pid", c.Pid()))
		c.cmd.Process.Signal(syscall.SIGKILL)
		<-c.done
	}
	c.setState(StateExited)
	return nil
}

// Close terminates a child that is still running and releases the
// handshake. It is safe to call more than once.
func (c *Child) Close() error {
	err := c.Terminate(DefaultGrace)
	c.releaseHandshake()
	return err
}
