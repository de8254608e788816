// Package supervisor starts job scripts as child processes and owns their
// lifecycle until they exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultInterpreter runs job scripts when Spec.Interpreter is empty.
const DefaultInterpreter = "python3"

// DefaultGrace is how long Terminate waits before killing the process.
const DefaultGrace = 5 * time.Second

// Spec describes one job process.
type Spec struct {
	Interpreter string
	ScriptPath  string
	Args        []string
	// Env is appended to the bridge's own environment.
	Env []string
	Dir string
}

func (s Spec) interpreter() string {
	if s.Interpreter == "" {
		return DefaultInterpreter
	}
	return s.Interpreter
}

// Launcher starts job processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// Process is a running job. Output lines arrive in the order the job
// produced them on stdout and stderr combined.
type Process interface {
	PID() int
	// ReadLine blocks for the next output line. A trailing line without a
	// newline is returned before io.EOF.
	ReadLine() (string, error)
	// Terminate asks the job to stop and kills it after a grace period.
	// It is a no-op once the job has exited.
	Terminate() error
	// Wait blocks until the job exits and returns its exit code. A job
	// ended by a signal reports -1.
	Wait() (int, error)
	// Close terminates the job if needed, waits for it and releases the
	// output pipe. Safe to call more than once.
	Close() error
}

// LaunchError reports a job that could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Local runs jobs on this machine.
type Local struct {
	Grace  time.Duration
	Logger *slog.Logger
}

// NewLocal returns a launcher that kills jobs grace after asking them to stop.
func NewLocal(grace time.Duration, logger *slog.Logger) *Local {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{Grace: grace, Logger: logger}
}

func (l *Local) Launch(ctx context.Context, spec Spec) (Process, error) {
	path := spec.interpreter()
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Path: path, Err: err}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: path, Err: fmt.Errorf("output pipe: %w", err)}
	}

	args := append([]string{spec.ScriptPath}, spec.Args...)
	cmd := exec.Command(path, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &LaunchError{Path: path, Err: err}
	}
	// the child holds its own copy of the write end
	w.Close()

	grace := l.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &localProcess{
		cmd:    cmd,
		out:    r,
		lines:  NewLineReader(r),
		grace:  grace,
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	go p.wait()
	p.logger.Debug("job process started", "interpreter", path, "script", spec.ScriptPath)
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	out    *os.File
	lines  *LineReader
	grace  time.Duration
	logger *slog.Logger

	done     chan struct{}
	code     int
	waitErr  error
	mu       sync.Mutex
	killer   *time.Timer
	closeErr error
	once     sync.Once
}

func (p *localProcess) PID() int { return p.cmd.Process.Pid }

func (p *localProcess) ReadLine() (string, error) { return p.lines.ReadLine() }

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.code = 0
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitCode()
	default:
		p.code = -1
		p.waitErr = err
	}

	p.mu.Lock()
	if p.killer != nil {
		p.killer.Stop()
	}
	p.mu.Unlock()

	p.logger.Debug("job process exited", "code", p.code)
	close(p.done)
}

func (p *localProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *localProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited() || p.killer != nil {
		return nil
	}

	if err := interrupt(p.cmd); err != nil {
		if p.exited() {
			return nil
		}
		p.logger.Warn("interrupt failed, killing job", "error", err)
		return kill(p.cmd)
	}
	p.killer = time.AfterFunc(p.grace, func() {
		if p.exited() {
			return
		}
		p.logger.Warn("job ignored interrupt, killing", "grace", p.grace)
		if err := kill(p.cmd); err != nil && !p.exited() {
			p.logger.Error("kill job", "error", err)
		}
	})
	return nil
}

func (p *localProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.waitErr
}

func (p *localProcess) Close() error {
	p.once.Do(func() {
		if err := p.Terminate(); err != nil {
			p.logger.Warn("terminate job on close", "error", err)
		}
		<-p.done
		p.closeErr = p.out.Close()
	})
	return p.closeErr
}
