// Package remote runs job scripts on another machine over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vyvo/forge/bridge/pkg/supervisor"
)

const (
	defaultPort    = 22
	defaultDir     = "/tmp/forge"
	defaultTimeout = 30 * time.Second
)

// Config describes the SSH host jobs run on.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
	// KnownHostsPath enables host key checking. Empty accepts any host key.
	KnownHostsPath string
	// Dir receives uploaded scripts and is the job's working directory.
	Dir         string
	Python      string
	DialTimeout time.Duration
	Grace       time.Duration
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) dir() string {
	if c.Dir == "" {
		return defaultDir
	}
	return c.Dir
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return defaultTimeout
	}
	return c.DialTimeout
}

func (c Config) grace() time.Duration {
	if c.Grace <= 0 {
		return supervisor.DefaultGrace
	}
	return c.Grace
}

// Launcher uploads each job script and starts it in an SSH session.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("remote: host is required")
	}
	if cfg.User == "" {
		return nil, errors.New("remote: user is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{cfg: cfg, logger: logger.With("host", cfg.Host)}, nil
}

func (l *Launcher) Launch(ctx context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	target := l.cfg.addr()
	fail := func(err error) (supervisor.Process, error) {
		return nil, &supervisor.LaunchError{Path: target, Err: err}
	}

	script, err := os.ReadFile(spec.ScriptPath)
	if err != nil {
		return fail(fmt.Errorf("read script: %w", err))
	}
	clientCfg, err := l.cfg.clientConfig()
	if err != nil {
		return fail(err)
	}
	client, err := dial(ctx, target, clientCfg)
	if err != nil {
		return fail(fmt.Errorf("ssh dial: %w", err))
	}

	remotePath := path.Join(l.cfg.dir(), path.Base(spec.ScriptPath))
	if err := pushFile(client, remotePath, script, 0o755); err != nil {
		client.Close()
		return fail(fmt.Errorf("upload script: %w", err))
	}

	sess, err := client.NewSession()
	if err != nil {
		_ = removeFile(client, remotePath)
		client.Close()
		return fail(err)
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	command := l.command(spec, remotePath)
	if err := sess.Start(command); err != nil {
		sess.Close()
		_ = removeFile(client, remotePath)
		client.Close()
		return fail(err)
	}

	p := &process{
		client:     client,
		sess:       sess,
		remotePath: remotePath,
		out:        pr,
		lines:      supervisor.NewLineReader(pr),
		grace:      l.cfg.grace(),
		logger:     l.logger.With("script", remotePath),
		done:       make(chan struct{}),
	}
	go p.wait(pw)
	p.logger.Debug("remote job started", "command", command)
	return p, nil
}

func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// command builds the shell line that runs the uploaded script.
func (l *Launcher) command(spec supervisor.Spec, remotePath string) string {
	python := l.cfg.Python
	if python == "" {
		python = spec.Interpreter
	}
	if python == "" {
		python = supervisor.DefaultInterpreter
	}

	parts := []string{"cd", shellQuote(l.cfg.dir()), "&&", "exec", "env"}
	for _, kv := range spec.Env {
		parts = append(parts, shellQuote(kv))
	}
	parts = append(parts, shellQuote(python), shellQuote(remotePath))
	for _, a := range spec.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

type process struct {
	client     *ssh.Client
	sess       *ssh.Session
	remotePath string
	out        *io.PipeReader
	lines      *supervisor.LineReader
	grace      time.Duration
	logger     *slog.Logger

	done     chan struct{}
	code     int
	waitErr  error
	mu       sync.Mutex
	killer   *time.Timer
	once     sync.Once
	closeErr error
}

func (p *process) PID() int { return 0 }

func (p *process) ReadLine() (string, error) { return p.lines.ReadLine() }

func (p *process) wait(pw *io.PipeWriter) {
	p.code, p.waitErr = exitCode(p.sess.Wait())
	pw.Close()

	p.mu.Lock()
	if p.killer != nil {
		p.killer.Stop()
	}
	p.mu.Unlock()

	p.logger.Debug("remote job exited", "code", p.code)
	close(p.done)
}

// exitCode maps the result of Session.Wait to a job exit code.
func exitCode(err error) (int, error) {
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		if exitErr.Signal() != "" {
			return -1, nil
		}
		return exitErr.ExitStatus(), nil
	case errors.As(err, &missing):
		return -1, nil
	default:
		return -1, err
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited() || p.killer != nil {
		return nil
	}

	if err := p.sess.Signal(ssh.SIGTERM); err != nil {
		p.logger.Warn("signal remote job", "error", err)
	}
	p.killer = time.AfterFunc(p.grace, p.kill)
	return nil
}

// kill stops a job that ignored SIGTERM. Many servers drop signal
// requests, so the script is also matched by path and the session closed.
func (p *process) kill() {
	if p.exited() {
		return
	}
	p.logger.Warn("remote job ignored interrupt, killing", "grace", p.grace)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := runCommand(ctx, p.client, "pkill -KILL -f "+shellQuote(p.remotePath)); err != nil {
		p.logger.Debug("pkill remote job", "error", err)
	}
	p.sess.Close()
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, p.waitErr
}

func (p *process) Close() error {
	p.once.Do(func() {
		p.Terminate()
		// unblocks the session's output copy so Wait can return
		p.out.Close()
		<-p.done
		if err := removeFile(p.client, p.remotePath); err != nil {
			p.logger.Warn("remove remote script", "error", err)
		}
		p.closeErr = p.client.Close()
	})
	return p.closeErr
}
