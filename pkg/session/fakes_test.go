package session_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/vyvo/forge/bridge/pkg/session"
	"github.com/vyvo/forge/bridge/pkg/supervisor"
	"github.com/vyvo/forge/bridge/pkg/training"
)

type fakeTransport struct {
	in      chan []byte
	out     chan session.Event
	gone    chan struct{}
	goneOne sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 8),
		out:  make(chan session.Event, 256),
		gone: make(chan struct{}),
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-f.in:
		return raw, nil
	case <-f.gone:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Send(_ context.Context, ev session.Event) error {
	select {
	case <-f.gone:
		return errors.New("connection closed")
	default:
	}
	f.out <- ev
	return nil
}

func (f *fakeTransport) disconnect() {
	f.goneOne.Do(func() { close(f.gone) })
}

// drain returns every event sent so far.
func (f *fakeTransport) drain() []session.Event {
	var out []session.Event
	for {
		select {
		case ev := <-f.out:
			out = append(out, ev)
		default:
			return out
		}
	}
}

type fakeProcess struct {
	lines      chan string
	code       int
	exit       chan struct{}
	exitOnce   sync.Once
	terminated chan struct{}
	termOnce   sync.Once
	closed     bool
	mu         sync.Mutex
}

// newFakeProcess returns a job that prints lines. When exitCode is not
// nil it has already exited with that code once the lines are read;
// otherwise it runs until terminated.
func newFakeProcess(lines []string, exitCode *int) *fakeProcess {
	p := &fakeProcess{
		lines:      make(chan string, len(lines)+1),
		exit:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
	for _, l := range lines {
		p.lines <- l
	}
	if exitCode != nil {
		close(p.lines)
		p.code = *exitCode
		p.exitOnce.Do(func() { close(p.exit) })
	}
	return p
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) ReadLine() (string, error) {
	select {
	case l, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return l, nil
	case <-p.terminated:
		return "", io.EOF
	}
}

func (p *fakeProcess) Terminate() error {
	p.termOnce.Do(func() { close(p.terminated) })
	p.exitOnce.Do(func() {
		p.code = -1
		close(p.exit)
	})
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exit
	return p.code, nil
}

func (p *fakeProcess) Close() error {
	p.Terminate()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeLauncher struct {
	mu      sync.Mutex
	proc    *fakeProcess
	err     error
	specs   []supervisor.Spec
	scripts []string
}

func (l *fakeLauncher) Launch(_ context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	text, _ := os.ReadFile(spec.ScriptPath)
	l.scripts = append(l.scripts, string(text))
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

func (l *fakeLauncher) launched() []supervisor.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]supervisor.Spec(nil), l.specs...)
}

type fakeDetector map[training.Provider]bool

func (d fakeDetector) Available(_ context.Context, p training.Provider) (bool, error) {
	return d[p], nil
}

// blockingDetector holds every check until its context ends.
type blockingDetector struct {
	entered chan struct{}
}

func newBlockingDetector() *blockingDetector {
	return &blockingDetector{entered: make(chan struct{}, 1)}
}

func (d *blockingDetector) Available(ctx context.Context, _ training.Provider) (bool, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return false, ctx.Err()
}

type fakeRecorder struct {
	mu         sync.Mutex
	opened     []string
	configured []training.Config
	events     []session.Event
	results    []session.Result
}

func (r *fakeRecorder) SessionOpened(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, id)
	return nil
}

func (r *fakeRecorder) SessionConfigured(_ context.Context, _ string, cfg training.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configured = append(r.configured, cfg)
	return nil
}

func (r *fakeRecorder) EventSent(_ context.Context, _ string, ev session.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRecorder) SessionClosed(_ context.Context, _ string, res session.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func exitCode(c int) *int { return &c }
