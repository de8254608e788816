// Package session runs one training session: it takes a config from the
// client, renders and launches the job, streams parsed output back and
// honors abort requests until the job ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/forge/bridge/pkg/logging"
	"github.com/vyvo/forge/bridge/pkg/metrics"
	"github.com/vyvo/forge/bridge/pkg/scriptgen"
	"github.com/vyvo/forge/bridge/pkg/supervisor"
	"github.com/vyvo/forge/bridge/pkg/training"
)

const marker = scriptgen.Marker

// Transport carries one session's messages. Receive must return when ctx
// is done; any Receive error ends the session as disconnected.
type Transport interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, ev Event) error
}

// Detector reports whether a provider's toolchain is installed.
type Detector interface {
	Available(ctx context.Context, p training.Provider) (bool, error)
}

// Recorder is told about every session. Errors are logged and otherwise
// ignored.
type Recorder interface {
	SessionOpened(ctx context.Context, id string) error
	SessionConfigured(ctx context.Context, id string, cfg training.Config) error
	EventSent(ctx context.Context, id string, ev Event) error
	SessionClosed(ctx context.Context, id string, res Result) error
}

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeComplete     Outcome = "complete"
	OutcomeAborted      Outcome = "aborted"
	OutcomeError        Outcome = "error"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeCanceled     Outcome = "canceled"
)

// Result summarizes a closed session.
type Result struct {
	Outcome  Outcome
	// State is the last state reached before Closed.
	State    State
	Step     int
	ExitCode *int
	Err      error
	Started  time.Time
	Finished time.Time
}

// Classify maps the error returned by Run to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeComplete
	case errors.Is(err, ErrAborted):
		return OutcomeAborted
	case errors.Is(err, ErrTransportClosed):
		return OutcomeDisconnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	}
	return OutcomeError
}

// Orchestrator wires the validator, script synthesizer, supervisor and
// output parser together for each session.
type Orchestrator struct {
	Launcher supervisor.Launcher
	// Detector is optional. An unavailable provider only produces a warning.
	Detector  Detector
	Extractor metrics.Extractor
	// Interpreter runs the job script. Empty means supervisor.DefaultInterpreter.
	Interpreter string
	// ScriptDir holds transient job scripts. Empty means os.TempDir().
	ScriptDir string
	WorkDir   string
	Recorder  Recorder
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// Run drives one session to completion over t. The lease is released
// exactly once before Run returns, on every path. The returned error is nil
// for a job that exited 0, ErrAborted after an abort, and otherwise the
// cause that ended the session.
func (o *Orchestrator) Run(ctx context.Context, t Transport, lease *Lease) (err error) {
	r := o.newRun(t, lease)
	ctx = logging.ContextAttrs(ctx, slog.String("session_id", lease.ID))
	ctx, r.span = r.tracer().Start(ctx, "training.session",
		trace.WithAttributes(attribute.String("session.id", lease.ID)))

	defer func() { r.cleanup(ctx, err) }()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrUnexpected, p)
			r.log.ErrorContext(ctx, "session panicked", "panic", p)
			r.sendTerminal(ctx, errorEvent(err))
			r.state = StateErrored
		}
	}()

	r.record(ctx, "open", func(rec Recorder) error { return rec.SessionOpened(ctx, lease.ID) })

	recvCtx, cancel := context.WithCancel(ctx)
	r.stopReceiving = cancel
	go r.receive(recvCtx)

	if o.Launcher == nil {
		err = fmt.Errorf("%w: no launcher configured", ErrUnexpected)
	} else {
		err = r.execute(ctx)
	}
	if err != nil && !r.terminal && Classify(err) == OutcomeError {
		r.sendTerminal(ctx, errorEvent(err))
	}
	if Classify(err) == OutcomeError {
		r.setState(ctx, StateErrored)
	}
	return err
}

type run struct {
	o      *Orchestrator
	t      Transport
	lease  *Lease
	log    *slog.Logger
	span   trace.Span
	start  time.Time
	state  State
	step   int
	cfg    training.Config
	script string
	proc   supervisor.Process
	exit   *int

	inbox         chan []byte
	closed        chan struct{}
	recvErr       error
	recvDone      chan struct{}
	stopReceiving context.CancelFunc

	lines     chan string
	stopLines chan struct{}
	linesDone chan struct{}
	readErr   error

	terminal bool
	once     sync.Once
}

func (o *Orchestrator) newRun(t Transport, lease *Lease) *run {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &run{
		o:        o,
		t:        t,
		lease:    lease,
		log:      logger.With("component", "session"),
		start:    time.Now().UTC(),
		state:    StateAwaitingConfig,
		inbox:    make(chan []byte),
		closed:   make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

func (r *run) tracer() trace.Tracer {
	if r.o.Tracer != nil {
		return r.o.Tracer
	}
	return otel.Tracer("github.com/vyvo/forge/bridge/pkg/session")
}

func (r *run) extractor() metrics.Extractor {
	if r.o.Extractor != nil {
		return r.o.Extractor
	}
	return metrics.Default()
}

func (r *run) setState(ctx context.Context, s State) {
	r.log.DebugContext(ctx, "session state", "from", r.state, "to", s)
	r.state = s
}

func (r *run) receive(ctx context.Context) {
	defer close(r.recvDone)
	for {
		raw, err := r.t.Receive(ctx)
		if err != nil {
			r.recvErr = err
			close(r.closed)
			return
		}
		select {
		case r.inbox <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (r *run) disconnected() error {
	if r.recvErr != nil && !errors.Is(r.recvErr, ErrTransportClosed) {
		return fmt.Errorf("%w: %w", ErrTransportClosed, r.recvErr)
	}
	return ErrTransportClosed
}

func (r *run) execute(ctx context.Context) error {
	var raw []byte
	select {
	case raw = <-r.inbox:
	case <-r.closed:
		return r.disconnected()
	case <-r.lease.Aborted():
		return r.abort(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	r.setState(ctx, StateValidating)
	cfg, err := training.Decode(raw)
	if err != nil {
		r.log.InfoContext(ctx, "rejected training config", "error", err)
		r.setState(ctx, StateErrored)
		r.sendTerminal(ctx, errorEvent(err))
		return err
	}
	r.cfg = cfg
	r.span.SetAttributes(
		attribute.String("training.provider", string(cfg.Provider)),
		attribute.String("training.model", cfg.Model),
		attribute.Int("training.max_steps", cfg.MaxSteps),
	)
	r.log.InfoContext(ctx, "training config accepted", "provider", cfg.Provider, "model", cfg.Model)
	r.record(ctx, "configure", func(rec Recorder) error { return rec.SessionConfigured(ctx, r.lease.ID, cfg) })

	accepted := infoEvent(
		fmt.Sprintf("Received training config for %s", cfg.Provider),
		fmt.Sprintf("%s Initializing %s training pipeline...", marker, cfg.Provider),
	)
	accepted.SessionID = r.lease.ID
	if err := r.send(ctx, accepted); err != nil {
		return err
	}

	r.setState(ctx, StateSynthesizing)
	script, err := scriptgen.Synthesize(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpected, err)
	}
	path, err := r.writeScript(script)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpected, err)
	}
	r.script = path
	if err := r.send(ctx, infoEvent("Training script generated", fmt.Sprintf("%s Script saved to %s", marker, path))); err != nil {
		return err
	}

	if err := r.checkAvailability(ctx); err != nil {
		return err
	}
	if r.abortPending() {
		return r.abort(ctx)
	}

	r.setState(ctx, StateLaunching)
	proc, err := r.o.Launcher.Launch(ctx, supervisor.Spec{
		Interpreter: r.o.Interpreter,
		ScriptPath:  path,
		Env:         jobEnv(cfg),
		Dir:         r.o.WorkDir,
	})
	if err != nil {
		r.log.ErrorContext(ctx, "launch failed", "error", err)
		r.sendTerminal(ctx, Event{
			Type:    EventError,
			Message: err.Error(),
			Log:     fmt.Sprintf("%s Failed to launch training: %v", marker, err),
		})
		return err
	}
	r.proc = proc
	r.log.InfoContext(ctx, "training job started", "pid", proc.PID())

	r.setState(ctx, StateStreaming)
	return r.stream(ctx)
}

func (r *run) writeScript(s scriptgen.Script) (string, error) {
	f, err := os.CreateTemp(r.o.ScriptDir, "forge-"+string(s.Provider)+"-*.py")
	if err != nil {
		return "", fmt.Errorf("create job script: %w", err)
	}
	if _, err := io.WriteString(f, s.Text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write job script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close job script: %w", err)
	}
	return f.Name(), nil
}

type detection struct {
	ok  bool
	err error
}

// checkAvailability warns when the provider is not installed. Aborts,
// stops and disconnects that arrive while detection runs end the session
// before anything is launched.
func (r *run) checkAvailability(ctx context.Context) error {
	if r.o.Detector == nil {
		return nil
	}
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan detection, 1)
	go func() {
		ok, err := r.o.Detector.Available(dctx, r.cfg.Provider)
		done <- detection{ok, err}
	}()

	var d detection
wait:
	for {
		select {
		case d = <-done:
			break wait
		case raw := <-r.inbox:
			if r.isAbort(ctx, raw) {
				return r.abort(ctx)
			}
		case <-r.lease.Aborted():
			return r.abort(ctx)
		case <-r.closed:
			return r.disconnected()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if d.err != nil {
		r.log.WarnContext(ctx, "capability detection failed", "error", d.err)
		return nil
	}
	if d.ok {
		return nil
	}
	p := r.cfg.Provider
	// the job still runs so the client sees the real failure output
	return r.send(ctx, warningEvent(
		fmt.Sprintf("%s not installed - will show actual errors", p),
		fmt.Sprintf("%s Note: %s not found. Running script anyway to show real logs...", marker, p),
	))
}

func jobEnv(cfg training.Config) []string {
	env := []string{"PYTHONUNBUFFERED=1", "FORGE_MAX_STEPS=" + strconv.Itoa(cfg.MaxSteps)}
	if idx, ok := cfg.DeviceIndex(); ok {
		env = append(env, "CUDA_VISIBLE_DEVICES="+strconv.Itoa(idx))
	}
	return env
}

func (r *run) readLines() {
	defer close(r.linesDone)
	defer close(r.lines)
	for {
		line, err := r.proc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.readErr = err
			}
			return
		}
		select {
		case r.lines <- line:
		case <-r.stopLines:
			return
		}
	}
}

func (r *run) stream(ctx context.Context) error {
	r.lines = make(chan string)
	r.stopLines = make(chan struct{})
	r.linesDone = make(chan struct{})
	go r.readLines()

	extractor := r.extractor()
	for {
		select {
		case line, ok := <-r.lines:
			if !ok {
				return r.finish(ctx)
			}
			// an abort that is already waiting wins over the line
			if r.abortPending() {
				return r.abort(ctx)
			}
			r.step++
			m := extractor.Extract(line)
			ev := Event{
				Type:       EventProgress,
				Step:       r.step,
				TotalSteps: r.cfg.MaxSteps,
				Loss:       m.Loss,
				Accuracy:   m.Accuracy,
				Log:        strings.TrimSpace(line),
			}
			if err := r.send(ctx, ev); err != nil {
				return err
			}
		case raw := <-r.inbox:
			if r.isAbort(ctx, raw) {
				return r.abort(ctx)
			}
		case <-r.lease.Aborted():
			return r.abort(ctx)
		case <-r.closed:
			return r.disconnected()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *run) isAbort(ctx context.Context, raw []byte) bool {
	if _, ok := DecodeCommand(raw); ok {
		return true
	}
	r.log.DebugContext(ctx, "ignoring client message", "size", len(raw))
	return false
}

func (r *run) abortPending() bool {
	select {
	case <-r.lease.Aborted():
		return true
	default:
	}
	for {
		select {
		case raw := <-r.inbox:
			if _, ok := DecodeCommand(raw); ok {
				return true
			}
		default:
			return false
		}
	}
}

type exitStatus struct {
	code int
	err  error
}

func (r *run) finish(ctx context.Context) error {
	if r.readErr != nil {
		return fmt.Errorf("%w: read job output: %w", ErrUnexpected, r.readErr)
	}
	r.setState(ctx, StateTerminating)

	exited := make(chan exitStatus, 1)
	go func() {
		code, err := r.proc.Wait()
		exited <- exitStatus{code, err}
	}()

	for {
		select {
		case st := <-exited:
			return r.exited(ctx, st)
		case raw := <-r.inbox:
			if r.isAbort(ctx, raw) {
				return r.abort(ctx)
			}
		case <-r.lease.Aborted():
			return r.abort(ctx)
		case <-r.closed:
			return r.disconnected()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *run) exited(ctx context.Context, st exitStatus) error {
	if st.err != nil {
		return fmt.Errorf("%w: wait for job: %w", ErrUnexpected, st.err)
	}
	r.log.InfoContext(ctx, "training job exited", "code", st.code, "step", r.step)
	if st.code == 0 {
		r.exit = new(int)
		r.sendTerminal(ctx, Event{
			Type: EventComplete,
			Step: r.step,
			Log:  marker + " ✓ Training completed successfully!",
		})
		return nil
	}
	code := st.code
	r.exit = &code
	failure := &RuntimeFailure{Code: code}
	r.sendTerminal(ctx, Event{
		Type:     EventError,
		Message:  failure.Error(),
		Log:      fmt.Sprintf("%s Training failed with exit code %d", marker, code),
		ExitCode: &code,
	})
	return failure
}

func (r *run) abort(ctx context.Context) error {
	r.setState(ctx, StateTerminating)
	if r.proc != nil {
		if err := r.proc.Terminate(); err != nil {
			r.log.WarnContext(ctx, "terminate job", "error", err)
		}
	}
	r.log.InfoContext(ctx, "training aborted", "step", r.step)
	r.sendTerminal(ctx, Event{
		Type: EventAborted,
		Step: r.step,
		Log:  marker + " Training aborted by user",
	})
	return ErrAborted
}

// send delivers a non-terminal event. A failed send means the client is
// gone.
func (r *run) send(ctx context.Context, ev Event) error {
	if r.terminal {
		return nil
	}
	if err := r.t.Send(ctx, ev); err != nil {
		r.log.DebugContext(ctx, "send event", "type", ev.Type, "error", err)
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	r.span.AddEvent("session."+string(ev.Type), trace.WithAttributes(attribute.Int("step", ev.Step)))
	r.record(ctx, "event", func(rec Recorder) error { return rec.EventSent(ctx, r.lease.ID, ev) })
	return nil
}

// sendTerminal delivers the single terminal event. Nothing is sent after it.
func (r *run) sendTerminal(ctx context.Context, ev Event) {
	if r.terminal {
		return
	}
	_ = r.send(ctx, ev)
	r.terminal = true
}

func (r *run) record(ctx context.Context, op string, fn func(Recorder) error) {
	if r.o.Recorder == nil {
		return
	}
	if err := fn(r.o.Recorder); err != nil {
		r.log.WarnContext(ctx, "record session", "op", op, "error", err)
	}
}

func (r *run) cleanup(ctx context.Context, err error) {
	r.once.Do(func() {
		if r.stopReceiving != nil {
			r.stopReceiving()
			<-r.recvDone
		}

		if r.proc != nil {
			if r.stopLines != nil {
				close(r.stopLines)
			}
			if cerr := r.proc.Close(); cerr != nil {
				r.log.WarnContext(ctx, "close job process", "error", cerr)
			}
			if r.linesDone != nil {
				<-r.linesDone
			}
		}

		if r.script != "" {
			if rerr := os.Remove(r.script); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				r.log.WarnContext(ctx, "remove job script", "path", r.script, "error", rerr)
			}
		}

		r.lease.Release()
		last := r.state
		r.setState(ctx, StateClosed)

		res := Result{
			Outcome:  Classify(err),
			State:    last,
			Step:     r.step,
			ExitCode: r.exit,
			Err:      err,
			Started:  r.start,
			Finished: time.Now().UTC(),
		}
		bg := context.WithoutCancel(ctx)
		r.record(bg, "close", func(rec Recorder) error { return rec.SessionClosed(bg, r.lease.ID, res) })

		r.span.SetAttributes(
			attribute.String("session.outcome", string(res.Outcome)),
			attribute.String("session.last_state", last.String()),
			attribute.Int("session.step", r.step),
		)
		if res.Outcome == OutcomeError {
			r.span.SetStatus(codes.Error, err.Error())
		}
		r.span.End()

		level := slog.LevelInfo
		if res.Outcome == OutcomeError {
			level = slog.LevelWarn
		}
		attrs := []any{"outcome", res.Outcome, "state", last, "step", r.step}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		r.log.Log(ctx, level, "session closed", attrs...)
	})
}
