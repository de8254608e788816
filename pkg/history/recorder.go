package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vyvo/forge/bridge/pkg/session"
	"github.com/vyvo/forge/bridge/pkg/training"
)

// Recorder feeds session lifecycle callbacks into the memory store and any
// durable stores. The memory store serves live followers; the first durable
// store, when present, serves reads.
type Recorder struct {
	mem     *MemStore
	durable []Store
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*Run
	seqs map[string]int
}

func NewRecorder(mem *MemStore, durable ...Store) *Recorder {
	if mem == nil {
		mem = NewMemStore(0, 0)
	}
	return &Recorder{
		mem:     mem,
		durable: durable,
		now:     time.Now,
		runs:    make(map[string]*Run),
		seqs:    make(map[string]int),
	}
}

// Memory returns the store that supports Subscribe.
func (r *Recorder) Memory() *MemStore { return r.mem }

// Reader returns the store history reads should use.
func (r *Recorder) Reader() Store {
	if len(r.durable) > 0 {
		return r.durable[0]
	}
	return r.mem
}

// Close closes every durable store.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.durable {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (r *Recorder) SessionOpened(ctx context.Context, id string) error {
	now := r.now().UTC()
	run := &Run{ID: id, Status: StatusRunning, StartedAt: now, UpdatedAt: now}
	r.mu.Lock()
	r.runs[id] = run
	snapshot := *run
	r.mu.Unlock()
	return r.save(ctx, snapshot)
}

func (r *Recorder) SessionConfigured(ctx context.Context, id string, cfg training.Config) error {
	snapshot, ok := r.update(id, func(run *Run) {
		c := cfg
		run.Config = &c
		run.Provider = cfg.Provider
		run.Model = cfg.Model
		run.TotalSteps = cfg.MaxSteps
	})
	if !ok {
		return ErrNotFound
	}
	return r.save(ctx, snapshot)
}

// EventSent appends the event everywhere. Run summaries are only rewritten
// in memory here; durable stores get them on configure and close.
func (r *Recorder) EventSent(ctx context.Context, id string, ev session.Event) error {
	var entry Entry
	snapshot, ok := r.update(id, func(run *Run) {
		r.seqs[id]++
		entry = Entry{Seq: r.seqs[id], Time: r.now().UTC(), Event: ev}
		if ev.Type == session.EventProgress {
			run.Step = ev.Step
			run.LastLoss = ev.Loss
		}
	})
	if !ok {
		return ErrNotFound
	}
	if err := r.mem.Save(ctx, snapshot); err != nil {
		return err
	}

	errs := []error{r.mem.AppendEvent(ctx, id, entry)}
	for _, s := range r.durable {
		errs = append(errs, s.AppendEvent(ctx, id, entry))
	}
	return errors.Join(errs...)
}

func (r *Recorder) SessionClosed(ctx context.Context, id string, res session.Result) error {
	snapshot, ok := r.update(id, func(run *Run) {
		run.Status = statusOf(res.Outcome)
		run.Step = res.Step
		run.ExitCode = res.ExitCode
		if res.Err != nil {
			run.Error = res.Err.Error()
		}
		finished := res.Finished
		if finished.IsZero() {
			finished = r.now().UTC()
		}
		run.FinishedAt = &finished
	})
	r.mu.Lock()
	delete(r.runs, id)
	delete(r.seqs, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return r.save(ctx, snapshot)
}

func (r *Recorder) update(id string, fn func(*Run)) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	fn(run)
	run.UpdatedAt = r.now().UTC()
	return *run, true
}

func (r *Recorder) save(ctx context.Context, run Run) error {
	errs := []error{r.mem.Save(ctx, run)}
	for _, s := range r.durable {
		errs = append(errs, s.Save(ctx, run))
	}
	return errors.Join(errs...)
}
